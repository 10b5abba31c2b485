// Package copilot wires the LeadClaw assistant: configuration and secrets,
// the fallback LLM, the inbound router and the background jobs around them.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/database"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dispatch"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/notify"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/scheduler"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/tts"
)

// pruneJob is the scheduler name of the idle session sweep.
const pruneJob = "prune-sessions"

// Assistant owns the channels, the session store and the router.
type Assistant struct {
	config *Config

	channelMgr *channels.Manager
	sessions   *dialogue.MemoryStore
	dispatcher *dispatch.Dispatcher
	router     *Router
	scheduler  *scheduler.Scheduler

	db     *database.DB
	ledger *notify.Ledger

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an assistant from cfg. Channels are registered afterwards on
// ChannelManager() and connected by Start.
func New(cfg *Config, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Assistant{
		config:     cfg,
		channelMgr: channels.NewManager(logger),
		sessions:   dialogue.NewMemoryStore(cfg.Sessions.TTL),
		scheduler:  scheduler.New(logger),
		logger:     logger.With("component", "assistant"),
	}

	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database.Config)
		if err != nil {
			return nil, fmt.Errorf("opening lead database: %w", err)
		}
		a.db = db
		a.ledger = notify.NewLedger(db.DB)
	}

	a.dispatcher = dispatch.New(a.channelMgr, media.NewOptimizer(cfg.Media), cfg.Dispatch, logger)

	var llm Completer
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		llm = NewLLMClient(cfg, logger)
	}

	var voice tts.Provider
	if cfg.Voice.Enabled {
		apiKey := cfg.API.APIKey
		if IsEnvReference(apiKey) {
			apiKey = ""
		}
		p, err := tts.New(cfg.Voice, apiKey, cfg.API.BaseURL, logger)
		if err != nil {
			a.logger.Warn("voice replies disabled", "error", err)
		} else {
			voice = p
		}
	}

	a.router = NewRouter(RouterDeps{
		Store:      a.sessions,
		Classifier: dialogue.NewClassifier(dialogue.DefaultRules(), &cfg.Catalog),
		Engine:     dialogue.NewEngine(cfg.Catalog, cfg.Messages),
		Replier:    NewResponder(llm, cfg.Prompt, cfg.Apology, logger),
		Sender:     a.dispatcher,
		Notifier:   notify.Build(cfg.Notify, a.ledger, logger),
		Voice:      voice,
		VoiceName:  cfg.Voice.Voice,
		TextOnly:   cfg.Messages.TextOnly,
	}, logger)

	return a, nil
}

// Start connects the channels, schedules session expiry and begins
// processing messages.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting LeadClaw",
		"name", a.config.Name,
		"model", a.config.Model,
		"channels", a.channelMgr.Names(),
		"categories", len(a.config.Catalog.Categories),
	)

	if err := a.channelMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	if a.router.voice != nil && !slices.ContainsFunc(a.channelMgr.Names(), a.dispatcher.AcceptsVoice) {
		a.logger.Warn("voice replies enabled but no channel can send voice notes; replying with text")
	}

	if a.config.Sessions.TTL > 0 {
		err := a.scheduler.Add(scheduler.Job{
			Name:     pruneJob,
			Schedule: a.config.Sessions.PruneSchedule,
			Timeout:  time.Minute,
			Run:      a.pruneSessions,
		})
		if err != nil {
			return fmt.Errorf("scheduling session expiry: %w", err)
		}
	}
	a.scheduler.Start(a.ctx)

	a.wg.Add(1)
	go a.messageLoop()
	return nil
}

// Stop shuts down in reverse start order and waits for in-flight messages.
func (a *Assistant) Stop() {
	a.logger.Info("stopping LeadClaw...")

	if a.cancel != nil {
		a.cancel()
	}
	a.scheduler.Stop()
	a.channelMgr.Stop()
	a.wg.Wait()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("error closing database", "error", err)
		}
	}
	a.logger.Info("LeadClaw stopped")
}

func (a *Assistant) messageLoop() {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return
			}
			a.wg.Add(1)
			go a.handleMessage(msg)

		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	defer a.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic while handling message", "msg_id", msg.ID, "panic", r)
		}
	}()

	if err := a.router.Handle(a.ctx, msg); err != nil {
		a.logger.Warn("message rejected", "channel", msg.Channel, "msg_id", msg.ID, "error", err)
	}
}

func (a *Assistant) pruneSessions(context.Context) error {
	if n := a.sessions.Prune(); n > 0 {
		a.logger.Info("expired idle sessions", "count", n, "remaining", a.sessions.Len())
	}
	return nil
}

// ChannelManager returns the channel manager.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// Sessions returns the session store.
func (a *Assistant) Sessions() *dialogue.MemoryStore { return a.sessions }

// Router returns the inbound router.
func (a *Assistant) Router() *Router { return a.router }

// Ledger returns the lead ledger, or nil when the database is disabled.
func (a *Assistant) Ledger() *notify.Ledger { return a.ledger }

// Database returns the lead database, or nil when disabled.
func (a *Assistant) Database() *database.DB { return a.db }

// Scheduler returns the job scheduler.
func (a *Assistant) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Config returns the active configuration.
func (a *Assistant) Config() *Config { return a.config }
