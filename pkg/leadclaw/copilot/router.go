package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/notify"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/tts"
)

// Replier produces free-form answers for unhandled messages.
type Replier interface {
	GetReply(ctx context.Context, text string) string
}

// Sender delivers replies to a conversation.
type Sender interface {
	SendAll(ctx context.Context, to dialogue.SessionKey, replies []dialogue.Reply) error
}

// VoiceSender is implemented by senders that know which channels carry
// voice notes. Without it every channel is assumed to.
type VoiceSender interface {
	AcceptsVoice(channel string) bool
}

// Router runs one inbound message through the qualification flow:
// session lookup, classification, state machine or fallback, delivery and
// lead notification. Messages of the same conversation are processed one
// at a time; different conversations run in parallel.
type Router struct {
	store      dialogue.Store
	classifier *dialogue.Classifier
	engine     *dialogue.Engine
	replier    Replier
	sender     Sender
	notifier   notify.Notifier
	voice      tts.Provider
	voiceName  string
	textOnly   string
	locks      *keyedMutex
	logger     *slog.Logger
}

// RouterDeps are the collaborators of a Router.
type RouterDeps struct {
	Store      dialogue.Store
	Classifier *dialogue.Classifier
	Engine     *dialogue.Engine
	Replier    Replier
	Sender     Sender
	Notifier   notify.Notifier

	// Voice, when set, speaks fallback answers. VoiceName selects the
	// provider's voice.
	Voice     tts.Provider
	VoiceName string

	// TextOnly is sent for messages without text (stickers, photos, voice
	// notes without a caption).
	TextOnly string
}

// NewRouter creates a router. A nil Notifier becomes a logging no-op.
func NewRouter(deps RouterDeps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{Logger: logger}
	}
	return &Router{
		store:      deps.Store,
		classifier: deps.Classifier,
		engine:     deps.Engine,
		replier:    deps.Replier,
		sender:     deps.Sender,
		notifier:   deps.Notifier,
		voice:      deps.Voice,
		voiceName:  deps.VoiceName,
		textOnly:   deps.TextOnly,
		locks:      newKeyedMutex(),
		logger:     logger.With("component", "router"),
	}
}

// Handle processes one inbound message. The only error it returns is
// channels.ErrInvalidPayload for a message without a conversation address;
// delivery and notification failures are logged.
func (r *Router) Handle(ctx context.Context, msg *channels.IncomingMessage) error {
	if msg == nil || msg.ChatID == "" || msg.Channel == "" {
		return fmt.Errorf("%w: message has no channel or chat id", channels.ErrInvalidPayload)
	}

	key := dialogue.SessionKey{Channel: msg.Channel, ChatID: msg.ChatID}
	logger := r.logger.With("channel", msg.Channel, "chat", key.Hash(), "msg_id", msg.ID)

	unlock := r.locks.Lock(key.String())
	defer unlock()

	start := time.Now()
	session := r.store.GetOrCreate(key.String())
	if session.Phone == "" {
		session.Phone = dialogue.ExtractPhone(msg.From)
	}
	before := session.Stage

	text := strings.TrimSpace(msg.Content)
	var out dialogue.Outcome
	var intent dialogue.Intent
	if text == "" {
		out = dialogue.Outcome{Handled: true, Replies: []dialogue.Reply{{Text: r.textOnly}}}
	} else {
		intent = r.classifier.Classify(text)
		out = r.engine.Step(session, intent, msg.Content)
		if !out.Handled {
			reply := dialogue.Reply{Text: r.replier.GetReply(ctx, text)}
			r.speak(ctx, msg.Channel, &reply, logger)
			out.Replies = []dialogue.Reply{reply}
		}
	}

	r.store.Save(session)

	logger.Info("message routed",
		"type", msg.Type,
		"intent", intent.String(),
		"handled", out.Handled,
		"stage_from", before.String(),
		"stage_to", session.Stage.String(),
		"replies", len(out.Replies),
	)

	if err := r.sender.SendAll(ctx, key, out.Replies); err != nil {
		logger.Warn("some replies were not delivered", "error", err)
	}

	if out.Lead != nil {
		if err := r.notifier.Notify(ctx, out.Lead); err != nil {
			logger.Error("lead notification failed", "error", err)
		} else {
			logger.Info("lead delivered", "category", out.Lead.Category)
		}
	}

	logger.Debug("message done", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// speak attaches a voice note to reply. Any failure leaves reply as text.
func (r *Router) speak(ctx context.Context, channel string, reply *dialogue.Reply, logger *slog.Logger) {
	if r.voice == nil || reply.Text == "" {
		return
	}
	if vs, ok := r.sender.(VoiceSender); ok && !vs.AcceptsVoice(channel) {
		return
	}
	audio, mime, err := r.voice.Synthesize(ctx, reply.Text, r.voiceName)
	if err != nil {
		logger.Warn("voice synthesis failed, replying with text", "error", err)
		return
	}
	reply.Voice = &dialogue.Voice{Audio: audio, MimeType: mime}
}

// keyedMutex serializes work per key. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
