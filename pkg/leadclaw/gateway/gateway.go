// Package gateway serves the Twilio webhooks and a small operations API for
// LeadClaw.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/twilio"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/whatsapp"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dedupe"
)

// Version is reported by /health. The CLI overrides it at startup.
var Version = "dev"

// maxFormBytes caps webhook bodies. Twilio forms are a few KB.
const maxFormBytes = 1 << 20

// inboundSink is the part of the Twilio channel the webhook needs.
type inboundSink interface {
	Deliver(msg *channels.IncomingMessage) bool
	Config() twilio.Config
}

// qrSource is the part of the WhatsApp channel the pairing API needs.
type qrSource interface {
	SubscribeQR() (<-chan whatsapp.QREvent, func())
	RequestNewQR(ctx context.Context) error
	NeedsQR() bool
	GetState() whatsapp.ConnectionState
}

// Gateway is the HTTP front of the assistant.
type Gateway struct {
	assistant *copilot.Assistant
	config    copilot.GatewayConfig
	seen      *dedupe.Window
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time

	// qrWait bounds how long GET /api/whatsapp/qr waits for a code.
	qrWait time.Duration
}

// New creates a gateway for assistant.
func New(assistant *copilot.Assistant, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":5001"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Gateway{
		assistant: assistant,
		config:    cfg,
		seen:      dedupe.New(cfg.DedupeTTL, dedupe.DefaultMaxSize),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		qrWait:    5 * time.Second,
	}
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(securityHeaders)

	r.Get("/health", g.handleHealth)

	// Twilio authenticates with request signatures, not the bearer token.
	r.Post("/whatsapp", g.handleInbound)
	r.Post("/whatsapp/status", g.handleStatus)

	r.Route("/api", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/leads", g.handleListLeads)
		r.Get("/jobs", g.handleListJobs)
		r.Post("/jobs/{name}/run", g.handleRunJob)
		r.Get("/whatsapp/qr", g.handleQR)
		r.Get("/whatsapp/qr/stream", g.handleQRStream)
		r.Post("/whatsapp/qr/refresh", g.handleQRRefresh)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start begins serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address; /api is open to the network",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests within the configured shutdown timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	defer g.seen.Close()
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")

	ctx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) twilioChannel() (inboundSink, bool) {
	ch, err := g.assistant.ChannelManager().Get("twilio")
	if err != nil {
		return nil, false
	}
	sink, ok := ch.(inboundSink)
	return sink, ok
}

func (g *Gateway) whatsappChannel() (qrSource, bool) {
	ch, err := g.assistant.ChannelManager().Get("whatsapp")
	if err != nil {
		return nil, false
	}
	src, ok := ch.(qrSource)
	return src, ok
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
