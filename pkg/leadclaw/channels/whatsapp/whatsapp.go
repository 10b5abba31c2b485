// Package whatsapp implements a WhatsApp Web channel on top of whatsmeow.
// The linked device session is persisted in SQLite and linking is done by
// scanning a QR code streamed to subscribers (the gateway exposes it over
// HTTP).
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// DatabasePath is the SQLite file holding the linked device session.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// AutoRead marks incoming messages as read.
	AutoRead bool `yaml:"auto_read"`

	// SendTyping shows a typing indicator before each reply.
	SendTyping bool `yaml:"send_typing"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// HealthMonitor configures silent-disconnect detection.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`

	// Media limits downloads of outbound media before upload.
	Media media.FetchConfig `yaml:"media"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "./data/whatsapp.db",
		DeviceName:           "LeadClaw",
		AutoRead:             true,
		SendTyping:           true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
		Media:                media.DefaultFetchConfig(),
	}
}

// QREvent is a QR login event delivered to subscribers.
type QREvent struct {
	// Type is "code", "success", "timeout", "error", or "refresh".
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	SecondsLeft int    `json:"seconds_left,omitempty"`
}

// qrLifetime is how long WhatsApp keeps a QR code valid.
const qrLifetime = 60 * time.Second

// WhatsApp implements channels.Channel and channels.MediaChannel. It has no
// album support, so multi-photo replies go out one by one.
type WhatsApp struct {
	cfg     Config
	client  *whatsmeow.Client
	fetcher *media.Fetcher
	logger  *slog.Logger

	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected         atomic.Bool
	state             atomic.Value // ConnectionState
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex
	lastQR        *QREvent
	qrGeneratedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "LeadClaw"
	}

	w := &WhatsApp{
		cfg:      cfg,
		fetcher:  media.NewFetcher(cfg.Media, nil),
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.setState(StateDisconnected)
	return w
}

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state.
func (w *WhatsApp) GetState() ConnectionState {
	return w.getState()
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// ---------- QR Code Subscription ----------

// SubscribeQR registers a subscriber for QR login events. The latest code,
// if still pending, is replayed immediately. The returned func unsubscribes
// and closes the channel.
func (w *WhatsApp) SubscribeQR() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)

	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	if w.lastQR != nil {
		evt := *w.lastQR
		evt.SecondsLeft = max(0, int((qrLifetime - time.Since(w.qrGeneratedAt)).Seconds()))
		ch <- evt
	}
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// notifyQR fans evt out to subscribers, skipping slow ones.
func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()

	if evt.Type == "code" {
		w.lastQR = &evt
		w.qrGeneratedAt = time.Now()
	} else {
		w.lastQR = nil
		w.qrGeneratedAt = time.Time{}
	}

	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a linked device the
// QR login runs in the background so the server can start immediately.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no linked device, waiting for QR scan")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())
	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
	return nil
}

// Disconnect closes the connection and the incoming message stream.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Logout unlinks the device and clears the stored session.
func (w *WhatsApp) Logout(ctx context.Context) error {
	if w.client == nil {
		return nil
	}

	w.setState(StateLoggingOut)
	w.connected.Store(false)

	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		w.client.Disconnect()
		if delErr := w.client.Store.Delete(ctx); delErr != nil {
			w.logger.Warn("whatsapp: failed to delete store", "error", delErr)
		}
	}

	w.setState(StateDisconnected)
	w.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

// attemptReconnect retries with linear backoff until it succeeds, the
// attempt cap is reached or the channel is stopped.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil || w.client == nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			w.setState(StateDisconnected)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		// Clear stale websocket state before dialing again.
		if w.client.IsConnected() {
			w.client.Disconnect()
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// Send sends a text message.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	w.typing(ctx, jid)

	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendMedia uploads and sends one media item. URL media is downloaded first.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, m *channels.MediaMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}

	waMsg, err := w.buildMediaMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}

	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending media: %w", err)
	}
	return nil
}

// SendVoice uploads audio and sends it as a voice note.
func (w *WhatsApp) SendVoice(ctx context.Context, to string, audio []byte, mimeType string) error {
	return w.SendMedia(ctx, to, &channels.MediaMessage{
		Type:     channels.MessageAudio,
		Data:     audio,
		MimeType: mimeType,
	})
}

var _ channels.VoiceChannel = (*WhatsApp)(nil)

func (w *WhatsApp) typing(ctx context.Context, jid types.JID) {
	if !w.cfg.SendTyping {
		return
	}
	if err := w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		w.logger.Debug("whatsapp: typing indicator failed", "error", err)
	}
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// NeedsQR returns true while the device is not linked.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(w.getState())
	if jid := w.clientJID(); jid != "" {
		h.Details["jid"] = jid
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// ---------- Internal ----------

func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow, streaming codes to subscribers.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp: QR code ready", "url", "/api/whatsapp/qr")
				w.notifyQR(QREvent{
					Type:        "code",
					Code:        evt.Code,
					Message:     "Scan the QR code with WhatsApp to link this device",
					SecondsLeft: int(evt.Timeout.Seconds()),
				})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("whatsapp: login successful")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked"})
				w.StartHealthMonitor(ctx, w.cfg.HealthMonitor)
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// RequestNewQR restarts pairing after a timeout.
func (w *WhatsApp) RequestNewQR(ctx context.Context) error {
	if w.connected.Load() {
		return fmt.Errorf("already connected")
	}
	if w.client == nil {
		return fmt.Errorf("client not initialized")
	}

	w.client.Disconnect()
	w.notifyQR(QREvent{Type: "refresh", Message: "Generating new QR code"})

	go func() {
		qrCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := w.loginWithQR(qrCtx); err != nil {
			w.logger.Error("whatsapp: QR re-login failed", "error", err)
		}
	}()
	return nil
}

// emitMessage queues msg without blocking the whatsmeow event loop.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}

	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message", "type", msg.Type)
	}
}
