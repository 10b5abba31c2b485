// Package twilio implements the Twilio WhatsApp channel. Outbound messages
// go through the Twilio Messages REST API; inbound messages arrive on the
// gateway's webhook and are pushed into the channel with Deliver.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

// ErrMissingCredentials is returned by Connect when the account SID, auth
// token or sender number is not configured.
var ErrMissingCredentials = errors.New("twilio: account sid, auth token and from number are required")

// Config holds Twilio channel configuration.
type Config struct {
	AccountSID string `yaml:"account_sid"`

	// AuthToken signs API requests and webhook payloads. Usually set via
	// ${TWILIO_AUTH_TOKEN} or the keyring.
	AuthToken string `yaml:"auth_token"`

	// From is the WhatsApp sender, e.g. "whatsapp:+14155238886".
	From string `yaml:"from"`

	// BaseURL overrides the API endpoint (tests, regional edges).
	BaseURL string `yaml:"base_url"`

	// WebhookURL is the public URL Twilio posts to. Signatures are computed
	// over it, so it must match the console setting exactly.
	WebhookURL string `yaml:"webhook_url"`

	// ValidateSignature rejects webhook calls with a bad X-Twilio-Signature.
	ValidateSignature bool `yaml:"validate_signature"`

	// StatusCallback is passed on every send so delivery updates reach
	// /whatsapp/status.
	StatusCallback string `yaml:"status_callback"`

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default Twilio configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.twilio.com",
		ValidateSignature: true,
		Timeout:           15 * time.Second,
	}
}

// Twilio implements channels.AlbumChannel.
type Twilio struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	sent       atomic.Int64
}

// New creates a Twilio channel.
func New(cfg Config, logger *slog.Logger) *Twilio {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.From != "" && !strings.HasPrefix(cfg.From, "whatsapp:") {
		cfg.From = "whatsapp:" + cfg.From
	}

	return &Twilio{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With("component", "twilio"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "twilio".
func (t *Twilio) Name() string { return "twilio" }

// Connect checks credentials. Twilio is stateless HTTP, so there is no
// connection to hold open.
func (t *Twilio) Connect(_ context.Context) error {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" || t.cfg.From == "" {
		return ErrMissingCredentials
	}
	t.connected.Store(true)
	t.logger.Info("twilio: ready", "from", t.cfg.From)
	return nil
}

// Disconnect stops accepting webhook deliveries.
func (t *Twilio) Disconnect() error {
	t.connected.Store(false)
	if t.messagesClosed.CompareAndSwap(false, true) {
		close(t.messages)
	}
	return nil
}

// Receive returns inbound messages delivered by the webhook.
func (t *Twilio) Receive() <-chan *channels.IncomingMessage { return t.messages }

// IsConnected reports whether the channel accepts traffic.
func (t *Twilio) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Twilio) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  t.connected.Load(),
		ErrorCount: int(t.errorCount.Load()),
		Details: map[string]any{
			"from": t.cfg.From,
			"sent": t.sent.Load(),
		},
	}
	if ts, ok := t.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = ts
	}
	return h
}

// AuthToken returns the token used for webhook signature checks.
func (t *Twilio) AuthToken() string { return t.cfg.AuthToken }

// Config returns the channel configuration.
func (t *Twilio) Config() Config { return t.cfg }

// Deliver hands a webhook message to the channel. It never blocks; false
// means the queue was full or the channel is stopped and msg was dropped.
func (t *Twilio) Deliver(msg *channels.IncomingMessage) bool {
	if t.messagesClosed.Load() || !t.connected.Load() {
		return false
	}
	msg.Channel = t.Name()
	select {
	case t.messages <- msg:
		t.lastMsg.Store(time.Now())
		return true
	default:
		t.logger.Warn("twilio: inbound queue full, dropping message", "sid", msg.ID)
		return false
	}
}

// MaxBodyLen is the longest WhatsApp body Twilio accepts, in characters.
const MaxBodyLen = 1600

// Send sends a text message. Longer texts go out as several messages.
func (t *Twilio) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	for _, part := range splitBody(msg.Content, MaxBodyLen) {
		if err := t.post(ctx, to, url.Values{"Body": {part}}); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia sends one media URL, with the caption as the body.
func (t *Twilio) SendMedia(ctx context.Context, to string, m *channels.MediaMessage) error {
	if m.URL == "" {
		return fmt.Errorf("%w: twilio needs a public media url", channels.ErrMediaNotSupported)
	}
	return t.postWithCaption(ctx, to, m.Caption, url.Values{"MediaUrl": {m.URL}})
}

// SendAlbum attaches every url to one message. WhatsApp senders on Twilio
// may reject more than one attachment; callers fall back to SendMedia.
func (t *Twilio) SendAlbum(ctx context.Context, to, caption string, urls []string) error {
	return t.postWithCaption(ctx, to, caption, url.Values{"MediaUrl": urls})
}

// postWithCaption sends form with the head of caption as its body and the
// overflow as follow-up texts.
func (t *Twilio) postWithCaption(ctx context.Context, to, caption string, form url.Values) error {
	parts := splitBody(caption, MaxBodyLen)
	if parts[0] != "" {
		form.Set("Body", parts[0])
	}
	if err := t.post(ctx, to, form); err != nil {
		return err
	}
	for _, part := range parts[1:] {
		if err := t.post(ctx, to, url.Values{"Body": {part}}); err != nil {
			return err
		}
	}
	return nil
}

// splitBody cuts text into chunks of at most maxLen runes, preferring a
// newline and then a space in the second half of each chunk.
func splitBody(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxLen {
		cutAt := maxLen
		if idx := lastRune(runes[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		} else if idx := lastRune(runes[:maxLen], ' '); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// apiError is the error body returned by the Twilio REST API.
type apiError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	MoreInfo   string `json:"more_info"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("twilio API error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (t *Twilio) post(ctx context.Context, to string, form url.Values) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	if !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:" + to
	}
	form.Set("From", t.cfg.From)
	form.Set("To", to)
	if t.cfg.StatusCallback != "" {
		form.Set("StatusCallback", t.cfg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		t.errorCount.Add(1)
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		t.errorCount.Add(1)
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, apiErr)
	}

	var out messageResponse
	_ = json.Unmarshal(body, &out)
	t.sent.Add(1)
	t.logger.Debug("twilio: message queued",
		"sid", out.SID,
		"status", out.Status,
		"media", len(form["MediaUrl"]),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
