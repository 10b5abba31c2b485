// Package console implements a local terminal channel for trying the
// qualification flow without a WhatsApp number.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

// ChatID is the conversation address of the local user.
const ChatID = "local"

// Config configures the console channel.
type Config struct {
	Prompt      string `yaml:"prompt"`
	BotPrefix   string `yaml:"bot_prefix"`
	HistoryFile string `yaml:"history_file"`
}

// DefaultConfig returns the default console configuration.
func DefaultConfig() Config {
	return Config{
		Prompt:    "tú> ",
		BotPrefix: "bot> ",
	}
}

// lineReader is the subset of *readline.Instance the channel uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.MediaChannel over stdin/stdout.
type Console struct {
	cfg Config
	out io.Writer

	newReader func() (lineReader, io.Writer, error)
	reader    lineReader

	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	seq       atomic.Int64
	lastMsg   atomic.Value // time.Time

	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// New creates a console channel reading from the terminal.
func New(cfg Config) *Console {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultConfig().Prompt
	}
	if cfg.BotPrefix == "" {
		cfg.BotPrefix = DefaultConfig().BotPrefix
	}

	c := &Console{
		cfg:      cfg,
		out:      os.Stdout,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
	c.newReader = func() (lineReader, io.Writer, error) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          cfg.Prompt,
			HistoryFile:     cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return nil, nil, err
		}
		return rl, rl.Stdout(), nil
	}
	return c
}

// Done is closed when the user ends the session (Ctrl+D, Ctrl+C or "exit").
func (c *Console) Done() <-chan struct{} { return c.done }

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the terminal and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	r, out, err := c.newReader()
	if err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}
	c.reader = r
	if out != nil {
		c.out = out
	}
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.stop()

	for {
		line, err := c.reader.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.printf("error: %v\n", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return
		}

		msg := &channels.IncomingMessage{
			ID:        fmt.Sprintf("console-%d", c.seq.Add(1)),
			Channel:   c.Name(),
			From:      ChatID,
			ChatID:    ChatID,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}

		select {
		case c.messages <- msg:
			c.lastMsg.Store(msg.Timestamp)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) stop() {
	c.stopOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
	})
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	c.stop()
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

// Send prints a bot message.
func (c *Console) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	c.printf("%s%s\n", c.cfg.BotPrefix, msg.Content)
	return nil
}

// SendMedia prints a media placeholder with its link.
func (c *Console) SendMedia(_ context.Context, _ string, m *channels.MediaMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	kind := m.Type
	if kind == "" {
		kind = channels.MessageImage
	}
	if m.Caption != "" {
		c.printf("%s%s\n", c.cfg.BotPrefix, m.Caption)
	}
	c.printf("%s[%s] %s\n", c.cfg.BotPrefix, kind, m.URL)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Receive returns lines typed by the user.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the terminal is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: c.connected.Load()}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}
