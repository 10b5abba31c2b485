package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the registered channels, fans their inbound messages into one
// stream and routes outbound sends by channel name.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Names must be unique.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[ch.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return ch, nil
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start connects every channel and begins forwarding their messages.
// A channel that fails to connect is logged and skipped; Start only fails
// when no channel could be connected.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	connected := 0
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}
		connected++
		m.wg.Add(1)
		go m.forward(ctx, ch)
	}

	if connected == 0 && len(m.channels) > 0 {
		return fmt.Errorf("no channel could be connected")
	}
	m.logger.Info("channels started", "connected", connected, "registered", len(m.channels))
	return nil
}

// forward copies one channel's inbound stream into the shared stream.
func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	in := ch.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.Channel == "" {
				msg.Channel = ch.Name()
			}
			select {
			case m.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Messages returns the merged inbound stream of all channels.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Stop disconnects every channel.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("error disconnecting channel", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	m.wg.Wait()
	m.logger.Info("channels stopped")
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}
