package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// HealthMonitorConfig configures detection of silent disconnects.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often to perform health checks.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long without activity before the client's
	// own connection flag is double-checked.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the socket claims to be up (0 = disabled).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`

	// PingInterval is how often presence is sent to keep the link warm.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
		PingInterval:        2 * time.Minute,
	}
}

// StartHealthMonitor runs the health check and presence pinger until ctx is
// cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Minute
	}

	go func() {
		check := time.NewTicker(cfg.CheckInterval)
		ping := time.NewTicker(cfg.PingInterval)
		defer check.Stop()
		defer ping.Stop()

		w.logger.Info("whatsapp: health monitor started", "check_interval", cfg.CheckInterval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-check.C:
				w.performHealthCheck(cfg)
			case <-ping.C:
				if w.getState() != StateConnected || w.client == nil {
					continue
				}
				if err := w.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
					w.logger.Warn("whatsapp: presence ping failed", "error", err)
					continue
				}
				w.UpdateLastMsgTime()
			}
		}
	}()
}

// performHealthCheck reconnects when the link has been silent too long and
// the socket is dead or suspected half-open.
func (w *WhatsApp) performHealthCheck(cfg HealthMonitorConfig) {
	if w.getState() != StateConnected {
		return
	}

	silent := time.Since(w.getLastMsgTime())
	if silent <= cfg.MaxSilentDuration {
		return
	}

	if w.client != nil && !w.client.IsConnected() {
		w.logger.Error("whatsapp: client reports disconnected while state is connected")
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
		return
	}

	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		w.logger.Warn("whatsapp: forcing reconnect after prolonged silence", "silent", silent)
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// UpdateLastMsgTime records activity on the connection.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
