// Package dispatch delivers replies to conversations through the registered
// channels. Sends are fire-and-forget from the caller's point of view:
// every failure is logged here and returned only for inspection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"
)

// Config configures delivery pacing.
type Config struct {
	// Pacing is the delay between sequential sends when an album has to be
	// delivered one item at a time.
	Pacing time.Duration `yaml:"pacing"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{Pacing: time.Second}
}

// ChannelResolver looks up a channel by name. *channels.Manager satisfies it.
type ChannelResolver interface {
	Get(name string) (channels.Channel, error)
}

// URLOptimizer rewrites media URLs before delivery.
type URLOptimizer interface {
	OptimizeAll(urls []string) []string
}

// Dispatcher sends text and media replies.
type Dispatcher struct {
	channels  ChannelResolver
	optimizer URLOptimizer
	cfg       Config
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// New creates a dispatcher. optimizer may be nil.
func New(resolver ChannelResolver, optimizer URLOptimizer, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if optimizer == nil {
		optimizer = media.NewOptimizer(media.OptimizeConfig{})
	}
	return &Dispatcher{
		channels:  resolver,
		optimizer: optimizer,
		cfg:       cfg,
		logger:    logger.With("component", "dispatch"),
		sleep:     sleepCtx,
	}
}

// SendText sends body to the conversation. It is not deduplicated: two
// identical calls are two independent attempts.
func (d *Dispatcher) SendText(ctx context.Context, to dialogue.SessionKey, body string) error {
	ch, err := d.channels.Get(to.Channel)
	if err != nil {
		d.logger.Error("resolve channel failed", "to", to.Hash(), "error", err)
		return err
	}

	if err := ch.Send(ctx, to.ChatID, &channels.OutgoingMessage{Content: body}); err != nil {
		d.logger.Error("send text failed", "channel", to.Channel, "to", to.Hash(), "error", err)
		return fmt.Errorf("send text: %w", err)
	}
	d.logger.Debug("text sent", "channel", to.Channel, "to", to.Hash(), "len", len(body))
	return nil
}

// SendTextWithMedia delivers urls attached to one message captioned with
// body. When the combined send fails or the channel has no album support,
// the first item goes out with the caption and the rest follow one by one
// without it, paced to keep their order on the handset. A failed step is
// logged and the remaining steps still run.
func (d *Dispatcher) SendTextWithMedia(ctx context.Context, to dialogue.SessionKey, body string, urls []string) error {
	if len(urls) == 0 {
		return d.SendText(ctx, to, body)
	}

	ch, err := d.channels.Get(to.Channel)
	if err != nil {
		d.logger.Error("resolve channel failed", "to", to.Hash(), "error", err)
		return err
	}

	urls = d.optimizer.OptimizeAll(urls)
	log := d.logger.With("channel", to.Channel, "to", to.Hash(), "items", len(urls))

	mc, ok := ch.(channels.MediaChannel)
	if !ok {
		log.Debug("channel has no media support, sending links as text")
		return d.SendText(ctx, to, body+"\n"+strings.Join(urls, "\n"))
	}

	if ac, ok := mc.(channels.AlbumChannel); ok {
		err := ac.SendAlbum(ctx, to.ChatID, body, urls)
		if err == nil {
			log.Debug("album sent")
			return nil
		}
		log.Warn("album send failed, falling back to sequential sends", "error", err)
	}

	var errs []error
	for i, u := range urls {
		if i > 0 {
			d.sleep(ctx, d.cfg.Pacing)
		}
		msg := &channels.MediaMessage{Type: channels.MessageImage, URL: u}
		if i == 0 {
			msg.Caption = body
		}
		if err := mc.SendMedia(ctx, to.ChatID, msg); err != nil {
			log.Error("send media failed", "index", i, "error", err)
			errs = append(errs, fmt.Errorf("media %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// AcceptsVoice reports whether the named channel can deliver voice notes.
func (d *Dispatcher) AcceptsVoice(channel string) bool {
	ch, err := d.channels.Get(channel)
	if err != nil {
		return false
	}
	_, ok := ch.(channels.VoiceChannel)
	return ok
}

// SendVoice delivers v as a voice note.
func (d *Dispatcher) SendVoice(ctx context.Context, to dialogue.SessionKey, v *dialogue.Voice) error {
	ch, err := d.channels.Get(to.Channel)
	if err != nil {
		return err
	}
	vc, ok := ch.(channels.VoiceChannel)
	if !ok {
		return fmt.Errorf("%w: %s cannot send voice notes", channels.ErrMediaNotSupported, to.Channel)
	}
	if err := vc.SendVoice(ctx, to.ChatID, v.Audio, v.MimeType); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	d.logger.Debug("voice note sent", "channel", to.Channel, "to", to.Hash(), "bytes", len(v.Audio))
	return nil
}

// Send delivers one dialogue reply, choosing voice, text or media delivery.
// A voice reply that cannot be delivered goes out as its text.
func (d *Dispatcher) Send(ctx context.Context, to dialogue.SessionKey, r dialogue.Reply) error {
	if r.Voice != nil && len(r.MediaURLs) == 0 {
		err := d.SendVoice(ctx, to, r.Voice)
		if err == nil {
			return nil
		}
		d.logger.Warn("voice note failed, sending text", "channel", to.Channel, "to", to.Hash(), "error", err)
	}
	if len(r.MediaURLs) > 0 {
		return d.SendTextWithMedia(ctx, to, r.Text, r.MediaURLs)
	}
	return d.SendText(ctx, to, r.Text)
}

// SendAll delivers replies in order, pacing between them so they arrive in
// sequence. Failures do not stop later replies.
func (d *Dispatcher) SendAll(ctx context.Context, to dialogue.SessionKey, replies []dialogue.Reply) error {
	var errs []error
	for i, r := range replies {
		if i > 0 && len(replies[i-1].MediaURLs) > 0 {
			d.sleep(ctx, d.cfg.Pacing)
		}
		if err := d.Send(ctx, to, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
