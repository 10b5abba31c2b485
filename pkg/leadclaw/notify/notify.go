// Package notify hands qualified leads to the sales team. A lead is written
// to the local ledger and, when SMTP is configured, emailed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
)

// Notifier receives completed leads.
type Notifier interface {
	Notify(ctx context.Context, lead *dialogue.Lead) error
}

// Config configures the notification sinks.
type Config struct {
	// Ledger records every lead in the database (default: true).
	Ledger bool `yaml:"ledger"`

	// Email sends each lead to the sales inbox.
	Email SMTPConfig `yaml:"email"`
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() Config {
	return Config{
		Ledger: true,
		Email:  DefaultSMTPConfig(),
	}
}

// Multi fans a lead out to several notifiers. Every notifier is called even
// when an earlier one fails; the failures are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, lead *dialogue.Lead) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, lead); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards leads with a warning. It stands in when no sink is
// configured so a finished lead is at least visible in the logs.
type Noop struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n Noop) Notify(_ context.Context, lead *dialogue.Lead) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("notify: no notification sink configured, lead not delivered",
		"conversation", lead.ConversationID,
		"category", lead.Category)
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, lead *dialogue.Lead) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, lead *dialogue.Lead) error { return f(ctx, lead) }

// Build assembles the configured sinks. ledger may be nil when the database
// is disabled. With nothing configured the result is a Noop.
func Build(cfg Config, ledger *Ledger, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	var sinks Multi
	if cfg.Ledger && ledger != nil {
		sinks = append(sinks, ledger)
	}
	if cfg.Email.Enabled() {
		sinks = append(sinks, NewSMTP(cfg.Email, logger))
	} else if cfg.Email.Host != "" || len(cfg.Email.To) > 0 {
		logger.Warn("notify: email partially configured, skipping",
			"hint", "host, from and to are all required")
	}

	switch len(sinks) {
	case 0:
		logger.Warn("notify: no sinks configured, leads will only be logged")
		return Noop{Logger: logger}
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

// summary renders a lead as plain text.
func summary(lead *dialogue.Lead) string {
	category := lead.CategoryLabel
	if category == "" {
		category = lead.Category
	}
	return fmt.Sprintf(
		"Nombre: %s\nCorreo: %s\nTeléfono: %s\nInterés: %s\nHorario preferido: %s\nConversación: %s\nFecha: %s\n",
		lead.Name, lead.Email, lead.Phone, category, lead.ScheduleText,
		lead.ConversationID, lead.CreatedAt.Format("2006-01-02 15:04 MST"))
}
