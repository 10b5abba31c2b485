package notify

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
)

// SMTPConfig configures lead emails.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`

	// Password usually comes from ${LEADCLAW_SMTP_PASSWORD}, the vault or
	// the keyring.
	Password string `yaml:"password"`

	From string   `yaml:"from"`
	To   []string `yaml:"to"`

	// Subject may reference {name} and {category}.
	Subject string `yaml:"subject"`
}

// DefaultSMTPConfig returns the default email configuration (disabled).
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Port:    587,
		Subject: "Nuevo prospecto: {name} ({category})",
	}
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP emails each lead.
type SMTP struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewSMTP creates an email notifier.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) *SMTP {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSMTPConfig().Subject
	}
	return &SMTP{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		now:      time.Now,
		logger:   logger,
	}
}

// Notify implements Notifier. net/smtp has no context support, so ctx is
// only checked before dialing.
func (s *SMTP) Notify(ctx context.Context, lead *dialogue.Lead) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	msg := s.compose(lead)
	if err := s.sendMail(addr, auth, s.cfg.From, s.cfg.To, msg); err != nil {
		return fmt.Errorf("notify: sending lead email via %s: %w", addr, err)
	}

	s.logger.Info("notify: lead emailed", "to", len(s.cfg.To), "conversation", lead.ConversationID)
	return nil
}

func (s *SMTP) compose(lead *dialogue.Lead) []byte {
	category := lead.CategoryLabel
	if category == "" {
		category = lead.Category
	}
	subject := strings.NewReplacer("{name}", lead.Name, "{category}", category).Replace(s.cfg.Subject)

	var b strings.Builder
	b.WriteString("From: " + s.cfg.From + "\r\n")
	b.WriteString("To: " + strings.Join(s.cfg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + s.now().Format(time.RFC1123Z) + "\r\n")
	if lead.Email != "" {
		b.WriteString("Reply-To: " + lead.Email + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(summary(lead), "\n", "\r\n"))
	return []byte(b.String())
}
