package copilot

import (
	"context"
	"log/slog"
	"strings"
)

// Completer produces a reply for one system prompt and one user turn.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Responder answers messages the qualification flow does not handle. Each
// call is independent: no history is sent, only the fixed prompt and the
// raw message.
type Responder struct {
	llm     Completer
	prompt  string
	apology string
	logger  *slog.Logger
}

// NewResponder creates a responder. An empty apology uses DefaultApology.
func NewResponder(llm Completer, prompt, apology string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if apology == "" {
		apology = DefaultApology
	}
	return &Responder{
		llm:     llm,
		prompt:  prompt,
		apology: apology,
		logger:  logger.With("component", "responder"),
	}
}

// GetReply returns the generated answer, or the apology when the model
// call fails or returns nothing. It never returns an empty string.
func (r *Responder) GetReply(ctx context.Context, text string) string {
	if r.llm == nil {
		r.logger.Warn("no LLM configured, sending apology")
		return r.apology
	}

	reply, err := r.llm.Complete(ctx, r.prompt, text)
	if err != nil {
		r.logger.Error("fallback completion failed",
			"kind", ErrorKind(err).String(),
			"error", err)
		return r.apology
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		r.logger.Warn("model returned an empty reply, sending apology")
		return r.apology
	}
	return reply
}
