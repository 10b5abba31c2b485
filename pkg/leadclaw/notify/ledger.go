package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
)

// Record is a stored lead.
type Record struct {
	ID string `json:"id"`
	dialogue.Lead
}

// Ledger stores leads in the database so none is lost when email is not
// configured or fails.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger over a migrated database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Notify implements Notifier.
func (l *Ledger) Notify(ctx context.Context, lead *dialogue.Lead) error {
	_, err := l.Insert(ctx, lead)
	return err
}

// Insert stores lead and returns its id.
func (l *Ledger) Insert(ctx context.Context, lead *dialogue.Lead) (string, error) {
	id := uuid.NewString()
	created := lead.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO leads (id, conversation_id, name, email, phone, category, category_label, schedule_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, lead.ConversationID, lead.Name, lead.Email, lead.Phone,
		lead.Category, lead.CategoryLabel, lead.ScheduleText, created.UTC())
	if err != nil {
		return "", fmt.Errorf("notify: storing lead: %w", err)
	}
	return id, nil
}

// Recent returns up to limit leads, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, name, email, phone, category, category_label, schedule_text, created_at
		FROM leads ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: listing leads: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Name, &r.Email, &r.Phone,
			&r.Category, &r.CategoryLabel, &r.ScheduleText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scanning lead: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeliveryFailure is an outbound message the provider reported as failed.
type DeliveryFailure struct {
	MessageSID   string    `json:"message_sid"`
	Recipient    string    `json:"recipient"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReportedAt   time.Time `json:"reported_at"`
}

// RecordFailure stores a failed delivery. Repeated reports for the same
// message overwrite the previous one.
func (l *Ledger) RecordFailure(ctx context.Context, f DeliveryFailure) error {
	if f.ReportedAt.IsZero() {
		f.ReportedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO delivery_failures (message_sid, recipient, status, error_code, error_message, reported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_sid) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			reported_at = excluded.reported_at`,
		f.MessageSID, f.Recipient, f.Status, f.ErrorCode, f.ErrorMessage, f.ReportedAt.UTC())
	if err != nil {
		return fmt.Errorf("notify: storing delivery failure: %w", err)
	}
	return nil
}

// CountFailures returns how many failed deliveries are recorded.
func (l *Ledger) CountFailures(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM delivery_failures").Scan(&n)
	return n, err
}
