// Package dialogue implements the lead-qualification conversation: the
// per-conversation session model, the keyword intent classifier and the
// finite-state flow that collects name, email and a preferred visit time.
package dialogue

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the position of a conversation in the qualification flow.
type Stage int

const (
	StageIdle Stage = iota
	StageSelectingCategory
	StageAwaitingName
	StageAwaitingEmail
	StageAwaitingSchedule
	StageClosed
)

var stageNames = map[Stage]string{
	StageIdle:              "idle",
	StageSelectingCategory: "selecting_category",
	StageAwaitingName:      "awaiting_name",
	StageAwaitingEmail:     "awaiting_email",
	StageAwaitingSchedule:  "awaiting_schedule",
	StageClosed:            "closed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText renders the stage by name in JSON and YAML output.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the mutable state of one conversation. Empty strings mean the
// field has not been collected yet.
type Session struct {
	// ID is the conversation identifier ("<channel>:<chat>").
	ID string

	// Phone is the phone-like address extracted from the conversation id.
	Phone string

	Stage        Stage
	Category     string
	Name         string
	Email        string
	ScheduleText string

	// ReadyToNotify flips to true on the AwaitingSchedule -> Closed
	// transition and stays true until the next greeting reset.
	ReadyToNotify bool

	CreatedAt  time.Time
	LastActive time.Time
}

// reset clears every collected field and returns the session to Idle.
func (s *Session) reset() {
	s.Stage = StageIdle
	s.Category = ""
	s.Name = ""
	s.Email = ""
	s.ScheduleText = ""
	s.ReadyToNotify = false
}

// Lead is a qualified prospect handed to the notification sinks.
type Lead struct {
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Category       string    `json:"category"`
	CategoryLabel  string    `json:"category_label"`
	ScheduleText   string    `json:"schedule_text"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExtractPhone derives a phone-like identifier from a conversation address.
// It accepts "whatsapp:+5218112345678", "5218112345678@s.whatsapp.net",
// "twilio:whatsapp:+52..." and similar, keeping a leading '+' and digits.
func ExtractPhone(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[i+1:]
	}
	if i := strings.Index(addr, "@"); i >= 0 {
		addr = addr[:i]
	}

	var b strings.Builder
	for i, r := range addr {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
