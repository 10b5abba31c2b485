package dialogue

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minNameLen = 2
	maxNameLen = 80
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Reply is one outbound message. MediaURLs, when present, are delivered
// with Text as the caption.
type Reply struct {
	Text      string
	MediaURLs []string

	// Voice, when set, is Text spoken. Channels that can carry it deliver
	// the audio in place of Text.
	Voice *Voice
}

// Voice is synthesized audio for a reply.
type Voice struct {
	Audio    []byte
	MimeType string
}

// Outcome is the result of one Step.
type Outcome struct {
	// Handled is false when no branch claims the message and the caller
	// should fall back to the generative responder.
	Handled bool

	Replies []Reply

	// Lead is set exactly on the AwaitingSchedule -> Closed transition.
	Lead *Lead
}

func handled(replies ...Reply) Outcome {
	return Outcome{Handled: true, Replies: replies}
}

func text(s string) Reply { return Reply{Text: s} }

// Engine advances sessions through the qualification flow. It performs no
// I/O; the caller delivers the replies and the lead.
type Engine struct {
	catalog   Catalog
	messages  Messages
	greetings map[string]bool
	now       func() time.Time
}

// NewEngine creates an engine over the given catalog and copy.
func NewEngine(catalog Catalog, messages Messages) *Engine {
	e := &Engine{catalog: catalog, messages: messages, greetings: make(map[string]bool), now: time.Now}
	for _, r := range DefaultRules() {
		if r.Intent != Greeting {
			continue
		}
		for _, kw := range r.Keywords {
			e.greetings[normalize(kw)] = true
		}
	}
	return e
}

// Step applies one classified message to s and returns what to send.
// Greeting, ListingsRequest and PhotoRequest are answered at any stage;
// only Greeting changes the stage. A message that answers the pending
// capture question is captured instead, whatever its keywords.
func (e *Engine) Step(s *Session, intent Intent, msg string) Outcome {
	if intent != Unclassified && e.capturing(s, msg) {
		intent = Unclassified
	}

	switch intent {
	case Greeting:
		s.reset()
		return handled(text(e.messages.Welcome))
	case ListingsRequest:
		return e.listings(s)
	case PhotoRequest:
		return e.photos(s)
	}

	switch s.Stage {
	case StageIdle:
		switch intent {
		case VisitRequest:
			return e.startVisit(s)
		case CategorySelection:
			cat, ok := e.catalog.Match(msg)
			if !ok {
				return Outcome{}
			}
			s.Category = cat.ID
			return handled(
				text(render(e.messages.CategoryChosen, e.vars(s))+"\n"+cat.Description),
				text(e.messages.ListingsPrompt),
			)
		}
		return Outcome{}

	case StageSelectingCategory:
		switch intent {
		case VisitRequest:
			return e.startVisit(s)
		case CategorySelection:
			if cat, ok := e.catalog.Match(msg); ok {
				s.Category = cat.ID
				s.Stage = StageAwaitingName
				return handled(
					text(render(e.messages.CategoryConfirm, e.vars(s))),
					text(e.messages.NamePrompt),
				)
			}
		}
		return handled(text(render(e.messages.CategoryPrompt, e.vars(s))))

	case StageAwaitingName:
		name := strings.TrimSpace(msg)
		if n := utf8.RuneCountInString(name); n < minNameLen || n > maxNameLen {
			return handled(text(e.messages.NameRetry))
		}
		s.Name = name
		s.Stage = StageAwaitingEmail
		return handled(text(render(e.messages.EmailPrompt, e.vars(s))))

	case StageAwaitingEmail:
		email := emailPattern.FindString(msg)
		if email == "" {
			return handled(text(e.messages.EmailRetry))
		}
		s.Email = email
		s.Stage = StageAwaitingSchedule
		return handled(text(render(e.messages.SchedulePrompt, e.vars(s))))

	case StageAwaitingSchedule:
		s.ScheduleText = msg
		s.ReadyToNotify = true
		s.Stage = StageClosed
		out := handled(text(render(e.messages.Closing, e.vars(s))))
		out.Lead = e.lead(s)
		return out

	case StageClosed:
		return handled(text(e.messages.AlreadyClosed))
	}

	return Outcome{}
}

// capturing reports whether msg answers the question s is waiting on.
// An address always answers AwaitingEmail. Name and schedule answers are
// free text, so only a bare greeting escapes them.
func (e *Engine) capturing(s *Session, msg string) bool {
	switch s.Stage {
	case StageAwaitingEmail:
		return emailPattern.MatchString(msg)
	case StageAwaitingName, StageAwaitingSchedule:
		return !e.greetings[normalize(msg)]
	}
	return false
}

// startVisit asks for the category, or for the name when one is known.
func (e *Engine) startVisit(s *Session) Outcome {
	if s.Category == "" {
		s.Stage = StageSelectingCategory
		return handled(text(render(e.messages.CategoryPrompt, e.vars(s))))
	}
	s.Stage = StageAwaitingName
	return handled(text(e.messages.NamePrompt))
}

func (e *Engine) listings(s *Session) Outcome {
	desc := e.catalog.Overview()
	if cat, ok := e.catalog.Find(s.Category); ok {
		desc = cat.Description
	}
	return handled(text(desc), text(e.messages.ListingsPrompt))
}

// photos sends the chosen category's photos, or every category's when none
// is chosen yet.
func (e *Engine) photos(s *Session) Outcome {
	cats := e.catalog.Categories
	if cat, ok := e.catalog.Find(s.Category); ok {
		cats = []Category{cat}
	}

	var out Outcome
	out.Handled = true
	for _, cat := range cats {
		vars := map[string]string{"category": cat.Label}
		if len(cat.Photos) == 0 {
			out.Replies = append(out.Replies, text(render(e.messages.NoPhotos, vars)))
			continue
		}
		out.Replies = append(out.Replies, Reply{
			Text:      render(e.messages.PhotosCaption, vars),
			MediaURLs: append([]string(nil), cat.Photos...),
		})
	}
	out.Replies = append(out.Replies, text(e.messages.ListingsPrompt))
	return out
}

func (e *Engine) lead(s *Session) *Lead {
	l := &Lead{
		ConversationID: s.ID,
		Name:           s.Name,
		Email:          s.Email,
		Phone:          s.Phone,
		Category:       s.Category,
		ScheduleText:   s.ScheduleText,
		CreatedAt:      e.now(),
	}
	if cat, ok := e.catalog.Find(s.Category); ok {
		l.CategoryLabel = cat.Label
	}
	return l
}

func (e *Engine) vars(s *Session) map[string]string {
	label := s.Category
	if cat, ok := e.catalog.Find(s.Category); ok {
		label = cat.Label
	}
	return map[string]string{
		"name":       s.Name,
		"email":      s.Email,
		"phone":      s.Phone,
		"category":   label,
		"categories": e.catalog.Labels(),
	}
}
