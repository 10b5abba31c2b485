package dialogue

import (
	"strings"
	"testing"
)

// harness drives one session through the engine the way the router does.
type harness struct {
	t          *testing.T
	engine     *Engine
	classifier *Classifier
	session    *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog := DefaultCatalog()
	return &harness{
		t:          t,
		engine:     NewEngine(catalog, DefaultMessages()),
		classifier: NewClassifier(DefaultRules(), &catalog),
		session: &Session{
			ID:    "twilio:whatsapp:+5218112345678",
			Phone: "+5218112345678",
			Stage: StageIdle,
		},
	}
}

func (h *harness) send(msg string) Outcome {
	h.t.Helper()
	return h.engine.Step(h.session, h.classifier.Classify(msg), msg)
}

func (h *harness) expectStage(want Stage) {
	h.t.Helper()
	if h.session.Stage != want {
		h.t.Fatalf("expected stage %s, got %s", want, h.session.Stage)
	}
}

func TestScenarioGreeting(t *testing.T) {
	h := newHarness(t)
	out := h.send("Hola")

	if !out.Handled || len(out.Replies) != 1 {
		t.Fatalf("expected one reply, got %+v", out)
	}
	if out.Replies[0].Text != DefaultMessages().Welcome {
		t.Errorf("expected welcome text, got %q", out.Replies[0].Text)
	}
	h.expectStage(StageIdle)
	s := h.session
	if s.Category != "" || s.Name != "" || s.Email != "" || s.ScheduleText != "" || s.ReadyToNotify {
		t.Errorf("expected all fields empty, got %+v", s)
	}
}

func TestScenarioVisitWithoutCategory(t *testing.T) {
	h := newHarness(t)
	out := h.send("quiero agendar una visita")

	h.expectStage(StageSelectingCategory)
	if len(out.Replies) != 1 || !strings.Contains(out.Replies[0].Text, "Terreno Mina NL") {
		t.Errorf("expected category prompt listing categories, got %+v", out.Replies)
	}
}

func TestFullQualificationFlow(t *testing.T) {
	h := newHarness(t)

	h.send("quiero agendar una visita")
	h.expectStage(StageSelectingCategory)

	out := h.send("el terreno")
	h.expectStage(StageAwaitingName)
	if h.session.Category != "terreno" {
		t.Errorf("expected category terreno, got %q", h.session.Category)
	}
	if len(out.Replies) != 2 || out.Replies[1].Text != DefaultMessages().NamePrompt {
		t.Errorf("expected confirmation then name prompt, got %+v", out.Replies)
	}

	h.send("Ana López")
	h.expectStage(StageAwaitingEmail)
	if h.session.Name != "Ana López" {
		t.Errorf("expected name 'Ana López', got %q", h.session.Name)
	}

	out = h.send("mi correo es ana.lopez@example.com gracias")
	h.expectStage(StageAwaitingSchedule)
	if h.session.Email != "ana.lopez@example.com" {
		t.Errorf("expected email ana.lopez@example.com, got %q", h.session.Email)
	}
	confirm := out.Replies[0].Text
	for _, part := range []string{"Ana López", "+5218112345678", "ana.lopez@example.com"} {
		if !strings.Contains(confirm, part) {
			t.Errorf("confirmation %q missing %q", confirm, part)
		}
	}

	out = h.send("mañana a las 5pm")
	h.expectStage(StageClosed)
	if h.session.ScheduleText != "mañana a las 5pm" {
		t.Errorf("expected verbatim schedule, got %q", h.session.ScheduleText)
	}
	if !h.session.ReadyToNotify {
		t.Error("expected readyToNotify")
	}
	if out.Lead == nil {
		t.Fatal("expected lead on completion")
	}
	want := Lead{
		ConversationID: h.session.ID,
		Name:           "Ana López",
		Email:          "ana.lopez@example.com",
		Phone:          "+5218112345678",
		Category:       "terreno",
		CategoryLabel:  "Terreno Mina NL",
		ScheduleText:   "mañana a las 5pm",
	}
	got := *out.Lead
	got.CreatedAt = want.CreatedAt
	if got != want {
		t.Errorf("lead mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestClosedNeverRefires(t *testing.T) {
	h := newHarness(t)
	h.session.Stage = StageAwaitingSchedule
	h.session.Name = "Ana"
	h.session.Email = "ana@example.com"

	leads := 0
	for _, msg := range []string{"el lunes", "otra cosa", "quiero agendar una visita", "ana@otro.com"} {
		if out := h.send(msg); out.Lead != nil {
			leads++
		}
	}
	if leads != 1 {
		t.Errorf("expected exactly one lead, got %d", leads)
	}
	h.expectStage(StageClosed)
	if h.session.Email != "ana@example.com" {
		t.Errorf("closed session must keep its email, got %q", h.session.Email)
	}
	if h.session.ScheduleText != "el lunes" {
		t.Errorf("closed session must keep its schedule, got %q", h.session.ScheduleText)
	}
}

func TestGreetingResetsFromAnyStage(t *testing.T) {
	stages := []Stage{
		StageIdle, StageSelectingCategory, StageAwaitingName,
		StageAwaitingEmail, StageAwaitingSchedule, StageClosed,
	}
	for _, stage := range stages {
		t.Run(stage.String(), func(t *testing.T) {
			h := newHarness(t)
			*h.session = Session{
				ID: h.session.ID, Phone: h.session.Phone, Stage: stage,
				Category: "casa", Name: "Ana", Email: "a@b.co",
				ScheduleText: "lunes", ReadyToNotify: true,
			}
			out := h.send("buenas tardes")
			h.expectStage(StageIdle)
			s := h.session
			if s.Category != "" || s.Name != "" || s.Email != "" || s.ScheduleText != "" || s.ReadyToNotify {
				t.Errorf("expected reset, got %+v", s)
			}
			if out.Lead != nil {
				t.Error("greeting must not emit a lead")
			}
		})
	}
}

func TestNewCycleAfterGreeting(t *testing.T) {
	h := newHarness(t)
	for _, msg := range []string{"agendar visita", "casa", "Ana", "ana@example.com", "lunes"} {
		h.send(msg)
	}
	h.expectStage(StageClosed)

	h.send("hola")
	leads := 0
	for _, msg := range []string{"agendar visita", "terreno", "Luis", "luis@example.com", "martes"} {
		if out := h.send(msg); out.Lead != nil {
			leads++
			if out.Lead.Name != "Luis" || out.Lead.Category != "terreno" {
				t.Errorf("unexpected second lead %+v", out.Lead)
			}
		}
	}
	if leads != 1 {
		t.Errorf("expected one lead in the second cycle, got %d", leads)
	}
}

func TestNameLengthBounds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		advance bool
	}{
		{"empty", "", false},
		{"whitespace only", "    ", false},
		{"one rune", "A", false},
		{"two runes", "Al", true},
		{"trimmed to two", "  Al  ", true},
		{"multibyte two runes", "Ñó", true},
		{"eighty runes", strings.Repeat("a", 80), true},
		{"eighty one runes", strings.Repeat("a", 81), false},
		{"eighty accented runes", strings.Repeat("é", 80), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.session.Stage = StageAwaitingName
			out := h.engine.Step(h.session, Unclassified, tt.input)

			if !out.Handled {
				t.Fatal("awaiting name must always handle the message")
			}
			if tt.advance {
				h.expectStage(StageAwaitingEmail)
				if h.session.Name != strings.TrimSpace(tt.input) {
					t.Errorf("expected trimmed name, got %q", h.session.Name)
				}
			} else {
				h.expectStage(StageAwaitingName)
				if h.session.Name != "" {
					t.Errorf("name must stay unset, got %q", h.session.Name)
				}
				if out.Replies[0].Text != DefaultMessages().NameRetry {
					t.Errorf("expected retry prompt, got %q", out.Replies[0].Text)
				}
			}
		})
	}
}

func TestEmailExtraction(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ana@example.com", "ana@example.com"},
		{"mi correo es ana.lopez@example.com gracias", "ana.lopez@example.com"},
		{"primero x_y+z@mail.co.mx y luego otro@b.org", "x_y+z@mail.co.mx"},
		{"Correo: ANA@EXAMPLE.COM.", "ANA@EXAMPLE.COM"},
		{"sin correo", ""},
		{"ana@localhost", ""},
		{"ana@example.c", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			h := newHarness(t)
			h.session.Stage = StageAwaitingEmail
			h.session.Name = "Ana"
			out := h.engine.Step(h.session, Unclassified, tt.input)

			if h.session.Email != tt.want {
				t.Errorf("expected email %q, got %q", tt.want, h.session.Email)
			}
			if tt.want == "" {
				h.expectStage(StageAwaitingEmail)
				if out.Replies[0].Text != DefaultMessages().EmailRetry {
					t.Errorf("expected format hint, got %q", out.Replies[0].Text)
				}
			} else {
				h.expectStage(StageAwaitingSchedule)
			}
		})
	}
}

func TestAddressWinsOverKeywords(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hola@miempresa.com", "hola@miempresa.com"},
		{"info@coinsa.com.mx", "info@coinsa.com.mx"},
		{"mi correo es precios.ana@example.com", "precios.ana@example.com"},
		{"fotos@example.com", "fotos@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			h := newHarness(t)
			h.session.Stage = StageAwaitingEmail
			h.session.Name = "Ana López"
			h.session.Category = "terreno"

			if intent := h.classifier.Classify(tt.input); intent == Unclassified {
				t.Fatalf("expected %q to hit a keyword rule", tt.input)
			}
			h.send(tt.input)

			h.expectStage(StageAwaitingSchedule)
			if h.session.Email != tt.want {
				t.Errorf("expected email %q, got %q", tt.want, h.session.Email)
			}
			if h.session.Name != "Ana López" || h.session.Category != "terreno" {
				t.Errorf("collected fields lost: %+v", h.session)
			}
		})
	}
}

func TestFreeTextAnswersIgnoreKeywords(t *testing.T) {
	t.Run("schedule", func(t *testing.T) {
		h := newHarness(t)
		h.session.Stage = StageAwaitingSchedule
		h.session.Name = "Ana"
		h.session.Email = "ana@example.com"
		h.session.Category = "terreno"

		msg := "estoy disponible el martes a las 10"
		if h.classifier.Classify(msg) != ListingsRequest {
			t.Fatalf("expected %q to classify as listings", msg)
		}
		out := h.send(msg)
		h.expectStage(StageClosed)
		if h.session.ScheduleText != msg {
			t.Errorf("expected verbatim schedule, got %q", h.session.ScheduleText)
		}
		if out.Lead == nil {
			t.Fatal("expected lead on completion")
		}
	})

	t.Run("name", func(t *testing.T) {
		h := newHarness(t)
		h.session.Stage = StageAwaitingName
		h.session.Category = "casa"

		h.send("Hola Buenrostro")
		h.expectStage(StageAwaitingEmail)
		if h.session.Name != "Hola Buenrostro" {
			t.Errorf("expected name captured, got %q", h.session.Name)
		}
	})

	t.Run("bare greeting still resets", func(t *testing.T) {
		h := newHarness(t)
		h.session.Stage = StageAwaitingSchedule
		h.session.Name = "Ana"

		out := h.send("¡Hola!")
		h.expectStage(StageIdle)
		if out.Lead != nil || h.session.Name != "" {
			t.Errorf("expected reset without lead, got %+v", h.session)
		}
	})
}

func TestUnlimitedRetries(t *testing.T) {
	h := newHarness(t)
	h.session.Stage = StageAwaitingEmail
	for i := 0; i < 50; i++ {
		h.send("no tengo")
	}
	h.expectStage(StageAwaitingEmail)
}

func TestIdleDeclinesUnclassified(t *testing.T) {
	h := newHarness(t)
	out := h.send("¿cuál es la tasa de interés?")
	if out.Handled {
		t.Errorf("expected idle to decline unclassified text, got %+v", out)
	}
	h.expectStage(StageIdle)
}

func TestSelectingCategoryReprompts(t *testing.T) {
	h := newHarness(t)
	h.session.Stage = StageSelectingCategory
	out := h.send("no sé todavía")

	h.expectStage(StageSelectingCategory)
	if !out.Handled || !strings.Contains(out.Replies[0].Text, "Propiedad Mina NL") {
		t.Errorf("expected category re-prompt, got %+v", out)
	}
}

func TestIdleCategorySelectionStaysIdle(t *testing.T) {
	h := newHarness(t)
	out := h.send("me interesa la casa")

	h.expectStage(StageIdle)
	if h.session.Category != "propiedad" {
		t.Errorf("expected category propiedad, got %q", h.session.Category)
	}
	if len(out.Replies) != 2 || out.Replies[1].Text != DefaultMessages().ListingsPrompt {
		t.Errorf("expected description then photos/visit prompt, got %+v", out.Replies)
	}

	h.send("quiero agendar una visita")
	h.expectStage(StageAwaitingName)
}

func TestInformationalIntentsKeepStage(t *testing.T) {
	h := newHarness(t)
	h.session.Stage = StageAwaitingEmail
	h.session.Category = "terreno"
	h.session.Name = "Ana"

	out := h.send("mándame fotos")
	h.expectStage(StageAwaitingEmail)
	if len(out.Replies) != 2 || len(out.Replies[0].MediaURLs) != 2 {
		t.Fatalf("expected terreno album plus prompt, got %+v", out.Replies)
	}
	if out.Replies[0].Text != "Fotos de Terreno Mina NL" {
		t.Errorf("unexpected caption %q", out.Replies[0].Text)
	}

	out = h.send("más información")
	h.expectStage(StageAwaitingEmail)
	if !strings.HasPrefix(out.Replies[0].Text, "Terreno Mina NL") {
		t.Errorf("expected terreno description, got %q", out.Replies[0].Text)
	}
}

func TestPhotosWithoutCategory(t *testing.T) {
	h := newHarness(t)
	out := h.send("fotos")

	// One album per category plus the closing prompt.
	if len(out.Replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(out.Replies))
	}
	if len(out.Replies[0].MediaURLs) != 3 || len(out.Replies[1].MediaURLs) != 2 {
		t.Errorf("unexpected media counts: %+v", out.Replies)
	}
}

func TestPhotosNoneConfigured(t *testing.T) {
	catalog := Catalog{Categories: []Category{{ID: "x", Label: "Lote X", Keywords: []string{"x"}}}}
	e := NewEngine(catalog, DefaultMessages())
	s := &Session{Stage: StageIdle}

	out := e.Step(s, PhotoRequest, "fotos")
	if out.Replies[0].Text != "Por ahora no tengo fotos disponibles de Lote X." {
		t.Errorf("unexpected reply %q", out.Replies[0].Text)
	}
}
