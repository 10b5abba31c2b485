package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
)

// recordingSender keeps every reply per conversation.
type recordingSender struct {
	mu      sync.Mutex
	replies map[string][]dialogue.Reply
	err     error
}

func (s *recordingSender) SendAll(_ context.Context, to dialogue.SessionKey, replies []dialogue.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replies == nil {
		s.replies = make(map[string][]dialogue.Reply)
	}
	s.replies[to.String()] = append(s.replies[to.String()], replies...)
	return s.err
}

func (s *recordingSender) last(key string) dialogue.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.replies[key]
	if len(r) == 0 {
		return dialogue.Reply{}
	}
	return r[len(r)-1]
}

func (s *recordingSender) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies[key])
}

type recordingNotifier struct {
	mu    sync.Mutex
	leads []*dialogue.Lead
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, lead *dialogue.Lead) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leads = append(n.leads, lead)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.leads)
}

type fixedReplier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fixedReplier) GetReply(_ context.Context, text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return "respuesta libre"
}

type routerFixture struct {
	router   *Router
	store    *dialogue.MemoryStore
	sender   *recordingSender
	notifier *recordingNotifier
	replier  *fixedReplier
	messages dialogue.Messages
}

func newRouterFixture() *routerFixture {
	catalog := dialogue.DefaultCatalog()
	messages := dialogue.DefaultMessages()
	f := &routerFixture{
		store:    dialogue.NewMemoryStore(time.Hour),
		sender:   &recordingSender{},
		notifier: &recordingNotifier{},
		replier:  &fixedReplier{},
		messages: messages,
	}
	f.router = NewRouter(RouterDeps{
		Store:      f.store,
		Classifier: dialogue.NewClassifier(dialogue.DefaultRules(), &catalog),
		Engine:     dialogue.NewEngine(catalog, messages),
		Replier:    f.replier,
		Sender:     f.sender,
		Notifier:   f.notifier,
		TextOnly:   messages.TextOnly,
	}, nil)
	return f
}

const testChat = "whatsapp:+5218112345678"

func inbound(text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      fmt.Sprintf("SM%d", time.Now().UnixNano()),
		Channel: "twilio",
		From:    testChat,
		ChatID:  testChat,
		Type:    channels.MessageText,
		Content: text,
	}
}

func (f *routerFixture) send(t *testing.T, text string) dialogue.Reply {
	t.Helper()
	require.NoError(t, f.router.Handle(context.Background(), inbound(text)))
	return f.sender.last("twilio:" + testChat)
}

func (f *routerFixture) session() *dialogue.Session {
	return f.store.GetOrCreate("twilio:" + testChat)
}

func TestRouterFullQualificationFlow(t *testing.T) {
	f := newRouterFixture()

	assert.Equal(t, f.messages.Welcome, f.send(t, "Hola").Text)
	assert.Equal(t, dialogue.StageIdle, f.session().Stage)

	assert.Contains(t, f.send(t, "quiero agendar una visita").Text, "Propiedad Mina NL")
	assert.Equal(t, dialogue.StageSelectingCategory, f.session().Stage)

	assert.Equal(t, f.messages.NamePrompt, f.send(t, "el terreno").Text)
	assert.Equal(t, dialogue.StageAwaitingName, f.session().Stage)

	assert.Contains(t, f.send(t, "Ana López").Text, "Ana López")
	assert.Equal(t, dialogue.StageAwaitingEmail, f.session().Stage)

	assert.Equal(t, f.messages.EmailRetry, f.send(t, "no tengo").Text)
	assert.Equal(t, dialogue.StageAwaitingEmail, f.session().Stage)

	assert.Contains(t, f.send(t, "es ana@example.com").Text, "ana@example.com")
	assert.Equal(t, dialogue.StageAwaitingSchedule, f.session().Stage)

	assert.Contains(t, f.send(t, "el sábado a las 10").Text, "Ana López")
	assert.Equal(t, dialogue.StageClosed, f.session().Stage)

	require.Equal(t, 1, f.notifier.count())
	lead := f.notifier.leads[0]
	assert.Equal(t, "Ana López", lead.Name)
	assert.Equal(t, "ana@example.com", lead.Email)
	assert.Equal(t, "+5218112345678", lead.Phone)
	assert.Equal(t, "terreno", lead.Category)
	assert.Equal(t, "Terreno Mina NL", lead.CategoryLabel)
	assert.Equal(t, "el sábado a las 10", lead.ScheduleText)

	// Closed conversations never notify twice.
	assert.Equal(t, f.messages.AlreadyClosed, f.send(t, "gracias").Text)
	assert.Equal(t, f.messages.AlreadyClosed, f.send(t, "mañana mejor").Text)
	assert.Equal(t, 1, f.notifier.count())
	assert.Empty(t, f.replier.calls)
}

func TestRouterGreetingResetsSession(t *testing.T) {
	f := newRouterFixture()
	f.send(t, "quiero agendar una visita")
	f.send(t, "terreno")
	require.Equal(t, dialogue.StageAwaitingName, f.session().Stage)

	assert.Equal(t, f.messages.Welcome, f.send(t, "hola").Text)
	s := f.session()
	assert.Equal(t, dialogue.StageIdle, s.Stage)
	assert.Empty(t, s.Category)
	assert.Empty(t, s.Name)
}

func TestRouterFallbackForUnclassified(t *testing.T) {
	f := newRouterFixture()

	reply := f.send(t, "¿qué tasas manejan?")
	assert.Equal(t, "respuesta libre", reply.Text)
	assert.Equal(t, []string{"¿qué tasas manejan?"}, f.replier.calls)
	assert.Equal(t, dialogue.StageIdle, f.session().Stage)
}

type stubVoice struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (v *stubVoice) Synthesize(_ context.Context, text, voice string) ([]byte, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.texts = append(v.texts, text+"|"+voice)
	if v.err != nil {
		return nil, "", v.err
	}
	return []byte("ogg:" + text), "audio/ogg", nil
}

// textOnlySender is a sender whose channels cannot carry voice notes.
type textOnlySender struct{ *recordingSender }

func (textOnlySender) AcceptsVoice(string) bool { return false }

func withVoice(f *routerFixture, voice *stubVoice, sender Sender) {
	catalog := dialogue.DefaultCatalog()
	f.router = NewRouter(RouterDeps{
		Store:      f.store,
		Classifier: dialogue.NewClassifier(dialogue.DefaultRules(), &catalog),
		Engine:     dialogue.NewEngine(catalog, f.messages),
		Replier:    f.replier,
		Sender:     sender,
		Notifier:   f.notifier,
		Voice:      voice,
		VoiceName:  "nova",
		TextOnly:   f.messages.TextOnly,
	}, nil)
}

func TestRouterSpeaksFallbackAnswers(t *testing.T) {
	f := newRouterFixture()
	voice := &stubVoice{}
	withVoice(f, voice, f.sender)

	reply := f.send(t, "¿qué tasas manejan?")
	assert.Equal(t, "respuesta libre", reply.Text)
	require.NotNil(t, reply.Voice)
	assert.Equal(t, []byte("ogg:respuesta libre"), reply.Voice.Audio)
	assert.Equal(t, "audio/ogg", reply.Voice.MimeType)
	assert.Equal(t, []string{"respuesta libre|nova"}, voice.texts)

	// Scripted replies stay text.
	reply = f.send(t, "hola")
	assert.Nil(t, reply.Voice)
	assert.Len(t, voice.texts, 1)
}

func TestRouterVoiceFailureFallsBackToText(t *testing.T) {
	f := newRouterFixture()
	withVoice(f, &stubVoice{err: errors.New("tts: openai: API returned 429")}, f.sender)

	reply := f.send(t, "¿qué tasas manejan?")
	assert.Equal(t, "respuesta libre", reply.Text)
	assert.Nil(t, reply.Voice)
}

func TestRouterSkipsVoiceForTextOnlyChannels(t *testing.T) {
	f := newRouterFixture()
	voice := &stubVoice{}
	withVoice(f, voice, textOnlySender{f.sender})

	reply := f.send(t, "¿qué tasas manejan?")
	assert.Equal(t, "respuesta libre", reply.Text)
	assert.Nil(t, reply.Voice)
	assert.Empty(t, voice.texts, "no synthesis when the channel cannot play it")
}

func TestRouterPhotoRequestSendsMedia(t *testing.T) {
	f := newRouterFixture()
	f.send(t, "me interesa el terreno")
	f.send(t, "mándame fotos")

	replies := f.sender.replies["twilio:"+testChat]
	var media []string
	for _, r := range replies {
		media = append(media, r.MediaURLs...)
	}
	assert.Len(t, media, 2, "only the chosen category's photos are sent")
	assert.Equal(t, 4, f.sender.count("twilio:"+testChat))
	assert.Equal(t, f.messages.ListingsPrompt, f.sender.last("twilio:"+testChat).Text)
}

func TestRouterEmptyTextGetsTextOnlyReply(t *testing.T) {
	f := newRouterFixture()
	f.send(t, "quiero agendar una visita")
	f.send(t, "terreno")

	msg := inbound("")
	msg.Type = channels.MessageImage
	require.NoError(t, f.router.Handle(context.Background(), msg))

	assert.Equal(t, f.messages.TextOnly, f.sender.last("twilio:"+testChat).Text)
	assert.Equal(t, dialogue.StageAwaitingName, f.session().Stage, "stage must not change")
	assert.Empty(t, f.session().Name)
	assert.Empty(t, f.replier.calls)
}

func TestRouterRejectsInvalidMessages(t *testing.T) {
	f := newRouterFixture()

	err := f.router.Handle(context.Background(), nil)
	assert.True(t, errors.Is(err, channels.ErrInvalidPayload))

	err = f.router.Handle(context.Background(), &channels.IncomingMessage{Channel: "twilio", Content: "hola"})
	assert.True(t, errors.Is(err, channels.ErrInvalidPayload))
	assert.Equal(t, 0, f.store.Len())
}

func TestRouterSurvivesDeliveryAndNotifyErrors(t *testing.T) {
	f := newRouterFixture()
	f.sender.err = errors.New("twilio down")
	f.notifier.err = errors.New("smtp down")

	for _, text := range []string{"agendar visita", "propiedad", "Luis Pérez", "luis@example.com", "lunes"} {
		require.NoError(t, f.router.Handle(context.Background(), inbound(text)))
	}
	assert.Equal(t, dialogue.StageClosed, f.session().Stage, "state advances even when sends fail")
	assert.Equal(t, 1, f.notifier.count())
}

func TestRouterSeparatesConversations(t *testing.T) {
	f := newRouterFixture()

	a := inbound("agendar visita")
	b := inbound("hola")
	b.From, b.ChatID = "whatsapp:+5218100000000", "whatsapp:+5218100000000"

	require.NoError(t, f.router.Handle(context.Background(), a))
	require.NoError(t, f.router.Handle(context.Background(), b))

	assert.Equal(t, dialogue.StageSelectingCategory, f.session().Stage)
	other := f.store.GetOrCreate("twilio:whatsapp:+5218100000000")
	assert.Equal(t, dialogue.StageIdle, other.Stage)
	assert.Equal(t, "+5218100000000", other.Phone)
}

func TestRouterSerializesSameConversation(t *testing.T) {
	f := newRouterFixture()
	f.send(t, "agendar visita")
	f.send(t, "terreno")
	f.send(t, "Ana López")
	f.send(t, "ana@example.com")

	// Concurrent schedule answers: exactly one closes the session.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.router.Handle(context.Background(), inbound(fmt.Sprintf("día %d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, 0, f.router.locks.size())
	assert.Equal(t, dialogue.StageClosed, f.session().Stage)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key must block")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock not released")
	}
	unlockB()

	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}

func TestRouterKeepsStoredPhone(t *testing.T) {
	f := newRouterFixture()
	s := f.session()
	s.Phone = "+5200000000"
	f.store.Save(s)

	f.send(t, "hola")
	assert.Equal(t, "+5200000000", f.session().Phone)
	assert.True(t, strings.HasPrefix(f.session().ID, "twilio:"))
}
