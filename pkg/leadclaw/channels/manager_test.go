package channels

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

type stubChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage
	connected  bool
}

func newStub(name string) *stubChannel {
	return &stubChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}
func (s *stubChannel) Disconnect() error { s.connected = false; return nil }
func (s *stubChannel) Send(context.Context, string, *OutgoingMessage) error { return nil }
func (s *stubChannel) Receive() <-chan *IncomingMessage { return s.in }
func (s *stubChannel) IsConnected() bool { return s.connected }
func (s *stubChannel) Health() HealthStatus { return HealthStatus{Connected: s.connected} }

func TestManagerRegister(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	m := NewManager(logger)

	if err := m.Register(newStub("twilio")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Register(newStub("twilio")); !errors.Is(err, ErrChannelExists) {
		t.Errorf("expected ErrChannelExists, got %v", err)
	}
	if _, err := m.Get("console"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
	if got := m.Names(); len(got) != 1 || got[0] != "twilio" {
		t.Errorf("unexpected names: %v", got)
	}
}

func TestManagerFanIn(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	m := NewManager(logger)

	a := newStub("twilio")
	b := newStub("whatsapp")
	bad := newStub("broken")
	bad.connectErr = errors.New("boom")
	for _, ch := range []Channel{a, b, bad} {
		if err := m.Register(ch); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	a.in <- &IncomingMessage{ID: "1", Content: "hola"}
	b.in <- &IncomingMessage{ID: "2", Channel: "whatsapp", Content: "info"}

	seen := map[string]string{}
	for len(seen) < 2 {
		select {
		case msg := <-m.Messages():
			seen[msg.ID] = msg.Channel
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", seen)
		}
	}
	if seen["1"] != "twilio" {
		t.Errorf("expected channel to be filled in, got %q", seen["1"])
	}

	health := m.HealthAll()
	if !health["twilio"].Connected || health["broken"].Connected {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestManagerStartAllFail(t *testing.T) {
	m := NewManager(nil)
	bad := newStub("broken")
	bad.connectErr = errors.New("boom")
	_ = m.Register(bad)

	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error when no channel connects")
	}
}
