package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

type scriptReader struct {
	lines []string
	err   error
}

func (s *scriptReader) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", s.err
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptReader) Close() error { return nil }

func newScripted(err error, lines ...string) (*Console, *bytes.Buffer) {
	c := New(Config{})
	out := &bytes.Buffer{}
	c.newReader = func() (lineReader, io.Writer, error) {
		return &scriptReader{lines: lines, err: err}, out, nil
	}
	return c, out
}

func TestConsoleReadsLines(t *testing.T) {
	c, _ := newScripted(io.EOF, "  hola  ", "quiero info")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for _, want := range []string{"hola", "quiero info"} {
		select {
		case msg := <-c.Receive():
			if msg.Content != want || msg.ChatID != ChatID || msg.Channel != "console" {
				t.Errorf("unexpected message %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("expected EOF to end the session")
	}
	if c.IsConnected() {
		t.Error("expected disconnected after EOF")
	}
}

func TestConsoleExitCommands(t *testing.T) {
	for _, err := range []error{readline.ErrInterrupt, nil} {
		lines := []string{}
		if err == nil {
			lines = []string{"exit"}
		}
		c, _ := newScripted(err, lines...)
		c.Connect(context.Background())

		select {
		case <-c.Done():
		case <-time.After(time.Second):
			t.Fatalf("expected session end for err=%v", err)
		}
	}
}

func TestConsoleSend(t *testing.T) {
	c, out := newScripted(nil)
	c.connected.Store(true)
	c.out = out

	c.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "¡Hola!"})
	c.SendMedia(context.Background(), ChatID, &channels.MediaMessage{URL: "https://cdn/a.jpg", Caption: "Fotos"})

	want := "bot> ¡Hola!\nbot> Fotos\nbot> [image] https://cdn/a.jpg\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestConsoleSendDisconnected(t *testing.T) {
	c := New(DefaultConfig())
	err := c.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "x"})
	if err != channels.ErrChannelDisconnected {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}
	if !strings.HasSuffix(c.cfg.Prompt, "> ") {
		t.Errorf("unexpected prompt %q", c.cfg.Prompt)
	}
}
