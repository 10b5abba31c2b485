package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("creates instance with defaults", func(t *testing.T) {
		w := New(DefaultConfig(), logger)
		if w.Name() != "whatsapp" {
			t.Errorf("expected name 'whatsapp', got %s", w.Name())
		}
		if w.GetState() != StateDisconnected {
			t.Errorf("expected initial state 'disconnected', got %s", w.GetState())
		}
	})

	t.Run("applies defaults to a zero config", func(t *testing.T) {
		w := New(Config{}, nil)
		if w.logger == nil {
			t.Error("expected logger to be set")
		}
		if w.cfg.ReconnectBackoff != 5*time.Second {
			t.Errorf("expected default backoff 5s, got %v", w.cfg.ReconnectBackoff)
		}
		if w.cfg.DeviceName != "LeadClaw" {
			t.Errorf("expected default device name, got %q", w.cfg.DeviceName)
		}
	})
}

func TestQRSubscription(t *testing.T) {
	w := New(DefaultConfig(), slog.New(slog.NewTextHandler(os.Stdout, nil)))

	t.Run("subscriber receives events", func(t *testing.T) {
		ch, unsubscribe := w.SubscribeQR()
		defer unsubscribe()

		w.notifyQR(QREvent{Type: "code", Code: "qr-1"})

		select {
		case evt := <-ch:
			if evt.Type != "code" || evt.Code != "qr-1" {
				t.Errorf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Error("timeout waiting for QR event")
		}
	})

	t.Run("unsubscribe closes the channel", func(t *testing.T) {
		w.notifyQR(QREvent{Type: "success"})

		ch, unsubscribe := w.SubscribeQR()
		unsubscribe()
		w.notifyQR(QREvent{Type: "code", Code: "ignored"})

		if _, ok := <-ch; ok {
			t.Error("expected channel to be closed after unsubscribe")
		}
	})

	t.Run("late subscriber gets the pending code", func(t *testing.T) {
		w.notifyQR(QREvent{Type: "code", Code: "cached"})

		ch, unsubscribe := w.SubscribeQR()
		defer unsubscribe()

		select {
		case evt := <-ch:
			if evt.Code != "cached" {
				t.Errorf("expected cached code, got %q", evt.Code)
			}
			if evt.SecondsLeft <= 0 || evt.SecondsLeft > 60 {
				t.Errorf("unexpected seconds left %d", evt.SecondsLeft)
			}
		case <-time.After(time.Second):
			t.Error("expected cached QR replay")
		}
	})

	t.Run("success clears the cache", func(t *testing.T) {
		w.notifyQR(QREvent{Type: "code", Code: "stale"})
		w.notifyQR(QREvent{Type: "success"})
		if w.lastQR != nil {
			t.Error("expected lastQR to be cleared on success")
		}
	})

	t.Run("multiple subscribers", func(t *testing.T) {
		ch1, unsub1 := w.SubscribeQR()
		ch2, unsub2 := w.SubscribeQR()
		defer unsub1()
		defer unsub2()

		w.notifyQR(QREvent{Type: "timeout"})

		var wg sync.WaitGroup
		for _, ch := range []<-chan QREvent{ch1, ch2} {
			wg.Add(1)
			go func(ch <-chan QREvent) {
				defer wg.Done()
				select {
				case evt := <-ch:
					if evt.Type != "timeout" {
						t.Errorf("expected timeout, got %s", evt.Type)
					}
				case <-time.After(time.Second):
					t.Error("timeout waiting for event")
				}
			}(ch)
		}
		wg.Wait()
	})
}

func TestHealth(t *testing.T) {
	w := New(DefaultConfig(), nil)
	w.errorCount.Store(3)

	h := w.Health()
	if h.Connected {
		t.Error("expected not connected initially")
	}
	if h.ErrorCount != 3 {
		t.Errorf("expected error count 3, got %d", h.ErrorCount)
	}
	if h.Details["state"] != string(StateDisconnected) {
		t.Errorf("expected state in details, got %v", h.Details)
	}
}

func TestDisconnect(t *testing.T) {
	w := New(DefaultConfig(), nil)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.connected.Store(true)
	w.setState(StateConnected)

	if err := w.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.IsConnected() || w.GetState() != StateDisconnected {
		t.Error("expected disconnected state")
	}
	if _, ok := <-w.Receive(); ok {
		t.Error("expected message stream to be closed")
	}

	// Second call must not panic on the closed channel.
	if err := w.Disconnect(); err != nil {
		t.Errorf("unexpected error on second disconnect: %v", err)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	w := New(DefaultConfig(), nil)
	ctx := context.Background()

	if err := w.Send(ctx, "5218112345678", &channels.OutgoingMessage{Content: "hola"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}
	if err := w.SendMedia(ctx, "5218112345678", &channels.MediaMessage{URL: "https://x/y.jpg"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}
}

func TestRequestNewQR(t *testing.T) {
	w := New(DefaultConfig(), nil)

	w.connected.Store(true)
	if err := w.RequestNewQR(context.Background()); err == nil {
		t.Error("expected error when already connected")
	}
	w.connected.Store(false)

	if err := w.RequestNewQR(context.Background()); err == nil {
		t.Error("expected error when client not initialized")
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5218112345678", "5218112345678@s.whatsapp.net", false},
		{"+52 (81) 1234-5678", "528112345678@s.whatsapp.net", false},
		{"whatsapp:+5218112345678", "5218112345678@s.whatsapp.net", false},
		{"5218112345678@s.whatsapp.net", "5218112345678@s.whatsapp.net", false},
		{"12345", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		jid, err := parseJID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseJID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && jid.String() != tt.want {
			t.Errorf("parseJID(%q) = %s, want %s", tt.in, jid, tt.want)
		}
	}
}

func TestExtractMessageContent(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantType channels.MessageType
		wantText string
		hasMedia bool
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("hola")}, channels.MessageText, "hola", false},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("info")}}, channels.MessageText, "info", false},
		{"captioned image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("esta casa"), Mimetype: proto.String("image/jpeg")}}, channels.MessageImage, "esta casa", true},
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}, channels.MessageAudio, "", true},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, channels.MessageSticker, "", false},
		{"nil", nil, channels.MessageText, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &channels.IncomingMessage{}
			extractMessageContent(tt.msg, msg)
			if msg.Type != tt.wantType || msg.Content != tt.wantText {
				t.Errorf("got type=%s content=%q", msg.Type, msg.Content)
			}
			if (msg.Media != nil) != tt.hasMedia {
				t.Errorf("media presence = %v, want %v", msg.Media != nil, tt.hasMedia)
			}
		})
	}
}

func TestBuildTextMessage(t *testing.T) {
	if got := buildTextMessage("hola").GetConversation(); got != "hola" {
		t.Errorf("unexpected conversation %q", got)
	}
}

func TestKindFor(t *testing.T) {
	if kindFor(channels.MessageImage, "application/pdf") != media.KindImage {
		t.Error("declared type should win")
	}
	if kindFor("", "video/mp4") != media.KindVideo {
		t.Error("expected MIME fallback")
	}
}

func TestWrapUploadVoiceNote(t *testing.T) {
	up := whatsmeow.UploadResponse{URL: "https://mmg/x", DirectPath: "/x", FileLength: 3}

	ogg := wrapUpload(media.KindAudio, up, "audio/ogg; codecs=opus", "", "ignored").GetAudioMessage()
	if ogg == nil || !ogg.GetPTT() {
		t.Fatalf("expected ogg audio as voice note, got %+v", ogg)
	}
	if ogg.GetMimetype() != "audio/ogg; codecs=opus" || ogg.GetFileLength() != 3 {
		t.Errorf("unexpected audio fields %+v", ogg)
	}

	mp3 := wrapUpload(media.KindAudio, up, "audio/mpeg", "", "").GetAudioMessage()
	if mp3 == nil || mp3.GetPTT() {
		t.Errorf("mp3 must be sent as plain audio, got %+v", mp3)
	}
}

func TestSendVoiceWhenDisconnected(t *testing.T) {
	w := New(DefaultConfig(), nil)
	err := w.SendVoice(context.Background(), "5218112345678@s.whatsapp.net", []byte("ogg"), "audio/ogg")
	if !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}
}

func TestHandleMessageFiltering(t *testing.T) {
	w := New(DefaultConfig(), nil)
	w.cfg.AutoRead = false

	user := types.NewJID("5218112345678", types.DefaultUserServer)
	w.handleEvent(eventMessage(user, false, false, "hola"))
	w.handleEvent(eventMessage(user, true, false, "from me"))
	w.handleEvent(eventMessage(types.NewJID("123-456", types.GroupServer), false, true, "group"))

	select {
	case msg := <-w.Receive():
		if msg.Content != "hola" || msg.ChatID != "5218112345678@s.whatsapp.net" || msg.Channel != "whatsapp" {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Fatal("expected the direct message to be emitted")
	}

	select {
	case msg := <-w.Receive():
		t.Errorf("expected filtered messages to be dropped, got %+v", msg)
	default:
	}
}

func eventMessage(chat types.JID, fromMe, group bool, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				Sender:   chat,
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			ID:        types.MessageID("msg-" + text),
			Timestamp: time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}
