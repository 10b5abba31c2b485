package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// buildMediaMessage uploads m to the WhatsApp media servers and wraps the
// upload in the message type matching its MIME type.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, m *channels.MediaMessage) (*waE2E.Message, error) {
	data, mime, filename := m.Data, m.MimeType, m.Filename
	if len(data) == 0 {
		if m.URL == "" {
			return nil, fmt.Errorf("%w: media has neither data nor url", channels.ErrInvalidPayload)
		}
		file, err := w.fetcher.Fetch(ctx, m.URL)
		if err != nil {
			return nil, err
		}
		data = file.Data
		if mime == "" {
			mime = file.MimeType
		}
		if filename == "" {
			filename = file.Filename
		}
	}
	if mime == "" {
		mime = media.DetectMimeType(data, filename)
	}

	kind := kindFor(m.Type, mime)
	up, err := w.client.Upload(ctx, data, uploadType(kind))
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	return wrapUpload(kind, up, mime, filename, m.Caption), nil
}

// kindFor prefers the declared type and falls back to the MIME type.
func kindFor(t channels.MessageType, mime string) media.Kind {
	switch t {
	case channels.MessageImage:
		return media.KindImage
	case channels.MessageVideo:
		return media.KindVideo
	case channels.MessageAudio:
		return media.KindAudio
	case channels.MessageDocument:
		return media.KindDocument
	}
	return media.CategorizeType(mime)
}

func uploadType(kind media.Kind) whatsmeow.MediaType {
	switch kind {
	case media.KindImage:
		return whatsmeow.MediaImage
	case media.KindVideo:
		return whatsmeow.MediaVideo
	case media.KindAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func wrapUpload(kind media.Kind, up whatsmeow.UploadResponse, mime, filename, caption string) *waE2E.Message {
	switch kind {
	case media.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case media.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case media.KindAudio:
		// Audio messages carry no caption on WhatsApp. Only Ogg/Opus plays
		// as a voice note.
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			PTT:           proto.Bool(isVoiceNote(mime)),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(caption),
			FileName:      proto.String(filename),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

func isVoiceNote(mime string) bool {
	return strings.HasPrefix(strings.ToLower(mime), "audio/ogg")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
