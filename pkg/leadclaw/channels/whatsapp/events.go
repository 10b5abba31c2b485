package whatsapp

import (
	"fmt"
	"strings"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggingOut   ConnectionState = "logging_out"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Receipt:
		if evt.Type == types.ReceiptTypeRead {
			w.logger.Debug("whatsapp: message read", "ids", len(evt.MessageIDs))
		}

	case *events.Connected:
		w.setState(StateConnected)
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.UpdateLastMsgTime()
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())
		w.notifyQR(QREvent{Type: "success", Message: "WhatsApp connected"})

	case *events.Disconnected:
		previous := w.getState()
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected")
		if previous == StateConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another client took over the session")

	case *events.LoggedOut:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out", "reason", evt.Reason.String(), "on_connect", evt.OnConnect)
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR re-login failed", "error", err)
			}
		}()

	case *events.TemporaryBan:
		w.setState(StateBanned)
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code.String(), "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		w.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)
		// Three misses on a "connected" socket means it is half-open.
		if evt.ErrorCount >= 3 && w.getState() == StateConnected {
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(), "message", evt.Message, "permanent", permanent)
		if permanent == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
	}
}

// handleMessageEvt converts an incoming whatsmeow message. Only direct
// chats are forwarded; group and broadcast traffic is ignored.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.UpdateLastMsgTime()

	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	// Chats may be addressed by LID; prefer the phone JID so the session
	// key carries the phone number.
	chat := evt.Info.Chat
	if chat.Server == types.HiddenUserServer && w.client != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, chat); err == nil && !alt.IsEmpty() {
			chat = alt
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      chat.String(),
		FromName:  evt.Info.PushName,
		ChatID:    chat.String(),
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"chat_jid":  evt.Info.Chat.String(),
			"push_name": evt.Info.PushName,
		},
	}
	extractMessageContent(evt.Message, msg)

	if w.cfg.AutoRead && w.client != nil {
		go func() {
			if err := w.client.MarkRead(w.ctx, []types.MessageID{evt.Info.ID}, evt.Info.Timestamp, evt.Info.Chat, evt.Info.Sender); err != nil {
				w.logger.Debug("whatsapp: mark read failed", "error", err)
			}
		}()
	}

	w.emitMessage(msg)
}

// extractMessageContent fills the text and media fields of msg. Media
// captions become the content; media without a caption leaves it empty.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		msg.Type = channels.MessageText
		return
	}

	switch {
	case waMsg.Conversation != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetExtendedTextMessage().GetText()

	case waMsg.ImageMessage != nil:
		img := waMsg.GetImageMessage()
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: img.GetMimetype(),
			URL:      img.GetURL(),
			Caption:  img.GetCaption(),
			FileSize: img.GetFileLength(),
		}

	case waMsg.VideoMessage != nil:
		vid := waMsg.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Content = vid.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: vid.GetMimetype(),
			URL:      vid.GetURL(),
			Caption:  vid.GetCaption(),
			FileSize: vid.GetFileLength(),
		}

	case waMsg.AudioMessage != nil:
		audio := waMsg.GetAudioMessage()
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: audio.GetMimetype(),
			URL:      audio.GetURL(),
			FileSize: audio.GetFileLength(),
		}

	case waMsg.DocumentMessage != nil:
		doc := waMsg.GetDocumentMessage()
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.GetMimetype(),
			URL:      doc.GetURL(),
			Caption:  doc.GetCaption(),
			FileSize: doc.GetFileLength(),
		}

	case waMsg.StickerMessage != nil:
		msg.Type = channels.MessageSticker

	case waMsg.LocationMessage != nil:
		msg.Type = channels.MessageLocation

	case waMsg.ContactMessage != nil:
		msg.Type = channels.MessageContact

	default:
		msg.Type = channels.MessageText
	}
}

// parseJID converts a chat address to a JID. Accepts full JIDs
// ("5218112345678@s.whatsapp.net") and bare numbers in any formatting.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "whatsapp:"))
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
