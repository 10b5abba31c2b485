// Package channels defines the interfaces and types for LeadClaw messaging
// channels. Each transport (Twilio, WhatsApp Web, console) implements the
// Channel interface so the router can receive and reply in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "twilio", "whatsapp").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a text message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with single-media delivery.
type MediaChannel interface {
	Channel

	// SendMedia sends one media item, optionally captioned.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error
}

// AlbumChannel extends MediaChannel with multi-media delivery in one message.
// Transports that cannot attach several media items to one message simply
// don't implement it and the dispatcher falls back to one-by-one sends.
type AlbumChannel interface {
	MediaChannel

	// SendAlbum sends all urls attached to a single message carrying caption.
	SendAlbum(ctx context.Context, to, caption string, urls []string) error
}

// VoiceChannel is a MediaChannel that can upload raw audio and deliver it
// as a voice note. Transports that only take public media URLs don't
// implement it.
type VoiceChannel interface {
	MediaChannel

	// SendVoice sends audio as a push-to-talk voice note.
	SendVoice(ctx context.Context, to string, audio []byte, mimeType string) error
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "twilio").
	Channel string

	// From is the sender address on the platform (e.g. "whatsapp:+5218112345678").
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation address replies go to.
	ChatID string

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media describes the first media attachment (if any).
	Media *MediaInfo

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// OutgoingMessage represents a text message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is the media type (image, audio, video, document).
	Type MessageType

	// Data is the raw media bytes. Either Data or URL must be set.
	Data []byte

	// URL is a public URL to the media file. Either Data or URL must be set.
	URL string

	// MimeType is the MIME type (e.g. "image/jpeg").
	MimeType string

	// Filename is the original filename (for documents).
	Filename string

	// Caption is the text caption accompanying the media.
	Caption string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	URL      string
	Caption  string
	FileSize uint64
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrChannelNotFound     = fmt.Errorf("channel not found")
	ErrChannelExists       = fmt.Errorf("channel already registered")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
	ErrInvalidPayload      = fmt.Errorf("invalid inbound payload")
)
