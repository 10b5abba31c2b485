package media

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Kind is a coarse media category used to pick the outbound message type.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// DetectMimeType uses http.DetectContentType and extension heuristics.
func DetectMimeType(data []byte, filename string) string {
	detected := http.DetectContentType(data)
	if detected != "application/octet-stream" {
		return detected
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".pdf":
		return "application/pdf"
	}
	return detected
}

// CategorizeType maps a MIME type to a Kind.
func CategorizeType(mimeType string) Kind {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	mimeType = strings.TrimSpace(mimeType)

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case mimeType == "video/ogg", strings.HasPrefix(mimeType, "audio/"):
		// OGG is audio on WhatsApp
		return KindAudio
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}
