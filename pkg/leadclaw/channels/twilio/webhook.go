package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Twilio-Signature"

// ParseInbound converts an inbound message webhook form into an
// IncomingMessage. A missing sender or an empty payload is rejected with
// channels.ErrInvalidPayload; an empty body alone is not.
func ParseInbound(form url.Values) (*channels.IncomingMessage, error) {
	if len(form) == 0 {
		return nil, fmt.Errorf("%w: empty form", channels.ErrInvalidPayload)
	}
	from := strings.TrimSpace(form.Get("From"))
	if from == "" {
		return nil, fmt.Errorf("%w: missing From", channels.ErrInvalidPayload)
	}

	msg := &channels.IncomingMessage{
		ID:        form.Get("MessageSid"),
		Channel:   "twilio",
		From:      from,
		FromName:  form.Get("ProfileName"),
		ChatID:    from,
		Type:      channels.MessageText,
		Content:   form.Get("Body"),
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"to":    form.Get("To"),
			"wa_id": form.Get("WaId"),
		},
	}

	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		mime := form.Get("MediaContentType0")
		kind := channels.MessageDocument
		switch media.CategorizeType(mime) {
		case media.KindImage:
			kind = channels.MessageImage
		case media.KindVideo:
			kind = channels.MessageVideo
		case media.KindAudio:
			kind = channels.MessageAudio
		}
		msg.Type = kind
		msg.Media = &channels.MediaInfo{
			Type:     kind,
			MimeType: mime,
			URL:      form.Get("MediaUrl0"),
			Caption:  msg.Content,
		}
		msg.Metadata["num_media"] = n
	} else if form.Get("Latitude") != "" {
		msg.Type = channels.MessageLocation
	}

	return msg, nil
}

// StatusUpdate is a delivery status callback.
type StatusUpdate struct {
	MessageSID   string
	Status       string
	To           string
	ErrorCode    string
	ErrorMessage string
}

// ParseStatus reads a status callback form.
func ParseStatus(form url.Values) (StatusUpdate, error) {
	s := StatusUpdate{
		MessageSID:   form.Get("MessageSid"),
		Status:       form.Get("MessageStatus"),
		To:           form.Get("To"),
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
	}
	if s.MessageSID == "" || s.Status == "" {
		return s, fmt.Errorf("%w: missing MessageSid or MessageStatus", channels.ErrInvalidPayload)
	}
	return s, nil
}

// Failed reports whether the update is a terminal delivery failure.
func (s StatusUpdate) Failed() bool {
	return s.Status == "failed" || s.Status == "undelivered"
}

// Signature computes the webhook signature for fullURL and the POST params:
// base64(HMAC-SHA1(token, url + sorted name/value pairs)).
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches the request.
func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
