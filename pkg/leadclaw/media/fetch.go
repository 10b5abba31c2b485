package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrTooLarge is returned when a remote file exceeds the configured limit.
var ErrTooLarge = errors.New("media exceeds size limit")

// FetchConfig contains download limits.
type FetchConfig struct {
	MaxSize int64         `yaml:"max_size"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultFetchConfig returns default limits. 16MB is WhatsApp's cap for
// images and video.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		MaxSize: 16 * 1024 * 1024,
		Timeout: 30 * time.Second,
	}
}

// File is a downloaded media file.
type File struct {
	Data     []byte
	MimeType string
	Filename string
}

// Fetcher downloads remote media for transports that upload raw bytes.
type Fetcher struct {
	cfg    FetchConfig
	client *http.Client
}

// NewFetcher creates a fetcher. A nil client uses a client with cfg.Timeout.
func NewFetcher(cfg FetchConfig, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{cfg: cfg, client: client}
}

// Fetch downloads rawURL and detects its MIME type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.cfg.MaxSize > 0 {
		if resp.ContentLength > f.cfg.MaxSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, resp.ContentLength, f.cfg.MaxSize)
		}
		body = io.LimitReader(resp.Body, f.cfg.MaxSize+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if f.cfg.MaxSize > 0 && int64(len(data)) > f.cfg.MaxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.cfg.MaxSize)
	}

	name := filenameFromURL(rawURL)
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = DetectMimeType(data, name)
	}

	return &File{Data: data, MimeType: mime, Filename: name}, nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
