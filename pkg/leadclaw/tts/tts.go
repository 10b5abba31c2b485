// Package tts turns fallback answers into voice notes. Two backends are
// supported: the OpenAI speech endpoint, which reuses the assistant's API
// key, and ElevenLabs. "auto" tries OpenAI first and ElevenLabs second.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Provider names accepted in Config.Provider.
const (
	ProviderOpenAI     = "openai"
	ProviderElevenLabs = "elevenlabs"
	ProviderAuto       = "auto"
)

// maxAudioBytes bounds a synthesized reply. Voice notes of a few
// paragraphs are well under it.
const maxAudioBytes = 16 << 20

// ErrNotConfigured is returned by New when the chosen backend has no
// credentials.
var ErrNotConfigured = errors.New("tts: provider has no api key")

// Provider is the interface for TTS backends.
type Provider interface {
	// Synthesize converts text to audio.
	// Returns audio bytes, MIME type (e.g. "audio/ogg"), and error.
	Synthesize(ctx context.Context, text, voice string) ([]byte, string, error)
}

// Config is the voice_replies section of the configuration.
type Config struct {
	// Enabled turns fallback answers into voice notes on channels that can
	// carry uploaded audio.
	Enabled bool `yaml:"enabled"`

	// Provider is "openai", "elevenlabs" or "auto".
	Provider string `yaml:"provider"`

	// Voice overrides the provider's default voice.
	Voice string `yaml:"voice"`

	// Model is the OpenAI speech model.
	Model string `yaml:"model"`

	// MaxChars caps the text sent for synthesis.
	MaxChars int `yaml:"max_chars"`

	// Timeout bounds one synthesis request.
	Timeout time.Duration `yaml:"timeout"`

	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
}

// ElevenLabsConfig holds the ElevenLabs credentials and voice.
type ElevenLabsConfig struct {
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// DefaultConfig returns voice replies switched off.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderOpenAI,
		Model:    "tts-1",
		MaxChars: 4096,
		Timeout:  30 * time.Second,
		ElevenLabs: ElevenLabsConfig{
			VoiceID: "21m00Tcm4TlvDq8ikWAM",
			Model:   "eleven_multilingual_v2",
			BaseURL: "https://api.elevenlabs.io",
		},
	}
}

// New builds the provider named in cfg. openAIKey and openAIBaseURL come
// from the assistant's API settings.
func New(cfg Config, openAIKey, openAIBaseURL string, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	client := &http.Client{Timeout: cfg.Timeout}

	openai := func() (Provider, error) {
		if openAIKey == "" {
			return nil, fmt.Errorf("%w: openai", ErrNotConfigured)
		}
		p := NewOpenAIProvider(openAIKey, openAIBaseURL, cfg.Model)
		p.client, p.maxChars = client, cfg.MaxChars
		return p, nil
	}
	eleven := func() (Provider, error) {
		if cfg.ElevenLabs.APIKey == "" {
			return nil, fmt.Errorf("%w: elevenlabs", ErrNotConfigured)
		}
		p := NewElevenLabsProvider(cfg.ElevenLabs)
		p.client, p.maxChars = client, cfg.MaxChars
		return p, nil
	}

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		return openai()
	case ProviderElevenLabs:
		return eleven()
	case ProviderAuto:
		primary, perr := openai()
		secondary, serr := eleven()
		switch {
		case perr == nil && serr == nil:
			return NewFallbackProvider(primary, secondary, cfg.Voice, "", logger), nil
		case perr == nil:
			return primary, nil
		case serr == nil:
			return secondary, nil
		}
		return nil, errors.Join(perr, serr)
	}
	return nil, fmt.Errorf("tts: unknown provider %q", cfg.Provider)
}

// OpenAIProvider implements TTS via the OpenAI TTS API.
type OpenAIProvider struct {
	apiKey   string
	baseURL  string
	model    string
	maxChars int
	client   *http.Client
}

// NewOpenAIProvider creates an OpenAI TTS provider.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "tts-1"
	}
	return &OpenAIProvider{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    model,
		maxChars: 4096,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Synthesize returns Opus in an Ogg container, which WhatsApp plays as a
// voice note.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = "nova"
	}

	body, err := json.Marshal(map[string]any{
		"model":           p.model,
		"input":           truncate(text, p.maxChars),
		"voice":           voice,
		"response_format": "opus",
	})
	if err != nil {
		return nil, "", fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("tts: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	audio, err := fetchAudio(p.client, req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: openai: %w", err)
	}
	return audio, "audio/ogg; codecs=opus", nil
}

// ElevenLabsProvider implements TTS via the ElevenLabs text-to-speech API.
type ElevenLabsProvider struct {
	cfg      ElevenLabsConfig
	maxChars int
	client   *http.Client
}

// NewElevenLabsProvider creates an ElevenLabs provider.
func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	def := DefaultConfig().ElevenLabs
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = def.VoiceID
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ElevenLabsProvider{
		cfg:      cfg,
		maxChars: 4096,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Synthesize returns MP3 audio. voice, when set, is an ElevenLabs voice id.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = p.cfg.VoiceID
	}

	body, err := json.Marshal(map[string]any{
		"text":     truncate(text, p.maxChars),
		"model_id": p.cfg.Model,
		"voice_settings": map[string]float64{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("tts: marshal request: %w", err)
	}

	endpoint := p.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("tts: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	audio, err := fetchAudio(p.client, req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: elevenlabs: %w", err)
	}
	return audio, "audio/mpeg", nil
}

// FallbackProvider tries the primary provider and falls back to the
// secondary if the primary fails.
type FallbackProvider struct {
	primary        Provider
	secondary      Provider
	primaryVoice   string
	secondaryVoice string
	logger         *slog.Logger
}

// NewFallbackProvider creates a provider that tries primary first, then secondary.
func NewFallbackProvider(primary, secondary Provider, primaryVoice, secondaryVoice string, logger *slog.Logger) *FallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackProvider{
		primary:        primary,
		secondary:      secondary,
		primaryVoice:   primaryVoice,
		secondaryVoice: secondaryVoice,
		logger:         logger.With("component", "tts-fallback"),
	}
}

// Synthesize tries the primary provider, falling back to secondary on failure.
// Voice names are provider specific, so the secondary only gets its own.
func (p *FallbackProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	primaryV := voice
	if primaryV == "" {
		primaryV = p.primaryVoice
	}
	audio, mime, err := p.primary.Synthesize(ctx, text, primaryV)
	if err == nil {
		return audio, mime, nil
	}
	if ctx.Err() != nil {
		return nil, "", err
	}

	p.logger.Warn("primary TTS failed, trying fallback", "error", err)
	return p.secondary.Synthesize(ctx, text, p.secondaryVoice)
}

func fetchAudio(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}
	switch {
	case len(audio) == 0:
		return nil, errors.New("empty audio response")
	case len(audio) > maxAudioBytes:
		return nil, fmt.Errorf("audio exceeds %d bytes", maxAudioBytes)
	}
	return audio, nil
}

// truncate cuts text to maxChars runes, marking the cut with an ellipsis.
func truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	if maxChars <= 3 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-3]) + "..."
}
