// Package copilot – config.go defines all configuration structures
// for the LeadClaw assistant.
package copilot

import (
	"time"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/console"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/twilio"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/whatsapp"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/database"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dialogue"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/dispatch"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/media"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/notify"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/tts"
)

// DefaultPrompt is the system prompt for free-form questions.
const DefaultPrompt = `Eres COINSA Asistente, tu socio financiero digital de Crédito Operativo Integral, SA de CV, SOFOM ENR, con más de 10 años de experiencia en el ramo financiero, radicados en Nuevo León.
Proporciona información concisa y precisa sobre nuestros productos crediticios para ofrecer la mejor solución a los compromisos económicos.
Tasas competitivas: la tasa es el costo del financiamiento durante el plazo pactado y utilizamos tasas sobre saldos, de modo que al abonar capital, los intereses disminuyen.
Créditos flexibles: ofrecemos esquemas de pago amortizable (capital más interés mes a mes) o pago flexible (línea de crédito con intereses según capital dispuesto).
Pagos fijos o flexibles: adapta el esquema a los flujos; por ejemplo, pago amortizable para maquinaria o línea de crédito revolvente para capital de trabajo.
Tiempo de respuesta rápido: garantizamos respuestas ágiles para evitar urgencias y costos innecesarios.
¿Conviene un crédito? Evalúa si los recursos multiplicados cubrirán el costo financiero o liquidarán pasivos costosos, proyectando flujos netos mayores al pago mensual.
Invierte para crecer, optimizar procesos, aumentar inventario, remodelar, liquidar deudas o adquirir el vehículo deseado.
Ejemplos de productos: Propiedad Mina NL y Terreno Mina NL.
Contacto: 812 612 3414, info@fcoinsa.com.mx.
Actúa con profesionalismo y brevedad en cada interacción, utilizando máximo 45 palabras y limitándote a responder lo que pregunte el usuario.`

// DefaultApology is sent when the generative fallback fails.
const DefaultApology = "Lo siento, ocurrió un error al procesar tu mensaje."

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name used in logs and the setup wizard.
	Name string `yaml:"name"`

	// Model is the chat model for free-form questions (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// API configures the OpenAI-compatible endpoint.
	API APIConfig `yaml:"api"`

	// Prompt is the fixed system prompt of the fallback responder.
	Prompt string `yaml:"prompt"`

	// Apology replaces the generated answer when the model call fails.
	Apology string `yaml:"apology"`

	// Catalog lists the product categories a lead can choose.
	Catalog dialogue.Catalog `yaml:"catalog"`

	// Messages holds every fixed reply of the qualification flow.
	Messages dialogue.Messages `yaml:"messages"`

	Sessions SessionsConfig  `yaml:"sessions"`
	Dispatch dispatch.Config `yaml:"dispatch"`

	// Media configures delivery URL optimization.
	Media media.OptimizeConfig `yaml:"media"`

	// Voice speaks fallback answers as voice notes.
	Voice tts.Config `yaml:"voice_replies"`

	Notify   notify.Config  `yaml:"notify"`
	Channels ChannelsConfig `yaml:"channels"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig configures the LLM provider endpoint.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible API base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey can also be set via LEADCLAW_API_KEY / OPENAI_API_KEY, the
	// vault or the OS keyring.
	APIKey string `yaml:"api_key"`

	// Timeout bounds one completion call (default: 30s).
	Timeout time.Duration `yaml:"timeout"`

	// MaxTokens caps the reply length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// MaxRetries is how many times a transient failure (429, 5xx,
	// overloaded) is retried before giving up (default: 1).
	MaxRetries int `yaml:"max_retries"`
}

// SessionsConfig configures conversation expiry.
type SessionsConfig struct {
	// TTL is how long an idle conversation is kept (default: 24h).
	TTL time.Duration `yaml:"ttl"`

	// PruneSchedule is the cron schedule of the expiry sweep
	// (default: "@every 30m").
	PruneSchedule string `yaml:"prune_schedule"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	// Enabled lists the channels "serve" starts (default: ["twilio"]).
	Enabled []string `yaml:"enabled"`

	Twilio   twilio.Config   `yaml:"twilio"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Console  console.Config  `yaml:"console"`
}

// GatewayConfig configures the HTTP gateway that receives webhooks.
type GatewayConfig struct {
	// Address is the listen address (default: ":5001", or ":$PORT").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for /api/* (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// DedupeTTL is how long a webhook message id is remembered
	// (default: 10m).
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`

	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the lead ledger database.
type DatabaseConfig struct {
	// Enabled turns the ledger database on (default: true).
	Enabled bool `yaml:"enabled"`

	database.Config `yaml:",inline"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "LeadClaw",
		Model: "gpt-4o-mini",
		API: APIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Timeout:    30 * time.Second,
			MaxRetries: 1,
		},
		Prompt:   DefaultPrompt,
		Apology:  DefaultApology,
		Catalog:  dialogue.DefaultCatalog(),
		Messages: dialogue.DefaultMessages(),
		Sessions: SessionsConfig{
			TTL:           24 * time.Hour,
			PruneSchedule: "@every 30m",
		},
		Dispatch: dispatch.DefaultConfig(),
		Media:    media.DefaultOptimizeConfig(),
		Voice:    tts.DefaultConfig(),
		Notify:   notify.DefaultConfig(),
		Channels: ChannelsConfig{
			Enabled:  []string{"twilio"},
			Twilio:   twilio.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
			Console:  console.DefaultConfig(),
		},
		Gateway: GatewayConfig{
			Address:         ":5001",
			DedupeTTL:       10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled: true,
			Config:  database.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ChannelEnabled reports whether name is listed in Channels.Enabled.
func (c *Config) ChannelEnabled(name string) bool {
	for _, n := range c.Channels.Enabled {
		if n == name {
			return true
		}
	}
	return false
}
