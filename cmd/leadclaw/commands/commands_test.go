package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
)

func TestShouldEnable(t *testing.T) {
	cfg := copilot.DefaultConfig()

	assert.True(t, shouldEnable("twilio", nil, cfg))
	assert.False(t, shouldEnable("whatsapp", nil, cfg))
	assert.True(t, shouldEnable("whatsapp", []string{"whatsapp"}, cfg))
	assert.False(t, shouldEnable("twilio", []string{"whatsapp"}, cfg))
}

func TestProbeAddress(t *testing.T) {
	tests := map[string]string{
		":5001":          "127.0.0.1:5001",
		"0.0.0.0:8080":   "127.0.0.1:8080",
		"10.0.0.2:5001":  "10.0.0.2:5001",
		"localhost:9000": "localhost:9000",
		"garbage":        "garbage",
	}
	for in, want := range tests {
		assert.Equal(t, want, probeAddress(in), in)
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg := copilot.DefaultConfig()
	cfg.API.APIKey = "sk-abcdefghijklmnop"
	cfg.Channels.Twilio.AuthToken = "short"
	cfg.Gateway.AuthToken = ""
	cfg.Voice.ElevenLabs.APIKey = "xi-0123456789"

	masked := maskSecrets(cfg)
	assert.Equal(t, "xi-0****", masked.Voice.ElevenLabs.APIKey)
	assert.Equal(t, "sk-a****", masked.API.APIKey)
	assert.Equal(t, "****", masked.Channels.Twilio.AuthToken)
	assert.Empty(t, masked.Gateway.AuthToken)

	assert.Equal(t, "sk-abcdefghijklmnop", cfg.API.APIKey, "original must not change")
}

func TestApplySetupAnswers(t *testing.T) {
	cfg := copilot.DefaultConfig()
	applySetupAnswers(cfg, setupAnswers{
		name:         " COINSA ",
		channels:     []string{"twilio", "whatsapp"},
		accountSID:   "AC123",
		authToken:    "secret",
		from:         "+14155238886",
		validateSig:  true,
		mailTo:       "ventas@example.com, , gerencia@example.com",
		gatewayAddr:  ":8080",
		voiceReplies: true,
	})

	assert.Equal(t, "COINSA", cfg.Name)
	assert.True(t, cfg.Voice.Enabled)
	assert.Equal(t, []string{"twilio", "whatsapp"}, cfg.Channels.Enabled)
	assert.Equal(t, "${TWILIO_AUTH_TOKEN}", cfg.Channels.Twilio.AuthToken)
	assert.Empty(t, cfg.API.APIKey)
	assert.Equal(t, []string{"ventas@example.com", "gerencia@example.com"}, cfg.Notify.Email.To)
	assert.Equal(t, ":8080", cfg.Gateway.Address)
}

func TestSetupConfigRoundTrip(t *testing.T) {
	cfg := copilot.DefaultConfig()
	applySetupAnswers(cfg, setupAnswers{
		name:       "LeadClaw",
		channels:   []string{"twilio"},
		accountSID: "AC123",
		authToken:  "tok-9f8e7d6c",
		from:       "+14155238886",
		apiKey:     "sk-live-41b2",
		model:      "gpt-4o-mini",
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, copilot.SaveConfigToFile(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tok-9f8e7d6c")
	assert.NotContains(t, string(data), "sk-live-41b2")
}

func TestAddressValidation(t *testing.T) {
	assert.NoError(t, optionalAddress(""))
	assert.NoError(t, optionalAddress("ventas@example.com"))
	assert.Error(t, optionalAddress("not an address"))

	assert.NoError(t, optionalAddressList("a@example.com, b@example.com"))
	assert.Error(t, optionalAddressList("a@example.com, nope"))
}
