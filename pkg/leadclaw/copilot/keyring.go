// Package copilot – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. Encrypted vault (.leadclaw.vault, AES-256-GCM + Argon2, master password)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. Environment variable (LEADCLAW_API_KEY, TWILIO_AUTH_TOKEN, etc.)
//  4. .env file (loaded by godotenv)
//  5. config.yaml value (least secure, plaintext on disk)
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "leadclaw"

// secretRef describes one credential the assistant needs.
type secretRef struct {
	// Name is the keyring entry and the CLI name ("api_key").
	Name string

	// Label is used in log lines.
	Label string

	// YAMLKey is the config path shown in hints.
	YAMLKey string

	// EnvVars are checked in order. The first is also the vault entry name.
	EnvVars []string

	field func(*Config) *string
}

var secretRefs = []secretRef{
	{
		Name: "api_key", Label: "API key", YAMLKey: "api.api_key",
		EnvVars: []string{"LEADCLAW_API_KEY", "OPENAI_API_KEY"},
		field:   func(c *Config) *string { return &c.API.APIKey },
	},
	{
		Name: "twilio_auth_token", Label: "Twilio auth token", YAMLKey: "channels.twilio.auth_token",
		EnvVars: []string{"TWILIO_AUTH_TOKEN"},
		field:   func(c *Config) *string { return &c.Channels.Twilio.AuthToken },
	},
	{
		Name: "smtp_password", Label: "SMTP password", YAMLKey: "notify.email.password",
		EnvVars: []string{"LEADCLAW_SMTP_PASSWORD"},
		field:   func(c *Config) *string { return &c.Notify.Email.Password },
	},
	{
		Name: "elevenlabs_api_key", Label: "ElevenLabs API key", YAMLKey: "voice_replies.elevenlabs.api_key",
		EnvVars: []string{"ELEVEN_API_KEY", "ELEVENLABS_API_KEY"},
		field:   func(c *Config) *string { return &c.Voice.ElevenLabs.APIKey },
	},
	{
		Name: "gateway_token", Label: "Gateway token", YAMLKey: "gateway.auth_token",
		EnvVars: []string{"LEADCLAW_GATEWAY_TOKEN"},
		field:   func(c *Config) *string { return &c.Gateway.AuthToken },
	},
}

// SecretNames returns the names accepted by StoreSecret.
func SecretNames() []string {
	names := make([]string, len(secretRefs))
	for i, ref := range secretRefs {
		names[i] = ref.Name
	}
	return names
}

func lookupSecret(name string) (secretRef, bool) {
	for _, ref := range secretRefs {
		if ref.Name == name || strings.EqualFold(ref.EnvVars[0], name) {
			return ref, true
		}
	}
	return secretRef{}, false
}

// VaultKeyFor maps a secret name ("api_key") to its vault entry name
// ("LEADCLAW_API_KEY"). Unknown names are returned unchanged.
func VaultKeyFor(name string) string {
	if ref, ok := lookupSecret(name); ok {
		return ref.EnvVars[0]
	}
	return name
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__leadclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// StoreSecret saves a named secret ("api_key", "twilio_auth_token", ...)
// in the OS keyring.
func StoreSecret(name, value string) error {
	ref, ok := lookupSecret(name)
	if !ok {
		return fmt.Errorf("unknown secret %q (known: %s)", name, strings.Join(SecretNames(), ", "))
	}
	if err := StoreKeyring(ref.Name, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// ResolveSecrets resolves every credential using the priority chain
// vault → keyring → env var → config value and updates cfg in place.
// If a vault exists but is locked, it is unlocked with
// LEADCLAW_VAULT_PASSWORD or, on a terminal, an interactive prompt.
// Returns the unlocked vault, or nil when none is available.
func ResolveSecrets(cfg *Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	vault := unlockVault(NewVault(VaultFile), logger)
	resolveSecretChain(cfg, vault, GetKeyring, logger)

	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		logger.Warn("no API key found, free-form questions will get the apology reply. " +
			"Set one with: leadclaw config set-secret api_key")
	}
	return vault
}

// unlockVault returns v unlocked, or nil when there is no vault or it
// cannot be unlocked.
func unlockVault(v *Vault, logger *slog.Logger) *Vault {
	if !v.Exists() {
		return nil
	}

	if envPass := os.Getenv("LEADCLAW_VAULT_PASSWORD"); envPass != "" {
		if err := v.Unlock(envPass); err != nil {
			logger.Warn("failed to unlock vault with LEADCLAW_VAULT_PASSWORD", "error", err)
		} else {
			logger.Info("vault unlocked via LEADCLAW_VAULT_PASSWORD")
		}
	}

	if !v.IsUnlocked() {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			password, err := ReadPassword("Vault password: ")
			if err != nil {
				logger.Warn("failed to read vault password", "error", err)
			} else if err := v.Unlock(password); err != nil {
				logger.Warn("failed to unlock vault", "error", err)
			}
		} else {
			logger.Info("vault exists but skipping (non-interactive mode, no LEADCLAW_VAULT_PASSWORD), using env/config")
		}
	}

	if !v.IsUnlocked() {
		return nil
	}
	return v
}

// resolveSecretChain applies vault and keyring values over what the loader
// already took from the environment and the config file.
func resolveSecretChain(cfg *Config, vault *Vault, fromKeyring func(string) string, logger *slog.Logger) {
	injected := 0
	for _, ref := range secretRefs {
		field := ref.field(cfg)

		if vault != nil {
			if val, err := vault.Get(ref.EnvVars[0]); err == nil && val != "" {
				*field = val
				// Keep ${VAR} references elsewhere resolvable.
				os.Setenv(ref.EnvVars[0], val)
				injected++
				logger.Debug(ref.Label + " loaded from encrypted vault")
				continue
			}
		}

		if val := fromKeyring(ref.Name); val != "" {
			*field = val
			logger.Debug(ref.Label + " loaded from OS keyring")
			continue
		}

		if *field != "" && !IsEnvReference(*field) {
			logger.Debug(ref.Label + " loaded from config/env")
		}
	}

	if injected > 0 {
		logger.Info("vault secrets injected into process environment", "count", injected)
	}
}
