// Package copilot – loader.go handles loading configuration from YAML files
// with secure credential management via environment variables and .env files.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/tts"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
//
// Capture groups: 1 = name (${} syntax), 2 = modifier ("-" or "?"),
// 3 = default value or error message, 4 = name (bare syntax).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// LoadDefaultConfig returns the defaults with environment secrets applied,
// for running without a config file.
func LoadDefaultConfig() *Config {
	loadEnvFiles()
	cfg := DefaultConfig()
	resolveSecrets(cfg)
	return cfg
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late, at first use.
func (c *Config) Validate() error {
	if len(c.Catalog.Categories) == 0 {
		return fmt.Errorf("config: catalog must define at least one category")
	}
	seen := make(map[string]bool)
	for _, cat := range c.Catalog.Categories {
		if cat.ID == "" {
			return fmt.Errorf("config: catalog category %q has no id", cat.Label)
		}
		if seen[cat.ID] {
			return fmt.Errorf("config: duplicate catalog category %q", cat.ID)
		}
		seen[cat.ID] = true
		if len(cat.Keywords) == 0 {
			return fmt.Errorf("config: catalog category %q has no keywords", cat.ID)
		}
	}
	for _, name := range c.Channels.Enabled {
		switch name {
		case "twilio", "whatsapp", "console":
		default:
			return fmt.Errorf("config: unknown channel %q", name)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Voice.Provider) {
	case "", tts.ProviderOpenAI, tts.ProviderElevenLabs, tts.ProviderAuto:
	default:
		return fmt.Errorf("config: unknown voice_replies provider %q", c.Voice.Provider)
	}
	if c.Sessions.TTL < 0 {
		return fmt.Errorf("config: sessions.ttl must not be negative")
	}
	return nil
}

// SaveConfigToFile writes a Config as YAML to the specified path.
// Secrets are replaced with environment variable references. The previous
// file, if any, is kept as path.bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	for _, ref := range secretRefs {
		field := ref.field(&sanitized)
		*field = sanitizeSecret(*field, ref.EnvVars...)
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Refuse to write something we could not read back.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"leadclaw.yaml",
		"leadclaw.yml",
		"configs/config.yaml",
		"configs/leadclaw.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about secrets written literally in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	for _, ref := range secretRefs {
		val := *ref.field(cfg)
		if val == "" || IsEnvReference(val) || !looksLikeRealKey(val) {
			continue
		}
		if os.Getenv(ref.EnvVars[0]) == val {
			continue
		}
		logger.Warn(ref.Label+" appears to be hardcoded in config. "+
			"Use environment variable "+ref.EnvVars[0]+" instead.",
			"hint", fmt.Sprintf("Set '%s: ${%s}' in config.yaml", ref.YAMLKey, ref.EnvVars[0]))
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations without overriding
// variables already present in the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with their environment values. Unset variables without a
// modifier keep their placeholder. An unset ${VAR:?msg} becomes the marker
// "ERROR:VAR:msg", picked up by expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}

	// Format: ERROR:VAR_NAME:error message (up to end of line).
	rest := result[idx+len("ERROR:"):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	varName, msg := rest[:colon], strings.TrimSpace(rest[colon+1:])
	if msg == "" {
		msg = "required environment variable not set"
	}
	return "", fmt.Errorf("config error: %s - %s", varName, msg)
}

// resolveSecrets fills secrets from environment variables when the config
// value is empty or an unresolved placeholder, and applies PORT to the
// gateway when the address was left at its default.
func resolveSecrets(cfg *Config) {
	for _, ref := range secretRefs {
		field := ref.field(cfg)
		if *field != "" && !IsEnvReference(*field) {
			continue
		}
		for _, env := range ref.EnvVars {
			if val := os.Getenv(env); val != "" {
				*field = val
				break
			}
		}
	}

	if cfg.Channels.Twilio.AccountSID == "" || IsEnvReference(cfg.Channels.Twilio.AccountSID) {
		if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
			cfg.Channels.Twilio.AccountSID = sid
		}
	}
	if cfg.Channels.Twilio.From == "" || IsEnvReference(cfg.Channels.Twilio.From) {
		if from := os.Getenv("TWILIO_WHATSAPP_NUMBER"); from != "" {
			cfg.Channels.Twilio.From = from
		}
	}

	if port := os.Getenv("PORT"); port != "" && cfg.Gateway.Address == DefaultConfig().Gateway.Address {
		cfg.Gateway.Address = ":" + port
	}
}

// resolveRelativePaths resolves file paths against the config file's
// directory, so they work regardless of the working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	if cfg.Database.Path != "" && cfg.Database.Path != ":memory:" {
		cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, configDir)
	}
	cfg.Channels.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.Channels.WhatsApp.DatabasePath, configDir)
	cfg.Channels.Console.HistoryFile = resolvePathFromConfig(cfg.Channels.Console.HistoryFile, configDir)
}

// resolvePathFromConfig converts a path to absolute, resolving relative paths
// against configDir. Expands ~ to the home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with a reference to the first of
// envVars holding the same value. Values that match no variable are kept
// (the user put them in the config on purpose).
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, env := range envVars {
		if os.Getenv(env) == value {
			return "${" + env + "}"
		}
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real
// credential rather than a placeholder.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
