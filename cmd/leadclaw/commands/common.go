package commands

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
)

// resolveConfig loads the config named by --config, or the first one found
// in the standard locations, or the defaults when there is none.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = copilot.FindConfigFile()
	}
	if path == "" {
		return copilot.LoadDefaultConfig(), "", nil
	}

	cfg, err := copilot.LoadConfigFromFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// shouldEnable reports whether a channel runs: the --channel filter wins
// over the configured list.
func shouldEnable(name string, filter []string, cfg *copilot.Config) bool {
	if len(filter) > 0 {
		return slices.Contains(filter, name)
	}
	return cfg.ChannelEnabled(name)
}

// configPathOrDefault is where commands that write the config put it.
func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return "config.yaml"
}
