package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/console"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
)

// newChatCmd creates `leadclaw chat`, the conversation flow in the terminal.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Run the qualification flow locally, reading messages from the
terminal instead of WhatsApp. Leads are notified exactly as in production
unless --dry-run is set.

Examples:
  leadclaw chat
  leadclaw chat --dry-run`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}

	cmd.Flags().Bool("dry-run", false, "do not email or store leads")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// Keep the terminal for the conversation.
	logCfg := cfg.Logging
	logCfg.Format = "text"
	if logCfg.Level == "" || logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger := newLogger(cmd, logCfg, os.Stderr)

	copilot.ResolveSecrets(cfg, logger)

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		cfg.Notify.Email.Host = ""
		cfg.Database.Enabled = false
	}

	assistant, err := copilot.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	con := console.New(cfg.Channels.Console)
	if err := assistant.ChannelManager().Register(con); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := assistant.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer assistant.Stop()

	fmt.Printf("%s (Ctrl+D to exit)\n\n", cfg.Name)

	select {
	case <-ctx.Done():
	case <-con.Done():
	}
	return nil
}
