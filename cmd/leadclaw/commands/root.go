// Package commands implements the LeadClaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/gateway"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	gateway.Version = version

	rootCmd := &cobra.Command{
		Use:   "leadclaw",
		Short: "LeadClaw - WhatsApp lead qualification assistant",
		Long: `LeadClaw answers WhatsApp prospects, walks them through a short
qualification flow (category, name, email, preferred visit time) and hands
every completed lead to the sales team.

Examples:
  leadclaw serve
  leadclaw serve --channel whatsapp
  leadclaw chat
  leadclaw leads --limit 20
  leadclaw config set-secret twilio_auth_token`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newVaultCmd(),
		newLeadsCmd(),
		newHealthCmd(),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
