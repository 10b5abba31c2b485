package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
)

// newConfigCmd creates `leadclaw config`.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the configuration",
		Long: `Inspect and manage the LeadClaw configuration.

Examples:
  leadclaw config init
  leadclaw config show
  leadclaw config path
  leadclaw config set-secret twilio_auth_token
  leadclaw config set-secret api_key --vault`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigPathCmd(),
		newConfigValidateCmd(),
		newConfigSetSecretCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			path = configPathOrDefault(path)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			cfg := copilot.DefaultConfig()
			cfg.API.APIKey = "${OPENAI_API_KEY}"
			cfg.Channels.Twilio.AccountSID = "${TWILIO_ACCOUNT_SID}"
			cfg.Channels.Twilio.AuthToken = "${TWILIO_AUTH_TOKEN}"
			cfg.Channels.Twilio.From = "${TWILIO_WHATSAPP_NUMBER}"
			if err := copilot.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Configuration created at %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(maskSecrets(cfg))
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print which configuration file is used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = copilot.FindConfigFile()
			}
			if path == "" {
				fmt.Println("(none, using defaults)")
				return nil
			}
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			fmt.Println(path)
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = "defaults"
			}
			fmt.Printf("%s: OK (%d categories, channels: %s)\n",
				path, len(cfg.Catalog.Categories), strings.Join(cfg.Channels.Enabled, ", "))
			return nil
		},
	}
}

func newConfigSetSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-secret <name>",
		Short: "Store a credential in the OS keyring or the vault",
		Long: `Store a credential outside the config file. Known names: ` +
			strings.Join(copilot.SecretNames(), ", ") + `.

The value is read without echo.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: copilot.SecretNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			value, err := copilot.ReadPassword(fmt.Sprintf("%s: ", name))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}

			if useVault, _ := cmd.Flags().GetBool("vault"); useVault {
				vault, err := openVault()
				if err != nil {
					return err
				}
				defer vault.Lock()
				if err := vault.Set(copilot.VaultKeyFor(name), value); err != nil {
					return err
				}
				fmt.Printf("%s stored in %s\n", name, vault.Path())
				return nil
			}

			if err := copilot.StoreSecret(name, value); err != nil {
				return err
			}
			fmt.Printf("%s stored in the OS keyring\n", name)
			return nil
		},
	}
	cmd.Flags().Bool("vault", false, "store in the encrypted vault instead of the keyring")
	return cmd
}

// maskSecrets returns a copy of cfg safe to print.
func maskSecrets(cfg *copilot.Config) *copilot.Config {
	out := *cfg
	for _, field := range []*string{
		&out.API.APIKey,
		&out.Channels.Twilio.AuthToken,
		&out.Notify.Email.Password,
		&out.Gateway.AuthToken,
		&out.Voice.ElevenLabs.APIKey,
	} {
		*field = mask(*field)
	}
	return &out
}

func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}
