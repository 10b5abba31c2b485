package commands

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
)

// newSetupCmd creates `leadclaw setup`, the interactive configuration wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create config.yaml step by step. Credentials never go into the file:
they are stored in the OS keyring or in the encrypted vault, and the file
references them as ${VAR}.

Examples:
  leadclaw setup
  leadclaw setup --config /etc/leadclaw/config.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers collects what the wizard asks.
type setupAnswers struct {
	name     string
	channels []string

	accountSID  string
	authToken   string
	from        string
	webhookURL  string
	validateSig bool

	apiKey       string
	model        string
	voiceReplies bool

	smtpHost string
	smtpUser string
	smtpPass string
	mailFrom string
	mailTo   string

	gatewayAddr string
	storage     string
	vaultPass   string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	path = configPathOrDefault(path)

	if _, err := os.Stat(path); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
			Value(&overwrite).
			Run()
		if err != nil {
			return err
		}
		if !overwrite {
			return nil
		}
	}

	cfg := copilot.DefaultConfig()
	ans := setupAnswers{
		name:        cfg.Name,
		channels:    []string{"twilio"},
		validateSig: true,
		model:       cfg.Model,
		gatewayAddr: cfg.Gateway.Address,
		storage:     "keyring",
	}
	if !copilot.KeyringAvailable() {
		ans.storage = "vault"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&ans.name),
			huh.NewMultiSelect[string]().
				Title("Channels").
				Description("Twilio uses the WhatsApp Business API; whatsapp links a phone as a device.").
				Options(huh.NewOptions("twilio", "whatsapp", "console")...).
				Value(&ans.channels).
				Validate(func(v []string) error {
					if len(v) == 0 {
						return errors.New("pick at least one channel")
					}
					return nil
				}),
			huh.NewInput().Title("Gateway listen address").Value(&ans.gatewayAddr),
		),
		huh.NewGroup(
			huh.NewInput().Title("Twilio account SID").Placeholder("AC...").Value(&ans.accountSID).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "AC") {
						return errors.New("account SIDs start with AC")
					}
					return nil
				}),
			huh.NewInput().Title("Twilio auth token").EchoMode(huh.EchoModePassword).Value(&ans.authToken),
			huh.NewInput().Title("WhatsApp sender number").Placeholder("+14155238886").Value(&ans.from),
			huh.NewInput().Title("Public webhook URL (optional)").
				Description("The URL configured in the Twilio console, used to verify signatures behind proxies.").
				Placeholder("https://bot.example.com/whatsapp").
				Value(&ans.webhookURL),
			huh.NewConfirm().Title("Verify Twilio request signatures?").Value(&ans.validateSig),
		).WithHideFunc(func() bool { return !slices.Contains(ans.channels, "twilio") }),
		huh.NewGroup(
			huh.NewInput().Title("OpenAI-compatible API key (optional)").
				Description("Used to answer free-form questions. Leave empty to always send the apology.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.apiKey),
			huh.NewInput().Title("Model").Value(&ans.model),
			huh.NewConfirm().Title("Answer free-form questions with voice notes?").
				Description("Needs the WhatsApp Web channel. Other channels keep sending text.").
				Value(&ans.voiceReplies),
		),
		huh.NewGroup(
			huh.NewInput().Title("SMTP host (optional)").Description("Leads are emailed to sales when set.").
				Placeholder("smtp.example.com").Value(&ans.smtpHost),
			huh.NewInput().Title("SMTP username").Value(&ans.smtpUser),
			huh.NewInput().Title("SMTP password").EchoMode(huh.EchoModePassword).Value(&ans.smtpPass),
			huh.NewInput().Title("From address").Value(&ans.mailFrom).Validate(optionalAddress),
			huh.NewInput().Title("Sales inbox (comma separated)").Value(&ans.mailTo).Validate(optionalAddressList),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should credentials be stored?").
				Options(
					huh.NewOption("OS keyring", "keyring"),
					huh.NewOption("Encrypted vault file ("+copilot.VaultFile+")", "vault"),
					huh.NewOption("Nowhere, I will export environment variables", "env"),
				).
				Value(&ans.storage),
		),
		huh.NewGroup(
			huh.NewInput().Title("Vault password").EchoMode(huh.EchoModePassword).Value(&ans.vaultPass).
				Validate(func(s string) error {
					if len(s) < 8 {
						return errors.New("use at least 8 characters")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return ans.storage != "vault" }),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup aborted, nothing written.")
			return nil
		}
		return err
	}

	applySetupAnswers(cfg, ans)

	if err := copilot.SaveConfigToFile(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)

	stored, err := storeSetupSecrets(ans)
	if err != nil {
		return err
	}
	for _, name := range stored {
		fmt.Printf("  %s stored in the %s\n", name, ans.storage)
	}
	if ans.storage == "env" {
		fmt.Println("Export TWILIO_AUTH_TOKEN, OPENAI_API_KEY and LEADCLAW_SMTP_PASSWORD before running serve.")
	}

	fmt.Println()
	fmt.Println("Next: leadclaw serve")
	return nil
}

// applySetupAnswers copies the answers into cfg. Secrets become ${VAR}
// references; their values go to the keyring or vault.
func applySetupAnswers(cfg *copilot.Config, ans setupAnswers) {
	cfg.Name = strings.TrimSpace(ans.name)
	cfg.Channels.Enabled = ans.channels
	cfg.Gateway.Address = strings.TrimSpace(ans.gatewayAddr)
	cfg.Model = strings.TrimSpace(ans.model)

	tw := &cfg.Channels.Twilio
	tw.AccountSID = strings.TrimSpace(ans.accountSID)
	tw.AuthToken = secretRef("twilio_auth_token", ans.authToken)
	tw.From = strings.TrimSpace(ans.from)
	tw.WebhookURL = strings.TrimSpace(ans.webhookURL)
	tw.ValidateSignature = ans.validateSig

	cfg.API.APIKey = secretRef("api_key", ans.apiKey)
	cfg.Voice.Enabled = ans.voiceReplies

	mailCfg := &cfg.Notify.Email
	mailCfg.Host = strings.TrimSpace(ans.smtpHost)
	mailCfg.Username = strings.TrimSpace(ans.smtpUser)
	mailCfg.Password = secretRef("smtp_password", ans.smtpPass)
	mailCfg.From = strings.TrimSpace(ans.mailFrom)
	mailCfg.To = splitList(ans.mailTo)
}

func secretRef(name, value string) string {
	if value == "" {
		return ""
	}
	return "${" + copilot.VaultKeyFor(name) + "}"
}

// storeSetupSecrets saves the non-empty secrets and returns their names.
func storeSetupSecrets(ans setupAnswers) ([]string, error) {
	secrets := map[string]string{
		"twilio_auth_token": ans.authToken,
		"api_key":           ans.apiKey,
		"smtp_password":     ans.smtpPass,
	}

	var vault *copilot.Vault
	if ans.storage == "vault" {
		vault = copilot.NewVault(copilot.VaultFile)
		var err error
		if vault.Exists() {
			err = vault.Unlock(ans.vaultPass)
		} else {
			err = vault.Create(ans.vaultPass)
		}
		if err != nil {
			return nil, fmt.Errorf("opening vault: %w", err)
		}
		defer vault.Lock()
	}

	var stored []string
	for _, name := range copilot.SecretNames() {
		value := secrets[name]
		if value == "" {
			continue
		}
		switch ans.storage {
		case "keyring":
			if err := copilot.StoreSecret(name, value); err != nil {
				return stored, err
			}
		case "vault":
			if err := vault.Set(copilot.VaultKeyFor(name), value); err != nil {
				return stored, err
			}
		default:
			continue
		}
		stored = append(stored, name)
	}
	return stored, nil
}

func optionalAddress(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_, err := mail.ParseAddress(s)
	return err
}

func optionalAddressList(s string) error {
	for _, addr := range splitList(s) {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("%s: %w", addr, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
