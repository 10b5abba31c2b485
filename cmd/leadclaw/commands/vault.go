package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
)

// newVaultCmd creates `leadclaw vault`, the encrypted secret store.
func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secret vault",
		Long: `The vault keeps credentials in ` + copilot.VaultFile + `, encrypted with
AES-256-GCM under a key derived from your password with Argon2id. Set
LEADCLAW_VAULT_PASSWORD to unlock it without a prompt when serving.

Examples:
  leadclaw vault init
  leadclaw vault set twilio_auth_token
  leadclaw vault list`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create a new vault",
			Args:  cobra.NoArgs,
			RunE:  runVaultInit,
		},
		&cobra.Command{
			Use:       "set <name>",
			Short:     "Store a secret in the vault",
			Args:      cobra.ExactArgs(1),
			ValidArgs: copilot.SecretNames(),
			RunE:      runVaultSet,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			Args:  cobra.NoArgs,
			RunE:  runVaultList,
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret from the vault",
			Args:  cobra.ExactArgs(1),
			RunE:  runVaultDelete,
		},
		&cobra.Command{
			Use:   "change-password",
			Short: "Re-encrypt the vault under a new password",
			Args:  cobra.NoArgs,
			RunE:  runVaultChangePassword,
		},
	)
	return cmd
}

func runVaultInit(_ *cobra.Command, _ []string) error {
	vault := copilot.NewVault(copilot.VaultFile)
	if vault.Exists() {
		return fmt.Errorf("vault already exists at %s", vault.Path())
	}
	password, err := readNewPassword()
	if err != nil {
		return err
	}
	if err := vault.Create(password); err != nil {
		return err
	}
	fmt.Printf("Vault created at %s\n", vault.Path())
	return nil
}

func runVaultSet(_ *cobra.Command, args []string) error {
	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Lock()

	value, err := copilot.ReadPassword(fmt.Sprintf("%s: ", args[0]))
	if err != nil {
		return err
	}
	if value == "" {
		return errors.New("empty value, nothing stored")
	}
	key := copilot.VaultKeyFor(args[0])
	if err := vault.Set(key, value); err != nil {
		return err
	}
	fmt.Printf("%s stored\n", key)
	return nil
}

func runVaultList(_ *cobra.Command, _ []string) error {
	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Lock()

	names := vault.List()
	if len(names) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runVaultDelete(_ *cobra.Command, args []string) error {
	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Lock()

	key := copilot.VaultKeyFor(args[0])
	if err := vault.Delete(key); err != nil {
		return err
	}
	fmt.Printf("%s deleted\n", key)
	return nil
}

func runVaultChangePassword(_ *cobra.Command, _ []string) error {
	vault, err := openVault()
	if err != nil {
		return err
	}
	defer vault.Lock()

	password, err := readNewPassword()
	if err != nil {
		return err
	}
	if err := vault.ChangePassword(password); err != nil {
		return err
	}
	fmt.Println("Vault password changed")
	return nil
}

// openVault unlocks the vault with a prompted password.
func openVault() (*copilot.Vault, error) {
	vault := copilot.NewVault(copilot.VaultFile)
	if !vault.Exists() {
		return nil, fmt.Errorf("no vault at %s, run 'leadclaw vault init' first", vault.Path())
	}
	password, err := copilot.ReadPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}

func readNewPassword() (string, error) {
	password, err := copilot.ReadPassword("New vault password: ")
	if err != nil {
		return "", err
	}
	if len(password) < 8 {
		return "", errors.New("password must have at least 8 characters")
	}
	confirm, err := copilot.ReadPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if confirm != password {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}
