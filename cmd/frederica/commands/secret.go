package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fredericabot/frederica/pkg/frederica/config"
)

var knownSecretKeys = []string{
	config.KeyLLMAPIKey,
	config.KeyCorpSecret,
	config.KeyCallbackToken,
	config.KeyEncodingAESKey,
}

// newSecretCmd creates the `frederica secret` command group for managing
// credentials in the OS keyring.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials in the OS keyring",
		Long: `Store credentials in the operating system keyring so they never
sit in config.yaml or .env as plaintext.

Known keys:
  llm_api_key, wecom_corp_secret, wecom_token, wecom_encoding_aes_key

Examples:
  frederica secret set llm_api_key
  frederica secret delete wecom_corp_secret
  frederica secret check`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd(), newSecretCheckCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret (prompted, not echoed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key := args[0]
			if !isKnownSecretKey(key) {
				return fmt.Errorf("unknown secret key %q (known: %v)", key, knownSecretKeys)
			}
			value, err := config.ReadSecretPrompt(fmt.Sprintf("Value for %s: ", key))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := config.StoreKeyring(key, value); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Printf("Stored %s in the OS keyring.\n", key)
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := config.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Printf("Deleted %s from the OS keyring.\n", args[0])
			return nil
		},
	}
}

func newSecretCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check keyring availability and which secrets are set",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				fmt.Fprintln(os.Stderr, "OS keyring is NOT available on this system.")
				return nil
			}
			fmt.Println("OS keyring is available.")
			for _, key := range knownSecretKeys {
				state := "not set"
				if config.GetKeyring(key) != "" {
					state = "set"
				}
				fmt.Printf("  %-24s %s\n", key, state)
			}
			return nil
		},
	}
}

func isKnownSecretKey(key string) bool {
	for _, k := range knownSecretKeys {
		if k == key {
			return true
		}
	}
	return false
}
