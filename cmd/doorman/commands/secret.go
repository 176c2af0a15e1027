package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/doorman-ai/doorman/pkg/doorman/config"

	"github.com/spf13/cobra"
)

// secretKeys are the keyring entries Doorman knows how to resolve.
var secretKeys = []string{
	"telegram_bot_token",
	"discord_bot_token",
	"relay_api_key",
}

// newSecretCmd creates the `doorman secret` command group for storing
// credentials in the OS keyring instead of plaintext config.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Store channel credentials in the OS keyring",
		Long: `Manage secrets in the operating system keyring. Secrets stored here
are picked up automatically when the matching environment variable and
config value are absent.

Known keys: ` + strings.Join(secretKeys, ", ") + `

Examples:
  doorman secret set telegram_bot_token
  doorman secret delete discord_bot_token`,
	}

	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>",
		Short: "Read a secret from stdin and store it in the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !knownSecret(key) {
				return fmt.Errorf("unknown secret key %q (known: %s)", key, strings.Join(secretKeys, ", "))
			}

			fmt.Fprintf(os.Stderr, "Enter value for %s: ", key)
			reader := bufio.NewReader(os.Stdin)
			value, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("empty secret")
			}

			if err := config.StoreKeyring(key, value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Printf("stored %s in keyring\n", key)
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
				return fmt.Errorf("deleting secret: %w", err)
			}
			fmt.Printf("deleted %s from keyring\n", args[0])
			return nil
		},
	}
}

func knownSecret(key string) bool {
	for _, k := range secretKeys {
		if k == key {
			return true
		}
	}
	return false
}
