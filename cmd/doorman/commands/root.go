// Package commands implements the Doorman CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "doorman",
		Short: "Doorman - inbound trust gate for your personal assistant",
		Long: `Doorman sits between your chat platforms (WhatsApp, Telegram, Discord)
and your assistant backend. Strangers land in a pending queue, spammers
get auto-blocked, and only senders you approve ever reach the assistant.

Examples:
  doorman serve
  doorman users pending --channel telegram
  doorman users approve --channel telegram 123456789
  doorman secret set telegram_bot_token`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newUsersCmd(),
		newSecretCmd(),
		newStatsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
