package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/audit"
	"github.com/doorman-ai/doorman/pkg/doorman/storage"
	"github.com/doorman-ai/doorman/pkg/doorman/trust"
	"github.com/doorman-ai/doorman/pkg/doorman/worker"

	"github.com/spf13/cobra"
)

// newUsersCmd creates the `doorman users` command group for managing
// trust lists from the terminal.
func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage allowed, pending and blocked senders",
		Long: `Inspect and change the trust classification of senders.

Examples:
  doorman users pending --channel telegram
  doorman users approve --channel telegram 123456789
  doorman users block --channel whatsapp 5511999999999@s.whatsapp.net --reason spam
  doorman users restore --channel discord 987654321`,
	}

	cmd.PersistentFlags().String("channel", "", "channel the sender belongs to (required)")

	cmd.AddCommand(
		newUsersListCmd("pending"),
		newUsersListCmd("allowed"),
		newUsersListCmd("blocked"),
		newUsersActionCmd("approve"),
		newUsersActionCmd("block"),
		newUsersActionCmd("restore"),
	)
	return cmd
}

func newUsersListCmd(kind string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: fmt.Sprintf("List %s senders on a channel", kind),
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, err := requireChannel(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			ctrl, cleanup, err := openController(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			switch kind {
			case "pending":
				entries, err := ctrl.ListPending(ctx, channel, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "SENDER\tUSERNAME\tMESSAGES\tFIRST SEEN\tLAST SEEN")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						e.SenderID, e.Username, e.Count,
						formatTime(e.FirstSeenAt), formatTime(e.LastSeenAt))
				}
			case "allowed":
				entries, err := ctrl.ListAllowed(ctx, channel, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "SENDER\tLABEL\tMESSAGES\tADDED\tLAST SEEN")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						e.SenderID, e.Label, e.MessageCount,
						formatTime(e.AddedAt), formatTime(e.LastSeenAt))
				}
			case "blocked":
				entries, err := ctrl.ListBlocked(ctx, channel, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "SENDER\tREASON\tBLOCKED AT")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\n",
						e.SenderID, e.Reason, formatTime(e.BlockedAt))
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 100, "maximum entries to list")
	return cmd
}

func newUsersActionCmd(action string) *cobra.Command {
	var short string
	switch action {
	case "approve":
		short = "Approve a sender: their messages reach the assistant"
	case "block":
		short = "Block a sender: their messages are silently dropped"
	case "restore":
		short = "Unblock a sender: their next message lands in pending again"
	}

	cmd := &cobra.Command{
		Use:   action + " <sender-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, err := requireChannel(cmd)
			if err != nil {
				return err
			}

			ctrl, cleanup, err := openController(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			sender := trust.Sender{Channel: channel, ID: args[0]}
			ctx := cmd.Context()

			switch action {
			case "approve":
				err = ctrl.Approve(ctx, sender)
			case "block":
				reason, _ := cmd.Flags().GetString("reason")
				err = ctrl.Block(ctx, sender, reason)
			case "restore":
				err = ctrl.Restore(ctx, sender)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s on %s\n", action, args[0], channel)
			return nil
		},
	}
	if action == "block" {
		cmd.Flags().String("reason", "manual", "reason recorded with the block")
	}
	return cmd
}

// openController opens the database and builds a controller with no
// workers, enough for trust list operations from the CLI.
func openController(cmd *cobra.Command) (*worker.Controller, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, cfg)

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	auditLog := audit.New(db, cfg.AuditRetentionDays, logger)
	store := trust.NewStore(db, cfg.Gate.PendingCap, logger)
	ctrl := worker.NewController(store, trust.NewTracker(), auditLog, logger)

	cleanup := func() {
		auditLog.Close()
		db.Close()
	}
	return ctrl, cleanup, nil
}

func requireChannel(cmd *cobra.Command) (string, error) {
	channel, _ := cmd.Flags().GetString("channel")
	if channel == "" {
		return "", fmt.Errorf("--channel is required")
	}
	return channel, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
