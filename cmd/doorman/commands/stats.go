package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/doorman-ai/doorman/pkg/doorman/audit"
	"github.com/doorman-ai/doorman/pkg/doorman/storage"

	"github.com/spf13/cobra"
)

// newStatsCmd creates the `doorman stats` command showing daily gate
// counters and recent audit events.
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daily gate counters and recent audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			db, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			auditLog := audit.New(db, cfg.AuditRetentionDays, logger)
			defer auditLog.Close()

			day, _ := cmd.Flags().GetString("day")
			counts, err := auditLog.DailySnapshot(day)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DAY\tCHANNEL\tFIELD\tCOUNT")
			for _, c := range counts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Day, c.Channel, c.Field, c.Count)
			}
			tw.Flush()

			limit, _ := cmd.Flags().GetInt("events")
			if limit <= 0 {
				return nil
			}
			events, err := auditLog.Recent(limit)
			if err != nil {
				return err
			}
			fmt.Println()
			tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tCHANNEL\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.Channel, e.Payload)
			}
			tw.Flush()
			return nil
		},
	}

	cmd.Flags().String("day", "", "day to report (YYYY-MM-DD, default today)")
	cmd.Flags().Int("events", 20, "number of recent audit events to show (0 to skip)")
	return cmd
}
