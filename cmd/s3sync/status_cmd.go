package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/alexjbarnes/s3sync/internal/config"
	"github.com/alexjbarnes/s3sync/internal/state"
)

// statusOpenTimeout bounds the wait for the journal when a running
// client holds it.
const statusOpenTimeout = time.Second

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last reconciliation and recent transfers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			journal, err := state.OpenReadOnly(cfg.JournalPath(), statusOpenTimeout)
			if err != nil {
				return err
			}
			defer journal.Close()

			return printStatus(cmd.OutOrStdout(), journal, limit, time.Now())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent transfers to show")

	return cmd
}

type statusSource interface {
	Reconciliation() (*state.Reconciliation, error)
	RecentTransfers(limit int) ([]state.Transfer, error)
}

func printStatus(w io.Writer, src statusSource, limit int, now time.Time) error {
	r, err := src.Reconciliation()
	if err != nil {
		return err
	}

	if r == nil {
		fmt.Fprintln(w, "No reconciliation recorded yet.")
	} else {
		fmt.Fprintf(w, "Last reconciliation: %s (took %s)\n",
			humanize.RelTime(r.StartedAt, now, "ago", "from now"), r.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "  uploaded %d, downloaded %d, deleted %d, failed %d\n",
			r.Uploaded, r.Downloaded, r.Deleted, r.Failed)
	}

	transfers, err := src.RecentTransfers(limit)
	if err != nil {
		return err
	}

	if len(transfers) == 0 {
		return nil
	}

	fmt.Fprintln(w, "\nRecent transfers:")

	for _, t := range transfers {
		fmt.Fprintf(w, "  %-13s %-9s %s  %s\n",
			t.Op, humanize.IBytes(uint64(max(t.Size, 0))), humanize.RelTime(t.At, now, "ago", "from now"), t.Key)
	}

	return nil
}
