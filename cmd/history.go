package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/plantid/internal/history"
)

var historyLimit int

// historyReader is the read side of the history store.
type historyReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Get(ctx context.Context, id string) (*history.Entry, error)
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List recent identifications, or show one by ID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("history"); err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeFn, err := openHistoryStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		return writeHistory(ctx, cmd.OutOrStdout(), store, args, historyLimit)
	},
}

// writeHistory prints one entry as JSON when args names an ID, otherwise a
// table of the most recent entries.
func writeHistory(ctx context.Context, w io.Writer, store historyReader, args []string, limit int) error {
	if len(args) == 1 {
		e, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}

	entries, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTOP\tCONFIDENCE\tCANDIDATES\tDEGRADED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\t%t\n",
			e.ID, e.CreatedAt.Format(time.RFC3339), e.TopName, e.TopConfidence, e.CandidateCount, e.Degraded)
	}
	return tw.Flush()
}

var historyMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the history tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("history"); err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeFn, err := openHistoryStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "history tables ready")
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries to show")
	historyCmd.AddCommand(historyMigrateCmd)
	rootCmd.AddCommand(historyCmd)
}
