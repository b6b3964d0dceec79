package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkarvo/lrsync/internal/sync"
)

var flagHistoryLimit int

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past transfer runs",
		Long: `Show past transfer runs from the local ledger. With a run id, show the
per-item outcomes of that run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "maximum number of runs to show")

	return cmd
}

func runHistory(_ *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := context.Background()

	ledger, err := sync.OpenLedger(resolvedCfg.ResolvedLedgerPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if len(args) == 1 {
		runID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}

		return printRunItems(ctx, ledger, runID)
	}

	return printRuns(ctx, ledger)
}

type historyRunOutput struct {
	ID         int64  `json:"id"`
	StartedAt  string `json:"started_at"`
	FolderID   string `json:"folder_id"`
	AlbumID    string `json:"album_id"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Bytes      int64  `json:"bytes"`
	FatalCause string `json:"fatal_cause,omitempty"`
}

func printRuns(ctx context.Context, ledger *sync.Ledger) error {
	runs, err := ledger.Runs(ctx, flagHistoryLimit)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]historyRunOutput, 0, len(runs))
		for _, r := range runs {
			out = append(out, historyRunOutput{
				ID:         r.ID,
				StartedAt:  r.StartedAt.Format(time.RFC3339),
				FolderID:   r.FolderID,
				AlbumID:    r.AlbumID,
				Succeeded:  r.Succeeded,
				Failed:     r.Failed,
				Skipped:    r.Skipped,
				Bytes:      r.Bytes,
				FatalCause: r.FatalCause,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		result := fmt.Sprintf("%d ok / %d failed / %d skipped", r.Succeeded, r.Failed, r.Skipped)
		if r.FatalCause != "" {
			result += " (aborted)"
		}

		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			formatTime(r.StartedAt),
			r.FolderID,
			r.AlbumID,
			result,
			formatSize(r.Bytes),
		})
	}

	printTable(os.Stdout, []string{"ID", "STARTED", "FOLDER", "ALBUM", "RESULT", "SIZE"}, rows)

	return nil
}

func printRunItems(ctx context.Context, ledger *sync.Ledger, runID int64) error {
	items, err := ledger.RunItems(ctx, runID)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]reportOutItem, 0, len(items))
		for _, o := range items {
			out = append(out, reportOutItem{
				Name:     o.Item.Name,
				Status:   o.Status.String(),
				Attempts: o.Attempts,
				Reason:   o.Reason,
				AssetID:  o.AssetID,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	rows := make([][]string, 0, len(items))
	for _, o := range items {
		rows = append(rows, []string{
			o.Item.Name,
			o.Status.String(),
			strconv.Itoa(o.Attempts),
			formatSize(o.Item.Size),
			o.Reason,
		})
	}

	printTable(os.Stdout, []string{"NAME", "STATUS", "ATTEMPTS", "SIZE", "REASON"}, rows)

	return nil
}
