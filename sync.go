package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkarvo/lrsync/internal/drive"
	"github.com/jkarvo/lrsync/internal/sync"
	"github.com/jkarvo/lrsync/internal/tokenstore"
)

// errItemsFailed signals a completed run with per-item failures. main()
// turns it into exit code 1 without the generic error banner.
var errItemsFailed = errors.New("some items failed to transfer")

// Sync command flags.
var (
	flagSyncFolder  string
	flagSyncAlbum   string
	flagSyncWorkers int
	flagSyncDryRun  bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync --folder <id> --album <id>",
		Short: "Copy a Drive folder's contents into a Lightroom album",
		Long: `Copy every image and video in a Google Drive folder into an Adobe
Lightroom album. Folders and Google-native documents are skipped. There is
no change detection: every run uploads everything it finds, so re-running
against the same album creates duplicate assets.`,
		RunE: runSync,
	}

	cmd.Flags().StringVar(&flagSyncFolder, "folder", "", "source Drive folder id (see 'lrsync folders')")
	cmd.Flags().StringVar(&flagSyncAlbum, "album", "", "destination Lightroom album id (see 'lrsync albums')")
	cmd.Flags().IntVar(&flagSyncWorkers, "workers", 0, "concurrent transfers (default from config)")
	cmd.Flags().BoolVar(&flagSyncDryRun, "dry-run", false, "enumerate without transferring")

	_ = cmd.MarkFlagRequired("folder")
	_ = cmd.MarkFlagRequired("album")

	return cmd
}

func runSync(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	// Interrupt stops dispatch; transfers already in flight drain first.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}

	httpc := streamingHTTPClient()
	dc := newDriveClient(httpc, store, resolvedCfg, logger)
	lr := newLightroomClient(httpc, store, resolvedCfg, logger)

	// Resolve both sides before starting so bad ids and dead sessions fail
	// fast instead of mid-run.
	folder, err := dc.Folder(ctx, flagSyncFolder)
	if err != nil {
		return friendlyAuthError(fmt.Errorf("source folder: %w", err))
	}

	catalogID, err := resolveCatalogID(ctx, store, lr, tokenPath(resolvedCfg, tokenstore.ProviderLightroom), logger)
	if err != nil {
		return friendlyAuthError(err)
	}

	acct, err := lr.GetAccount(ctx)
	if err != nil {
		return friendlyAuthError(fmt.Errorf("destination account: %w", err))
	}

	workers := resolvedCfg.Transfers.Workers
	if flagSyncWorkers > 0 {
		workers = flagSyncWorkers
	}

	statusf("Transferring %q -> album %s (%d workers)\n", folder.Name, flagSyncAlbum, workers)

	engine := sync.New(
		sync.DriveSource{Client: dc},
		lr,
		sync.Config{
			Workers:     workers,
			QueueDepth:  resolvedCfg.Transfers.QueueDepth,
			MaxAttempts: resolvedCfg.Transfers.MaxAttempts,
			ImportedBy:  acct.ID,
			DryRun:      flagSyncDryRun,
		},
		&progressObserver{},
		logger,
	)

	report, runErr := engine.Run(ctx, flagSyncFolder, catalogID, flagSyncAlbum)

	if report != nil {
		recordRun(ctx, report, logger)
		printReport(report)
	}

	switch {
	case runErr != nil:
		return friendlyAuthError(runErr)
	case report != nil && report.Failed > 0:
		return errItemsFailed
	}

	return nil
}

// recordRun appends the run to the transfer ledger. History is best-effort;
// a ledger problem never fails a run that already happened.
func recordRun(ctx context.Context, report *sync.Report, logger *slog.Logger) {
	ledger, err := sync.OpenLedger(resolvedCfg.ResolvedLedgerPath(), logger)
	if err != nil {
		logger.Warn("could not open transfer ledger", "error", err.Error())
		return
	}
	defer ledger.Close()

	if _, err := ledger.RecordRun(ctx, flagSyncFolder, flagSyncAlbum, report); err != nil {
		logger.Warn("could not record run in ledger", "error", err.Error())
	}
}

// progressObserver prints one line per finished item.
type progressObserver struct{}

func (progressObserver) ItemStarted(drive.Item) {}

func (progressObserver) ItemFinished(out sync.Outcome) {
	switch out.Status {
	case sync.StatusSucceeded:
		statusf("  ok    %s (%s)\n", out.Item.Name, formatSize(out.Item.Size))
	case sync.StatusFailed:
		statusf("  FAIL  %s: %s\n", out.Item.Name, out.Reason)
	case sync.StatusSkipped:
		statusf("  skip  %s: %s\n", out.Item.Name, out.Reason)
	}
}

func (progressObserver) RunFinished(*sync.Report) {}

// reportOutput is the JSON schema for `sync --json`.
type reportOutput struct {
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Bytes      int64           `json:"bytes"`
	Duration   string          `json:"duration"`
	FatalCause string          `json:"fatal_cause,omitempty"`
	Items      []reportOutItem `json:"items"`
}

type reportOutItem struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
	AssetID  string `json:"asset_id,omitempty"`
}

func printReport(report *sync.Report) {
	if flagJSON {
		out := reportOutput{
			Succeeded:  report.Succeeded,
			Failed:     report.Failed,
			Skipped:    report.Skipped,
			Bytes:      report.Bytes,
			Duration:   formatDuration(report.FinishedAt.Sub(report.StartedAt)),
			FatalCause: report.FatalCause,
			Items:      make([]reportOutItem, 0, len(report.Outcomes)),
		}

		for _, o := range report.Outcomes {
			out.Items = append(out.Items, reportOutItem{
				Name:     o.Item.Name,
				Status:   o.Status.String(),
				Attempts: o.Attempts,
				Reason:   o.Reason,
				AssetID:  o.AssetID,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: encoding report: %v\n", err)
		}

		return
	}

	fmt.Printf("\n%d succeeded, %d failed, %d skipped (%s in %s)\n",
		report.Succeeded, report.Failed, report.Skipped,
		formatSize(report.Bytes), formatDuration(report.FinishedAt.Sub(report.StartedAt)))

	if report.FatalCause != "" {
		fmt.Printf("Run aborted: %s\n", report.FatalCause)
	}
}
