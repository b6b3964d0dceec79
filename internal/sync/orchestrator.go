package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/jkarvo/lrsync/internal/drive"
	"github.com/jkarvo/lrsync/internal/lightroom"
	"github.com/jkarvo/lrsync/internal/tokenstore"
)

// Defaults applied when Config fields are zero.
const (
	defaultWorkers     = 4
	defaultQueueDepth  = 16
	defaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond
)

// errDryRun marks items that were enumerated but deliberately not
// transferred.
var errDryRun = errors.New("dry run")

// Config tunes one Orchestrator.
type Config struct {
	// Workers is the number of concurrent transfers.
	Workers int

	// QueueDepth bounds the dispatch queue between enumeration and the
	// workers. Enumeration blocks when the queue is full, so a slow
	// destination throttles source paging instead of buffering the whole
	// folder in memory.
	QueueDepth int

	// MaxAttempts is the number of tries per item, including the first.
	// Only transient failures are retried.
	MaxAttempts int

	// ImportedBy is the destination account id recorded on uploaded assets.
	ImportedBy string

	// DryRun enumerates and reports without transferring anything.
	DryRun bool
}

// Orchestrator runs source-folder to destination-album transfer runs. It
// overlaps enumeration with transfer through a bounded queue and a fixed
// worker pool, and tracks every discovered item to a terminal status.
type Orchestrator struct {
	source   Source
	dest     Destination
	observer Observer
	logger   *slog.Logger
	cfg      Config

	// retryBase is the initial per-item retry backoff. Tests shrink it.
	retryBase time.Duration
}

// New creates an Orchestrator. Zero Config fields take defaults; a nil
// observer means no progress callbacks.
func New(source Source, dest Destination, cfg Config, observer Observer, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if observer == nil {
		observer = NoopObserver{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		source:    source,
		dest:      dest,
		observer:  observer,
		logger:    logger,
		cfg:       cfg,
		retryBase: defaultRetryBase,
	}
}

// eventKind discriminates pipeline events sent to the run coordinator.
type eventKind int

const (
	evDiscovered eventKind = iota
	evStarted
	evFinished
	evAborted
	evListDone
)

type event struct {
	kind     eventKind
	rec      *TransferRecord
	attempts int
	assetID  string
	err      error
}

// Run transfers every item of the source folder into the destination album
// and returns a complete report. Every discovered item reaches a terminal
// status before Run returns, even when the run is aborted.
//
// A fatal error (expired authentication, destination storage quota) stops
// enumeration and dispatch immediately; transfers already in flight are
// allowed to finish, and queued items are marked skipped. Per-item errors
// mark only their item failed and the run continues. Run returns a non-nil
// error only for run-level failures; individual item failures are reported
// through the Report.
func (o *Orchestrator) Run(ctx context.Context, folderID, catalogID, albumID string) (*Report, error) {
	startedAt := time.Now()

	o.logger.Info("starting transfer run",
		slog.String("folder_id", folderID),
		slog.String("album_id", albumID),
		slog.Int("workers", o.cfg.Workers),
		slog.Bool("dry_run", o.cfg.DryRun),
	)

	prodCtx, stopProducing := context.WithCancel(ctx)
	defer stopProducing()

	work := make(chan *TransferRecord, o.cfg.QueueDepth)
	events := make(chan event)

	// Workers latch this on fatal errors so queued items drain to skipped
	// without waiting for the coordinator to catch up.
	var aborted atomic.Bool

	var fatalOnce stdsync.Once

	latchFatal := func() {
		fatalOnce.Do(func() {
			aborted.Store(true)
			stopProducing()
		})
	}

	var producerDone stdsync.WaitGroup

	producerDone.Add(1)

	go func() {
		defer producerDone.Done()
		defer close(work)

		it := o.source.Children(folderID)
		for it.Next(prodCtx) {
			rec := &TransferRecord{Item: it.Item(), Status: StatusPending}
			events <- event{kind: evDiscovered, rec: rec}

			select {
			case work <- rec:
			case <-prodCtx.Done():
				// Announced but never dispatched; the coordinator
				// terminalizes it as skipped.
				events <- event{kind: evAborted, rec: rec}
				return
			}
		}

		events <- event{kind: evListDone, err: it.Err()}
	}()

	var workers errgroup.Group

	for range o.cfg.Workers {
		workers.Go(func() error {
			for rec := range work {
				if aborted.Load() || ctx.Err() != nil {
					events <- event{kind: evAborted, rec: rec}
					continue
				}

				events <- event{kind: evStarted, rec: rec}

				assetID, attempts, err := o.transfer(ctx, rec.Item, catalogID, albumID)
				if err != nil && isFatal(err) {
					latchFatal()
				}

				events <- event{kind: evFinished, rec: rec, attempts: attempts, assetID: assetID, err: err}
			}

			return nil
		})
	}

	go func() {
		producerDone.Wait()
		_ = workers.Wait()
		close(events)
	}()

	// The coordinator is the sole mutator of records and the sole caller of
	// observer methods.
	var (
		records  []*TransferRecord
		fatalErr error
		listErr  error
	)

	for ev := range events {
		switch ev.kind {
		case evDiscovered:
			records = append(records, ev.rec)

		case evStarted:
			o.setStatus(ev.rec, StatusInFlight)
			o.observer.ItemStarted(ev.rec.Item)

		case evFinished:
			ev.rec.Attempts = ev.attempts

			switch {
			case ev.err == nil:
				ev.rec.AssetID = ev.assetID
				o.setStatus(ev.rec, StatusSucceeded)

			case errors.Is(ev.err, errDryRun):
				ev.rec.Reason = "dry run"
				o.setStatus(ev.rec, StatusSkipped)

			case errors.Is(ev.err, lightroom.ErrUnsupportedMedia):
				ev.rec.Reason = ev.err.Error()
				o.setStatus(ev.rec, StatusSkipped)

			default:
				ev.rec.Reason = ev.err.Error()
				o.setStatus(ev.rec, StatusFailed)

				if fatalErr == nil && isFatal(ev.err) {
					fatalErr = ev.err

					o.logger.Error("fatal error, aborting run",
						slog.String("item", ev.rec.Item.Name),
						slog.String("error", ev.err.Error()),
					)
				}
			}

			o.observer.ItemFinished(outcomeOf(ev.rec))

		case evAborted:
			ev.rec.Reason = abortReason(fatalErr, ctx)
			o.setStatus(ev.rec, StatusSkipped)
			o.observer.ItemFinished(outcomeOf(ev.rec))

		case evListDone:
			listErr = ev.err
		}
	}

	report := buildReport(records, startedAt)

	if fatalErr == nil && listErr != nil && isFatal(listErr) {
		fatalErr = listErr
	}

	if fatalErr != nil {
		report.FatalCause = fatalErr.Error()
	}

	o.observer.RunFinished(report)

	o.logger.Info("transfer run finished",
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Int64("bytes", report.Bytes),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)

	switch {
	case fatalErr != nil:
		return report, fatalErr
	case listErr != nil:
		return report, fmt.Errorf("listing folder %s: %w", folderID, listErr)
	case ctx.Err() != nil:
		return report, ctx.Err()
	}

	return report, nil
}

// transfer moves one item, retrying transient failures. The content stream
// is consumed by each upload attempt, so every retry re-opens the source
// item rather than rewinding. Returns the new asset id and the number of
// attempts made.
func (o *Orchestrator) transfer(ctx context.Context, item drive.Item, catalogID, albumID string) (string, int, error) {
	if o.cfg.DryRun {
		return "", 0, errDryRun
	}

	backoff := retry.WithMaxRetries(uint64(o.cfg.MaxAttempts-1), retry.NewExponential(o.retryBase))

	var (
		assetID  string
		attempts int
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		content, err := o.source.Open(ctx, item.ID)
		if err != nil {
			return retryableIfTransient(fmt.Errorf("fetching %q: %w", item.Name, err))
		}
		defer content.Close()

		id, err := o.dest.Upload(ctx, catalogID, albumID, o.assetFor(item), content)
		if err != nil {
			return retryableIfTransient(err)
		}

		assetID = id

		return nil
	})

	return assetID, attempts, err
}

// assetFor maps a source descriptor to the destination asset metadata.
func (o *Orchestrator) assetFor(item drive.Item) lightroom.Asset {
	return lightroom.Asset{
		Name:       item.Name,
		MimeType:   item.MimeType,
		Size:       item.Size,
		CapturedAt: item.ModifiedAt,
		ImportedBy: o.cfg.ImportedBy,
	}
}

// setStatus applies a status transition, enforcing the record lifecycle.
func (o *Orchestrator) setStatus(rec *TransferRecord, next Status) {
	if !transitionOK(rec.Status, next) {
		o.logger.Error("invalid status transition",
			slog.String("item", rec.Item.Name),
			slog.String("from", rec.Status.String()),
			slog.String("to", next.String()),
		)

		return
	}

	rec.Status = next
}

// transitionOK reports whether a record may move from one status to the
// next. Terminal statuses are never left; pending skips straight to
// skipped only when a run aborts before dispatch.
func transitionOK(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInFlight || to == StatusSkipped
	case StatusInFlight:
		return to.Terminal()
	default:
		return false
	}
}

// isFatal reports whether an error must abort the whole run: nothing that
// follows can succeed once authentication is gone or the destination is
// out of storage.
func isFatal(err error) bool {
	return errors.Is(err, tokenstore.ErrAuthExpired) ||
		errors.Is(err, lightroom.ErrQuotaExceeded)
}

// isTransient reports whether an error is worth another attempt with a
// fresh stream. The HTTP clients have already retried at their level, so
// this catches only pressure that outlasted their backoff.
func isTransient(err error) bool {
	return errors.Is(err, drive.ErrRateLimited) ||
		errors.Is(err, drive.ErrServerError) ||
		errors.Is(err, lightroom.ErrRateLimited) ||
		errors.Is(err, lightroom.ErrServerError)
}

// retryableIfTransient marks transient errors for the retry loop; all
// other errors end the item's attempts immediately.
func retryableIfTransient(err error) error {
	if isTransient(err) {
		return retry.RetryableError(err)
	}

	return err
}

// abortReason explains why a queued item was skipped.
func abortReason(fatalErr error, ctx context.Context) string {
	switch {
	case fatalErr != nil:
		return "run aborted: " + fatalErr.Error()
	case ctx.Err() != nil:
		return "run aborted: " + ctx.Err().Error()
	default:
		return "run aborted"
	}
}

// outcomeOf snapshots a record for observers and the report.
func outcomeOf(rec *TransferRecord) Outcome {
	return Outcome{
		Item:     rec.Item,
		Status:   rec.Status,
		Attempts: rec.Attempts,
		Reason:   rec.Reason,
		AssetID:  rec.AssetID,
	}
}

// buildReport aggregates terminal records in discovery order.
func buildReport(records []*TransferRecord, startedAt time.Time) *Report {
	report := &Report{
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Outcomes:   make([]Outcome, 0, len(records)),
	}

	for _, rec := range records {
		if !rec.Status.Terminal() {
			rec.Status = StatusSkipped
			rec.Reason = "run aborted"
		}

		report.Outcomes = append(report.Outcomes, outcomeOf(rec))

		switch rec.Status {
		case StatusSucceeded:
			report.Succeeded++
			report.Bytes += rec.Item.Size
		case StatusFailed:
			report.Failed++
		case StatusSkipped:
			report.Skipped++
		}
	}

	return report
}
