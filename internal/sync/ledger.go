package sync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Embed migration SQL files for schema versioning.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

const walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit

// Ledger is an append-only history of completed transfer runs, stored in
// an embedded SQLite database. It is written after a run finishes and read
// by the history command. It is never consulted during a run: the engine
// has no resume or dedup state, so every run uploads everything it finds.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// RunSummary is one row of run history.
type RunSummary struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	FolderID   string
	AlbumID    string
	Succeeded  int
	Failed     int
	Skipped    int
	Bytes      int64
	FatalCause string
}

// OpenLedger opens (creating if needed) the run history database at path,
// applying any pending schema migrations. Use ":memory:" for tests.
func OpenLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sync: creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sync: opening ledger: %w", err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger ready", slog.String("path", path))

	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sync: setting pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations to the database.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sync: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// RecordRun appends one completed run and its per-item outcomes to the
// history. Returns the new run id.
func (l *Ledger) RecordRun(ctx context.Context, folderID, albumID string, report *Report) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sync: beginning ledger transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (started_at, finished_at, folder_id, album_id,
		                   succeeded, failed, skipped, bytes, fatal_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.StartedAt.UTC().Format(time.RFC3339),
		report.FinishedAt.UTC().Format(time.RFC3339),
		folderID,
		albumID,
		report.Succeeded,
		report.Failed,
		report.Skipped,
		report.Bytes,
		report.FatalCause,
	)
	if err != nil {
		return 0, fmt.Errorf("sync: recording run: %w", err)
	}

	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sync: reading run id: %w", err)
	}

	for _, out := range report.Outcomes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_items (run_id, item_id, name, size, status, attempts, reason, asset_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID,
			out.Item.ID,
			out.Item.Name,
			out.Item.Size,
			out.Status.String(),
			out.Attempts,
			out.Reason,
			out.AssetID,
		)
		if err != nil {
			return 0, fmt.Errorf("sync: recording item %q: %w", out.Item.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sync: committing ledger transaction: %w", err)
	}

	l.logger.Debug("recorded run", slog.Int64("run_id", runID), slog.Int("items", len(report.Outcomes)))

	return runID, nil
}

// Runs returns the most recent runs, newest first, up to limit.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, folder_id, album_id,
		        succeeded, failed, skipped, bytes, fatal_cause
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary

	for rows.Next() {
		var r RunSummary

		var startedAt, finishedAt string

		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.FolderID, &r.AlbumID,
			&r.Succeeded, &r.Failed, &r.Skipped, &r.Bytes, &r.FatalCause); err != nil {
			return nil, fmt.Errorf("sync: scanning run: %w", err)
		}

		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating runs: %w", err)
	}

	return runs, nil
}

// RunItems returns the per-item outcomes of one run in recorded order.
func (l *Ledger) RunItems(ctx context.Context, runID int64) ([]Outcome, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT item_id, name, size, status, attempts, reason, asset_id
		 FROM run_items WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("sync: querying run items: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome

	for rows.Next() {
		var (
			out    Outcome
			status string
		)

		if err := rows.Scan(&out.Item.ID, &out.Item.Name, &out.Item.Size,
			&status, &out.Attempts, &out.Reason, &out.AssetID); err != nil {
			return nil, fmt.Errorf("sync: scanning run item: %w", err)
		}

		out.Status = parseStatus(status)
		outcomes = append(outcomes, out)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating run items: %w", err)
	}

	return outcomes, nil
}

// parseStatus is the inverse of Status.String for ledger rows.
func parseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "in-flight":
		return StatusInFlight
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "skipped":
		return StatusSkipped
	default:
		return StatusPending
	}
}
