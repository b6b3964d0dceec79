// Package sync implements the transfer engine: it enumerates a source
// folder, fetches each item, and uploads it into the destination album
// through a bounded worker pool, with per-item retry and failure
// accounting. Enumeration and transfer overlap; the engine never
// materializes the full listing.
package sync

import (
	"context"
	"io"
	"time"

	"github.com/jkarvo/lrsync/internal/drive"
	"github.com/jkarvo/lrsync/internal/lightroom"
)

// Status is the lifecycle state of one TransferRecord.
type Status int

// Transfer statuses. A record moves pending -> in-flight -> terminal;
// terminal statuses are never left.
const (
	StatusPending Status = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// TransferRecord tracks one item's journey through the pipeline. Created
// when the item is discovered, mutated only by the run coordinator, and
// terminal once succeeded, failed, or skipped.
type TransferRecord struct {
	Item     drive.Item
	Status   Status
	Attempts int

	// Reason explains a failed or skipped status.
	Reason string

	// AssetID is the destination asset id after a successful upload.
	AssetID string
}

// Outcome is the immutable terminal view of a record, delivered to
// observers and collected in the Report.
type Outcome struct {
	Item     drive.Item
	Status   Status
	Attempts int
	Reason   string
	AssetID  string
}

// Report summarizes a completed run. Every discovered item appears in
// Outcomes with a terminal status; the engine never drops an item
// silently.
type Report struct {
	Succeeded int
	Failed    int
	Skipped   int

	// Bytes is the total content size of succeeded transfers, from the
	// source descriptors.
	Bytes int64

	// FatalCause is the error that aborted scheduling, if any.
	FatalCause string

	Outcomes []Outcome

	StartedAt  time.Time
	FinishedAt time.Time
}

// Observer receives progress callbacks from a run. Calls are made from a
// single coordinating goroutine, in order, so implementations need no
// locking.
type Observer interface {
	ItemStarted(item drive.Item)
	ItemFinished(outcome Outcome)
	RunFinished(report *Report)
}

// NoopObserver ignores all callbacks.
type NoopObserver struct{}

func (NoopObserver) ItemStarted(drive.Item) {}
func (NoopObserver) ItemFinished(Outcome)   {}
func (NoopObserver) RunFinished(*Report)    {}

// ItemIterator is the lazy listing sequence the engine consumes.
// drive.ChildIterator satisfies it.
type ItemIterator interface {
	Next(ctx context.Context) bool
	Item() drive.Item
	Err() error
}

// Source is the origin side of a transfer: folder enumeration plus
// per-item content streams. Defined here per "accept interfaces, return
// structs"; DriveSource adapts the real client.
type Source interface {
	Children(folderID string) ItemIterator
	Open(ctx context.Context, itemID string) (io.ReadCloser, error)
}

// Destination commits one item's bytes into an album and returns the new
// asset id. lightroom.Client satisfies it.
type Destination interface {
	Upload(ctx context.Context, catalogID, albumID string, asset lightroom.Asset, content io.Reader) (string, error)
}

// DriveSource adapts *drive.Client to the Source interface (the concrete
// iterator type prevents a direct match).
type DriveSource struct {
	Client *drive.Client
}

func (s DriveSource) Children(folderID string) ItemIterator {
	return s.Client.Children(folderID)
}

func (s DriveSource) Open(ctx context.Context, itemID string) (io.ReadCloser, error) {
	return s.Client.Open(ctx, itemID)
}
