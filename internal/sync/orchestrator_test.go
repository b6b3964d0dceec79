package sync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkarvo/lrsync/internal/drive"
	"github.com/jkarvo/lrsync/internal/lightroom"
	"github.com/jkarvo/lrsync/internal/tokenstore"
)

// fakeIterator yields a fixed item list. When honorCtx is set it stops as
// soon as the context is canceled, like the real paging iterator.
type fakeIterator struct {
	items    []drive.Item
	err      error
	honorCtx bool

	idx int
	cur drive.Item
}

func (it *fakeIterator) Next(ctx context.Context) bool {
	if it.honorCtx && ctx.Err() != nil {
		return false
	}

	if it.idx >= len(it.items) {
		return false
	}

	it.cur = it.items[it.idx]
	it.idx++

	return true
}

func (it *fakeIterator) Item() drive.Item { return it.cur }
func (it *fakeIterator) Err() error       { return it.err }

// fakeSource serves items and content streams, tracking per-item opens.
type fakeSource struct {
	mu sync.Mutex

	items    []drive.Item
	listErr  error
	honorCtx bool
	openErr  map[string]error
	opens    map[string]int
}

func (s *fakeSource) Children(_ string) ItemIterator {
	return &fakeIterator{items: s.items, err: s.listErr, honorCtx: s.honorCtx}
}

func (s *fakeSource) Open(_ context.Context, itemID string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opens == nil {
		s.opens = make(map[string]int)
	}

	s.opens[itemID]++

	if err := s.openErr[itemID]; err != nil {
		return nil, err
	}

	return io.NopCloser(strings.NewReader("content-of-" + itemID)), nil
}

func (s *fakeSource) openCount(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opens[itemID]
}

// fakeDest accepts uploads, optionally failing the first failLeft attempts
// per item name (negative means fail forever).
type fakeDest struct {
	mu sync.Mutex

	uploads  []string
	failLeft map[string]int
	failErr  map[string]error
	seq      int
}

func (d *fakeDest) Upload(_ context.Context, _, _ string, asset lightroom.Asset, content io.Reader) (string, error) {
	if content != nil {
		_, _ = io.Copy(io.Discard, content)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failLeft[asset.Name] != 0 {
		d.failLeft[asset.Name]--
		return "", d.failErr[asset.Name]
	}

	d.seq++
	d.uploads = append(d.uploads, asset.Name)

	return fmt.Sprintf("asset-%04d", d.seq), nil
}

func (d *fakeDest) uploadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.uploads)
}

// recordingObserver collects callbacks. The engine promises single-threaded
// delivery, so no locking.
type recordingObserver struct {
	started  []string
	finished []Outcome
	reports  []*Report
}

func (o *recordingObserver) ItemStarted(item drive.Item) { o.started = append(o.started, item.Name) }
func (o *recordingObserver) ItemFinished(out Outcome)    { o.finished = append(o.finished, out) }
func (o *recordingObserver) RunFinished(r *Report)       { o.reports = append(o.reports, r) }

func makeItems(n int) []drive.Item {
	items := make([]drive.Item, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, drive.Item{
			ID:         fmt.Sprintf("item-%d", i),
			Name:       fmt.Sprintf("photo-%d.jpg", i),
			MimeType:   "image/jpeg",
			Size:       100,
			ModifiedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		})
	}

	return items
}

func newTestOrchestrator(src Source, dest Destination, cfg Config, obs Observer) *Orchestrator {
	o := New(src, dest, cfg, obs, nil)
	o.retryBase = time.Millisecond

	return o
}

func outcomeByName(t *testing.T, report *Report, name string) Outcome {
	t.Helper()

	for _, out := range report.Outcomes {
		if out.Item.Name == name {
			return out
		}
	}

	t.Fatalf("no outcome for %q", name)

	return Outcome{}
}

func TestRun_AllItemsSucceed(t *testing.T) {
	src := &fakeSource{items: makeItems(5)}
	dest := &fakeDest{}
	obs := &recordingObserver{}

	o := newTestOrchestrator(src, dest, Config{Workers: 2}, obs)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err)

	assert.Equal(t, 5, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, int64(500), report.Bytes)
	require.Len(t, report.Outcomes, 5)

	for _, out := range report.Outcomes {
		assert.Equal(t, StatusSucceeded, out.Status)
		assert.NotEmpty(t, out.AssetID)
		assert.Equal(t, 1, out.Attempts)
		assert.Empty(t, out.Reason)
	}

	assert.Len(t, obs.started, 5)
	assert.Len(t, obs.finished, 5)
	require.Len(t, obs.reports, 1)
	assert.Same(t, report, obs.reports[0])
}

func TestRun_EmptyFolder(t *testing.T) {
	src := &fakeSource{}
	dest := &fakeDest{}

	o := newTestOrchestrator(src, dest, Config{}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err)

	assert.Empty(t, report.Outcomes)
	assert.Zero(t, dest.uploadCount())
}

func TestRun_PerItemFailureDoesNotAbort(t *testing.T) {
	src := &fakeSource{
		items: makeItems(4),
		openErr: map[string]error{
			"item-2": fmt.Errorf("fetching content: %w", drive.ErrNotFound),
		},
	}
	dest := &fakeDest{}

	o := newTestOrchestrator(src, dest, Config{Workers: 2}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err, "a per-item failure must not fail the run")

	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	out := outcomeByName(t, report, "photo-2.jpg")
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "not found")
	assert.Equal(t, 1, src.openCount("item-2"), "not-found is permanent and must not be retried")
}

func TestRun_UnsupportedMediaSkipped(t *testing.T) {
	src := &fakeSource{items: makeItems(3)}
	dest := &fakeDest{
		failLeft: map[string]int{"photo-3.jpg": -1},
		failErr:  map[string]error{"photo-3.jpg": fmt.Errorf("%w: application/pdf", lightroom.ErrUnsupportedMedia)},
	}

	o := newTestOrchestrator(src, dest, Config{}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)

	out := outcomeByName(t, report, "photo-3.jpg")
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, 1, out.Attempts, "unsupported media must not be retried")
}

func TestRun_TransientFailureRetriedWithFreshStream(t *testing.T) {
	src := &fakeSource{items: makeItems(1)}
	dest := &fakeDest{
		failLeft: map[string]int{"photo-1.jpg": 2},
		failErr:  map[string]error{"photo-1.jpg": lightroom.ErrServerError},
	}

	o := newTestOrchestrator(src, dest, Config{MaxAttempts: 3}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)

	out := report.Outcomes[0]
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, src.openCount("item-1"), "each attempt must re-open the content stream")
}

func TestRun_TransientRetriesExhausted(t *testing.T) {
	src := &fakeSource{items: makeItems(1)}
	dest := &fakeDest{
		failLeft: map[string]int{"photo-1.jpg": -1},
		failErr:  map[string]error{"photo-1.jpg": lightroom.ErrRateLimited},
	}

	o := newTestOrchestrator(src, dest, Config{MaxAttempts: 2}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err)

	out := report.Outcomes[0]
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.Reason, "rate limited")
}

func TestRun_QuotaExceededAbortsRun(t *testing.T) {
	src := &fakeSource{items: makeItems(3)}
	dest := &fakeDest{
		failLeft: map[string]int{"photo-2.jpg": -1},
		failErr:  map[string]error{"photo-2.jpg": lightroom.ErrQuotaExceeded},
	}

	o := newTestOrchestrator(src, dest, Config{Workers: 1}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, lightroom.ErrQuotaExceeded)
	assert.NotEmpty(t, report.FatalCause)

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, StatusSucceeded, outcomeByName(t, report, "photo-1.jpg").Status)
	assert.Equal(t, StatusFailed, outcomeByName(t, report, "photo-2.jpg").Status)

	aborted := outcomeByName(t, report, "photo-3.jpg")
	assert.Equal(t, StatusSkipped, aborted.Status)
	assert.Contains(t, aborted.Reason, "run aborted")
}

func TestRun_FatalErrorStopsEnumeration(t *testing.T) {
	src := &fakeSource{items: makeItems(100), honorCtx: true}
	dest := &fakeDest{
		failLeft: map[string]int{"photo-1.jpg": -1},
		failErr:  map[string]error{"photo-1.jpg": lightroom.ErrQuotaExceeded},
	}

	o := newTestOrchestrator(src, dest, Config{Workers: 1, QueueDepth: 1}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.Error(t, err)

	assert.Less(t, len(report.Outcomes), 100, "enumeration must stop once the run turns fatal")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, len(report.Outcomes)-1, report.Skipped)

	for _, out := range report.Outcomes {
		assert.True(t, out.Status.Terminal(), "every discovered item must reach a terminal status")
	}
}

func TestRun_AuthExpiredIsFatalAndNotRetried(t *testing.T) {
	src := &fakeSource{
		items: makeItems(1),
		openErr: map[string]error{
			"item-1": fmt.Errorf("obtaining token: %w", tokenstore.ErrAuthExpired),
		},
	}
	dest := &fakeDest{}

	o := newTestOrchestrator(src, dest, Config{MaxAttempts: 3}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, tokenstore.ErrAuthExpired)
	assert.Equal(t, 1, src.openCount("item-1"), "expired auth is permanent and must not be retried")
	assert.Equal(t, 1, report.Failed)
}

func TestRun_ListErrorReported(t *testing.T) {
	src := &fakeSource{
		items:   makeItems(2),
		listErr: fmt.Errorf("listing children: %w", drive.ErrServerError),
	}
	dest := &fakeDest{}

	o := newTestOrchestrator(src, dest, Config{}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, drive.ErrServerError)

	// Items yielded before the listing failure are still transferred.
	assert.Equal(t, 2, report.Succeeded)
}

func TestRun_DryRunTransfersNothing(t *testing.T) {
	src := &fakeSource{items: makeItems(3)}
	dest := &fakeDest{}

	o := newTestOrchestrator(src, dest, Config{DryRun: true}, nil)

	report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
	require.NoError(t, err)

	assert.Equal(t, 3, report.Skipped)
	assert.Zero(t, dest.uploadCount())
	assert.Empty(t, src.opens, "dry run must not open content streams")

	for _, out := range report.Outcomes {
		assert.Equal(t, "dry run", out.Reason)
	}
}

func TestRun_RepeatRunsUploadDuplicates(t *testing.T) {
	src := &fakeSource{items: makeItems(3)}
	dest := &fakeDest{}

	o := newTestOrchestrator(src, dest, Config{}, nil)

	for range 2 {
		report, err := o.Run(context.Background(), "folder-1", "cat-1", "alb-1")
		require.NoError(t, err)
		assert.Equal(t, 3, report.Succeeded)
	}

	// No dedup state: a second run re-uploads every item.
	assert.Equal(t, 6, dest.uploadCount())
}

func TestRun_CanceledContextDrainsQueue(t *testing.T) {
	src := &fakeSource{items: makeItems(4)}
	dest := &fakeDest{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(src, dest, Config{Workers: 2}, nil)

	report, err := o.Run(ctx, "folder-1", "cat-1", "alb-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, dest.uploadCount())

	for _, out := range report.Outcomes {
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Contains(t, out.Reason, "run aborted")
	}
}

func TestTransitionOK(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInFlight, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusSucceeded, false},
		{StatusInFlight, StatusSucceeded, true},
		{StatusInFlight, StatusFailed, true},
		{StatusInFlight, StatusSkipped, true},
		{StatusInFlight, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusInFlight, false},
		{StatusSkipped, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, transitionOK(tt.from, tt.to))
		})
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "in-flight", StatusInFlight.String())
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "skipped", StatusSkipped.String())

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInFlight.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(drive.ErrRateLimited))
	assert.True(t, isTransient(fmt.Errorf("wrapped: %w", lightroom.ErrServerError)))
	assert.False(t, isTransient(drive.ErrNotFound))
	assert.False(t, isTransient(lightroom.ErrQuotaExceeded))
	assert.False(t, isTransient(tokenstore.ErrAuthExpired))
}
