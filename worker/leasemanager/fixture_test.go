package leasemanager_test

import (
	"context"
	"sync"
	"time"

	"github.com/ctrigger/ctrigger/core/change"
)

// fakeStore is a hand-rolled core/store.Store, in the spirit of
// internal/worker/lease's own fixture Store: it records calls and returns
// canned or callback-driven responses, with no database involved.
type fakeStore struct {
	mu sync.Mutex

	batches          []change.Batch // successive FetchBatch results; last one repeats
	fetchN           int
	renewed          []change.Batch
	released         []releaseCall
	batchSizeReports []int
	pruned           int
	deregistered     bool

	renewErr error
	fetchErr error
}

type releaseCall struct {
	batch      change.Batch
	newVersion int64
}

func (f *fakeStore) FetchBatch(ctx context.Context) (change.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.fetchN >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.fetchN]
	f.fetchN++
	return b, nil
}

func (f *fakeStore) RenewLeases(ctx context.Context, batch change.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return f.renewErr
	}
	f.renewed = append(f.renewed, batch)
	return nil
}

func (f *fakeStore) ReleaseAndAdvance(ctx context.Context, batch change.Batch, newVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, releaseCall{batch, newVersion})
	return nil
}

func (f *fakeStore) CurrentChanges(ctx context.Context, unprocessedOnly bool) (int64, error) {
	return 0, nil
}

func (f *fakeStore) RowsProcessed(ctx context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeStore) ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) ReportBatchSize(ctx context.Context, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSizeReports = append(f.batchSizeReports, size)
	return nil
}

func (f *fakeStore) PruneAbandonedWorkers(ctx context.Context, olderThan time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return nil
}

func (f *fakeStore) Deregister(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = true
	return nil
}

func (f *fakeStore) releasedCalls() []releaseCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]releaseCall, len(f.released))
	copy(out, f.released)
	return out
}

func (f *fakeStore) isDeregistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deregistered
}

// fakeHandler counts invocations and can be configured to block until
// released, to fail, or to observe cancellation.
type fakeHandler struct {
	mu        sync.Mutex
	calls     []change.Batch
	err       error
	block     chan struct{}
	cancelled bool
}

func (h *fakeHandler) Handle(ctx context.Context, batch change.Batch) error {
	h.mu.Lock()
	h.calls = append(h.calls, batch)
	block := h.block
	err := h.err
	h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			h.mu.Lock()
			h.cancelled = true
			h.mu.Unlock()
			return ctx.Err()
		}
	}
	return err
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}
