// Package store declares the Store interface that separates the Lease
// Manager and Scale Monitor from the concrete database access in
// internal/reader. This mirrors how worker/lease.Manager is wired to a
// core/lease.Store rather than talking to sqlair itself: it lets both
// components be driven, in tests, by a fake that
// never touches a database.
package store

import (
	"context"
	"time"

	"github.com/ctrigger/ctrigger/core/change"
)

// Store is the database-backed operations the Lease Manager needs to poll
// for changes, renew and release leases, and advance GlobalVersionNumber.
// The Lease Manager calls one Store from its poll, renew and housekeep
// tasks concurrently and does not serialize those calls, so
// implementations must be safe for concurrent use.
type Store interface {
	// FetchBatch implements the Change Reader contract of spec §4.2: it
	// returns at most the configured BatchSize rows, ordered ascending by
	// version, and atomically acquires leases on them in the same
	// transaction it reads them in.
	FetchBatch(ctx context.Context) (change.Batch, error)

	// RenewLeases re-extends LeaseExpirationTime on every key in batch,
	// implementing the renew task's periodic re-stamp (spec §4.3).
	RenewLeases(ctx context.Context, batch change.Batch) error

	// ReleaseAndAdvance implements the two-transaction release-and-advance
	// protocol of spec §4.3: release leases on batch (guarded by the
	// VersionNumber monotonicity check), then advance GlobalVersionNumber
	// to newVersion if no unprocessed change remains at or below it, and
	// increment RowsProcessed by len(batch) with wrap detection.
	ReleaseAndAdvance(ctx context.Context, batch change.Batch, newVersion int64) error

	// ScaleStore provides the data the Scale Monitor samples: see its
	// declaration below. It is embedded here so a single concrete
	// implementation can satisfy both interfaces.
	ScaleStore

	// Housekeeper provides the housekeep task's liveness operations. It is
	// embedded here for the same reason ScaleStore is.
	Housekeeper
}

// ScaleStore is the narrower, read-only interface the Scale Monitor
// consumes (spec §4.4): it never claims or releases leases, and never
// writes change state.
type ScaleStore interface {
	// CurrentChanges counts rows in the database's change table. If
	// unprocessedOnly is true, it counts only rows not yet retired by
	// GlobalVersionNumber; otherwise it counts every row the change table
	// currently reports, matching spec §4.4 step 1's default.
	CurrentChanges(ctx context.Context, unprocessedOnly bool) (int64, error)

	// RowsProcessed returns GlobalState.RowsProcessed for this user table.
	RowsProcessed(ctx context.Context) (int64, error)

	// ActiveWorkerCount counts WorkerBatchSizes rows whose Timestamp falls
	// within the last within duration.
	ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error)
}

// Housekeeper is the narrow interface the Lease Manager's housekeep task
// consumes (spec §4.3 task 3 and invariant I5): pruning abandoned peers'
// liveness rows and refreshing this worker's own.
type Housekeeper interface {
	// ReportBatchSize upserts this worker's WorkerBatchSizes row, refreshing
	// its Timestamp.
	ReportBatchSize(ctx context.Context, size int) error

	// PruneAbandonedWorkers deletes WorkerBatchSizes rows whose Timestamp is
	// older than olderThan, implementing invariant I5.
	PruneAbandonedWorkers(ctx context.Context, olderThan time.Duration) error

	// Deregister deletes this worker's own WorkerBatchSizes row, run on
	// clean shutdown of the poll task (spec §4.3's failure-mode table).
	Deregister(ctx context.Context) error
}
