// Package scale implements the Scale Monitor: an independent, read-only
// observer that samples unprocessed-change count and worker throughput to
// recommend growing or shrinking a worker fleet. It never claims or
// releases a lease, and never writes change state.
package scale

import (
	"context"
	"math"
	"time"

	"github.com/juju/errors"

	"github.com/ctrigger/ctrigger/core/ctrigger"
	"github.com/ctrigger/ctrigger/core/store"
)

// uninitialized marks a Monitor that has not yet completed a first
// Heartbeat, so it has no delta to compute from.
const uninitialized = int64(-1)

// Action is the Scale Monitor's recommendation to a fleet controller.
type Action int

const (
	// None recommends no change in fleet size.
	None Action = iota
	// AddWorker recommends growing the fleet by one worker.
	AddWorker
	// RemoveWorker recommends this worker shut down.
	RemoveWorker
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case AddWorker:
		return "AddWorker"
	case RemoveWorker:
		return "RemoveWorker"
	default:
		return "None"
	}
}

// Recommendation is the result of one Heartbeat call.
type Recommendation struct {
	Action Action
	// KeepAlive reports whether this worker should continue running
	// regardless of Action; only RemoveWorker ever sets it false.
	KeepAlive bool
	// Reason is a human-readable explanation, for logging and Report.
	Reason string
	// NewChanges is the change in CurrentChanges since the previous
	// Heartbeat. It is 0 on the first Heartbeat, when there is no prior
	// sample to compare against.
	NewChanges int64
	// NewRowsProcessed is the change in RowsProcessed since the previous
	// Heartbeat, corrected for GlobalState.RowsProcessed wraparound. It is
	// 0 on the first Heartbeat.
	NewRowsProcessed int64
}

// Monitor implements spec §4.4's sampling algorithm against a
// core/store.ScaleStore. It is stateful within a process (it remembers
// the previous sample to compute a delta) and carries no state across
// process boundaries.
type Monitor struct {
	store     store.ScaleStore
	batchSize int

	lastChanges       int64
	lastRowsProcessed int64
}

// New returns a Monitor sampling s, using batchSize as the per-worker
// capacity unit in its unused-capacity calculation.
func New(s store.ScaleStore, batchSize int) *Monitor {
	return &Monitor{
		store:             s,
		batchSize:         batchSize,
		lastChanges:       uninitialized,
		lastRowsProcessed: uninitialized,
	}
}

// Heartbeat implements the algorithm of spec §4.4. unprocessedOnly selects
// whether CurrentChanges counts every row in the change table or only
// those not yet retired by GlobalVersionNumber; pollingInterval bounds how
// recent a WorkerBatchSizes row must be to count as an active worker.
func (m *Monitor) Heartbeat(ctx context.Context, unprocessedOnly bool, pollingInterval time.Duration) (Recommendation, error) {
	currentChanges, err := m.store.CurrentChanges(ctx, unprocessedOnly)
	if err != nil {
		if errors.Is(err, ctrigger.ErrTransient) {
			return Recommendation{Action: None, KeepAlive: true, Reason: "could not read current change count"}, nil
		}
		return Recommendation{}, errors.Trace(err)
	}

	rowsProcessed, err := m.store.RowsProcessed(ctx)
	if err != nil {
		return Recommendation{}, errors.Trace(err)
	}

	if m.lastChanges == uninitialized {
		m.lastChanges = currentChanges
		m.lastRowsProcessed = rowsProcessed
		return Recommendation{Action: None, KeepAlive: true, Reason: "first heartbeat, no delta yet"}, nil
	}

	newChanges := currentChanges - m.lastChanges
	newRowsProcessed := rowsProcessed - m.lastRowsProcessed
	if m.lastRowsProcessed != 0 && newRowsProcessed < 0 {
		newRowsProcessed = math.MaxInt64 - m.lastRowsProcessed + rowsProcessed
	}

	m.lastChanges = currentChanges
	m.lastRowsProcessed = rowsProcessed

	if newChanges < 0 {
		return Recommendation{
			Action: None, KeepAlive: true, Reason: "change table shrank, likely database cleanup",
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}, nil
	}

	if newRowsProcessed < newChanges {
		return Recommendation{
			Action: AddWorker, KeepAlive: true, Reason: "rows processed falling behind new changes",
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}, nil
	}

	activeWorkers, err := m.store.ActiveWorkerCount(ctx, pollingInterval)
	if err != nil {
		return Recommendation{}, errors.Trace(err)
	}

	batchSize := int64(m.batchSize)
	unusedCapacity := int64(activeWorkers)*batchSize - newRowsProcessed
	if unusedCapacity >= batchSize {
		return Recommendation{
			Action: RemoveWorker, KeepAlive: false, Reason: "fleet has more capacity than changes to process",
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}, nil
	}

	return Recommendation{
		Action: None, KeepAlive: true, Reason: "fleet capacity matches change volume",
		NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
	}, nil
}
