package leasemanager

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrigger/ctrigger/core/change"
	"github.com/ctrigger/ctrigger/core/ctrigger"
)

// phase is the Lease Manager's state machine of spec §4.3.
type phase int

const (
	checkingForChanges phase = iota
	processingChanges
)

func (p phase) String() string {
	if p == processingChanges {
		return "ProcessingChanges"
	}
	return "CheckingForChanges"
}

// New returns a Manager running config's poll, renew and housekeep tasks.
// The caller takes responsibility for killing, and handling errors from,
// the returned Manager.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	m := &Manager{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Manager is the concurrency core of one worker's participation in the
// coordination protocol for one user table (spec §4.3). It implements
// worker.Worker via Kill/Wait.
type Manager struct {
	catacomb catacomb.Catacomb
	config   Config

	// mu guards every field below it. The poll task holds it while
	// clearing the batch and transitioning phase; the renew task acquires
	// it around the renewal query and around incrementing
	// leaseRenewalCount. The handler itself runs without mu held.
	mu                sync.Mutex
	batch             change.Batch
	state             phase
	leaseRenewalCount int
	cancelHandler     context.CancelFunc
}

// taskWorker adapts a plain function loop to worker.Worker (Kill/Wait) so
// it can be registered with catacomb.Add, mirroring how
// caasunitprovisioner registers its subordinate watchers with a parent's
// catacomb (w.catacomb.Add(cw)). fn receives the taskWorker's own dying
// channel and must return once it observes it closed; any other return
// value is treated as the task's failure and, via Add, kills the parent
// Manager.
type taskWorker struct {
	catacomb catacomb.Catacomb
}

func startTask(fn func(dying <-chan struct{}) error) (*taskWorker, error) {
	t := &taskWorker{}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: func() error {
			if err := fn(t.catacomb.Dying()); err != nil {
				return errors.Trace(err)
			}
			return t.catacomb.ErrDying()
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *taskWorker) Kill() { t.catacomb.Kill(nil) }

// Wait is part of the worker.Worker interface.
func (t *taskWorker) Wait() error { return t.catacomb.Wait() }

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// Report returns a snapshot of the Manager's current state, for
// diagnostics.
func (m *Manager) Report() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"state":               m.state.String(),
		"batch-size":          len(m.batch),
		"lease-renewal-count": m.leaseRenewalCount,
	}
}

// loop is the poll task and the catacomb's supervised body: it drives the
// state machine and is the only task that mutates the in-flight batch's
// membership. It starts the renew and housekeep tasks as subordinate
// workers registered with the catacomb, so an unexpected failure in either
// is fatal to the Manager the same way a failed watcher is fatal to its
// owner elsewhere in this codebase.
func (m *Manager) loop() error {
	if collector, ok := m.config.Store.(prometheus.Collector); ok && m.config.PrometheusRegisterer != nil {
		_ = m.config.PrometheusRegisterer.Register(collector)
		defer m.config.PrometheusRegisterer.Unregister(collector)
	}
	defer m.deregister()

	renew, err := startTask(m.renewTask)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.catacomb.Add(renew); err != nil {
		return errors.Trace(err)
	}

	housekeep, err := startTask(m.housekeepTask)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.catacomb.Add(housekeep); err != nil {
		return errors.Trace(err)
	}

	defer func() {
		renew.Kill()
		housekeep.Kill()
		_ = renew.Wait()
		_ = housekeep.Wait()
	}()

	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		default:
		}

		batch, err := m.config.Store.FetchBatch(context.Background())
		if err != nil {
			m.config.Logger.Warningf("fetching batch: %v", err)
			m.clearBatch()
			if err := m.sleep(m.config.Settings.PollingInterval); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		if len(batch) == 0 {
			if err := m.sleep(m.config.Settings.PollingInterval); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		m.startProcessing(batch)
		if err := m.process(batch); err != nil {
			return errors.Trace(err)
		}
	}
}

// sleep waits for d or the catacomb's death, whichever comes first.
func (m *Manager) sleep(d time.Duration) error {
	timer := m.config.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.catacomb.Dying():
		return m.catacomb.ErrDying()
	case <-timer.Chan():
		return nil
	}
}

// sleepUntil waits for d or dying to close, whichever comes first, for use
// by the renew and housekeep tasks against their own taskWorker's dying
// channel rather than the Manager's. It reports whether the sleep ran to
// completion.
func (m *Manager) sleepUntil(d time.Duration, dying <-chan struct{}) bool {
	timer := m.config.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-dying:
		return false
	case <-timer.Chan():
		return true
	}
}

func (m *Manager) startProcessing(batch change.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = batch
	m.state = processingChanges
	m.leaseRenewalCount = 0
}

func (m *Manager) clearBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = nil
	m.state = checkingForChanges
	m.leaseRenewalCount = 0
}

// process invokes the handler on batch and, on success, runs the
// release-and-advance protocol; it always returns to CheckingForChanges.
// Errors returned only propagate a catacomb-fatal condition (m dying);
// handler and decode failures are logged and swallowed per spec §4.3's
// failure-mode table, leaving the leases to expire.
func (m *Manager) process(batch change.Batch) error {
	handlerCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancelHandler = cancel
	m.mu.Unlock()
	defer cancel()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-m.catacomb.Dying():
			cancel()
		case <-stopWatch:
		}
	}()

	err := m.config.Handler.Handle(handlerCtx, batch)

	m.mu.Lock()
	m.cancelHandler = nil
	m.mu.Unlock()

	if err != nil {
		if errors.Cause(err) == context.Canceled {
			m.config.Logger.Warningf("handler for batch of %d cancelled: %v", len(batch), ctrigger.ErrWedged)
		} else {
			m.config.Logger.Warningf("handler failed for batch of %d: %v", len(batch), err)
		}
		m.clearBatch()
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		default:
			return nil
		}
	}

	newVersion, ok := batch.SecondHighestVersion()
	if !ok {
		m.clearBatch()
		return nil
	}

	if err := m.config.Store.ReleaseAndAdvance(context.Background(), batch, newVersion); err != nil {
		m.config.Logger.Warningf("releasing and advancing batch of %d: %v", len(batch), err)
	}

	m.clearBatch()
	return nil
}

// renewTask implements spec §4.3 task 2. It runs as a subordinate worker
// started by loop and registered with the catacomb via startTask; dying is
// that taskWorker's own dying channel, closed when either this Manager's
// catacomb dies or the task is killed directly during shutdown.
func (m *Manager) renewTask(dying <-chan struct{}) error {
	for {
		if !m.sleepUntil(m.config.renewalInterval(), dying) {
			return nil
		}

		m.mu.Lock()
		if m.state != processingChanges || len(m.batch) == 0 {
			m.mu.Unlock()
			continue
		}

		if err := m.config.Store.RenewLeases(context.Background(), m.batch); err != nil {
			m.mu.Unlock()
			m.config.Logger.Warningf("renewing leases: %v", err)
			continue
		}

		m.leaseRenewalCount++
		wedged := m.leaseRenewalCount >= m.config.Settings.MaxLeaseRenewalCount
		cancel := m.cancelHandler
		m.mu.Unlock()

		if wedged && cancel != nil {
			m.config.Logger.Warningf("handler exceeded %d lease renewals, cancelling", m.config.Settings.MaxLeaseRenewalCount)
			cancel()
		}
	}
}

// housekeepTask implements spec §4.3 task 3 and invariant I5. It runs as a
// subordinate worker started by loop, in the same manner as renewTask.
func (m *Manager) housekeepTask(dying <-chan struct{}) error {
	for {
		if !m.sleepUntil(m.config.Settings.CleanupInterval, dying) {
			return nil
		}

		if err := m.config.Store.PruneAbandonedWorkers(context.Background(), m.config.Settings.CleanupInterval); err != nil {
			m.config.Logger.Warningf("pruning abandoned workers: %v", err)
		}

		m.mu.Lock()
		size := len(m.batch)
		m.mu.Unlock()
		if err := m.config.Store.ReportBatchSize(context.Background(), size); err != nil {
			m.config.Logger.Warningf("reporting liveness: %v", err)
		}
	}
}

// deregister removes this worker's WorkerBatchSizes row on shutdown,
// spec §4.3's "poll task terminates" failure mode.
func (m *Manager) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Settings.PollingInterval)
	defer cancel()
	if err := m.config.Store.Deregister(ctx); err != nil {
		m.config.Logger.Warningf("deregistering worker: %v", err)
	}
}

// ErrWedged is the error kind the Manager logs when a handler invocation
// ends with context.Canceled, as it does after the renew task cancels it
// on reaching MaxLeaseRenewalCount renewals. It is not passed to the
// handler: the handler's context carries plain context.Canceled.
var ErrWedged = ctrigger.ErrWedged
