// Package leasemanager implements the Lease Manager: the concurrency core
// of a single worker's participation in the coordination protocol for one
// user table. It runs three cooperating tasks (poll, renew, housekeep)
// coordinating through a small state machine and a mutex-guarded in-flight
// batch, and drives the user's change.Handler.
package leasemanager

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrigger/ctrigger/core/change"
	"github.com/ctrigger/ctrigger/core/config"
	"github.com/ctrigger/ctrigger/core/logger"
	"github.com/ctrigger/ctrigger/core/store"
)

// Config defines the operation of a Manager.
type Config struct {
	// Store is the database-backed Store the Manager polls, renews leases
	// through, and releases-and-advances through.
	Store store.Store

	// Handler is invoked with each non-empty batch FetchBatch returns.
	Handler change.Handler

	// Clock is used for all of the Manager's sleeps and timers, so tests
	// can drive it deterministically with testclock.
	Clock clock.Clock

	// Logger receives the Manager's diagnostic output.
	Logger logger.Logger

	// Settings collects the tunable intervals and thresholds of spec §4.3.
	Settings config.Config

	// WorkerID identifies this worker's own WorkerBatchSizes row.
	WorkerID string

	// PrometheusRegisterer, if non-nil, has the Manager's Store registered
	// against it if that Store also implements prometheus.Collector, the
	// same optional registration worker/lease.Manager performs for its
	// own Store in the wider codebase.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if config cannot drive a Manager.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.WorkerID == "" {
		return errors.NotValidf("empty WorkerID")
	}
	if err := config.Settings.Validate(); err != nil {
		return errors.Annotate(err, "settings")
	}
	return nil
}

// renewalInterval is how often the renew task re-stamps in-flight leases.
func (config Config) renewalInterval() time.Duration {
	return config.Settings.RenewalInterval()
}
