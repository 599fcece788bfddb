// Package config holds the enumerated configuration surface the core
// consumes. Loading these values from flags, environment variables or a
// connection string is the host's job; this package only validates the
// resulting struct.
package config

import (
	"time"

	"github.com/juju/errors"
)

// Unit is the database date-math granularity used when computing lease and
// cleanup expirations (e.g. SQL Server's DATEADD(second, ...) vs
// DATEADD(minute, ...)).
type Unit string

const (
	// UnitSecond expresses durations in seconds.
	UnitSecond Unit = "second"
	// UnitMinute expresses durations in minutes.
	UnitMinute Unit = "minute"
)

func (u Unit) valid() bool {
	return u == UnitSecond || u == UnitMinute
}

// Config is the per-user-table configuration surface described in spec §6.
type Config struct {
	// BatchSize is the maximum number of rows returned by one FetchBatch
	// call, and the divisor the Scale Monitor uses to compute worker
	// capacity.
	BatchSize int

	// PollingInterval is how long the poll task sleeps between ticks when
	// the previous FetchBatch returned no rows.
	PollingInterval time.Duration

	// LeaseInterval is how long an acquired lease remains valid. The renew
	// task re-extends leases at half this interval.
	LeaseInterval time.Duration

	// MaxLeaseRenewalCount is the number of renewals the renew task will
	// perform on a single batch before concluding the handler is wedged and
	// cancelling its context.
	MaxLeaseRenewalCount int

	// MaxDequeueCount is the number of times a change may be acquired
	// before the Change Reader poison-quarantines it.
	MaxDequeueCount int

	// CleanupInterval is how often the housekeep task deletes abandoned
	// WorkerBatchSizes rows and refreshes this worker's own row.
	CleanupInterval time.Duration

	// LeaseUnits is the date-math granularity used for LeaseInterval.
	LeaseUnits Unit

	// CleanupUnits is the date-math granularity used for CleanupInterval.
	CleanupUnits Unit
}

// Validate returns an error if any field is missing or out of range.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.NotValidf("non-positive BatchSize")
	}
	if c.PollingInterval <= 0 {
		return errors.NotValidf("non-positive PollingInterval")
	}
	if c.LeaseInterval <= 0 {
		return errors.NotValidf("non-positive LeaseInterval")
	}
	if c.MaxLeaseRenewalCount <= 0 {
		return errors.NotValidf("non-positive MaxLeaseRenewalCount")
	}
	if c.MaxDequeueCount <= 0 {
		return errors.NotValidf("non-positive MaxDequeueCount")
	}
	if c.CleanupInterval <= 0 {
		return errors.NotValidf("non-positive CleanupInterval")
	}
	if !c.LeaseUnits.valid() {
		return errors.NotValidf("LeaseUnits %q", c.LeaseUnits)
	}
	if !c.CleanupUnits.valid() {
		return errors.NotValidf("CleanupUnits %q", c.CleanupUnits)
	}
	return nil
}

// RenewalInterval is half of LeaseInterval, the cadence at which the renew
// task re-stamps leases on the in-flight batch.
func (c Config) RenewalInterval() time.Duration {
	return c.LeaseInterval / 2
}
