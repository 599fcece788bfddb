// Package ctrigger collects the error kinds shared across the Schema
// Provisioner, Change Reader, Lease Manager and Scale Monitor. Each is a
// short-range signal: calling code should classify, log, and recover
// according to the policy in the component that raised it, never pass one
// on to a caller outside this module's documented API.
package ctrigger

import "github.com/juju/errors"

// ErrSchema indicates the coordination tables could not be created or
// verified, the user table does not exist, or change tracking is not
// enabled on the table or database. It is fatal to startup: a worker that
// receives it cannot begin processing.
var ErrSchema = errors.New("schema error")

// ErrTransient indicates a database error occurred while polling, renewing
// leases, or running housekeeping. The triggering tick is abandoned and the
// next tick retries; callers should log and continue, never propagate this
// past the task that caught it.
var ErrTransient = errors.New("transient database error")

// ErrHandler indicates the user handler returned failure, or its batch
// could not be decoded. Leases on the affected rows are left to expire so
// another worker (or this one, later) can retry; DequeueCount increments on
// each re-acquisition until the change is poison-quarantined.
var ErrHandler = errors.New("handler error")

// ErrWedged indicates the renew task exhausted MaxLeaseRenewalCount without
// the handler completing, and cancelled the handler's context. Once raised,
// the batch is treated as ErrHandler.
var ErrWedged = errors.New("handler wedged")

// ErrShutdown indicates an operation did not complete because the Lease
// Manager (or one of its tasks) is stopping. It is not logged as an error.
var ErrShutdown = errors.New("lease manager stopped")

// ErrTableNotFound indicates the configured user table could not be
// resolved to an object identifier in the database. It is always wrapped in
// ErrSchema.
var ErrTableNotFound = errors.New("user table not found")

// ErrChangeTrackingDisabled indicates CHANGE_TRACKING_MIN_VALID_VERSION
// returned no value for the user table or database, meaning change
// tracking has not been enabled. It is always wrapped in ErrSchema.
var ErrChangeTrackingDisabled = errors.New("change tracking not enabled")
