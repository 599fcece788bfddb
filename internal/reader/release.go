package reader

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/ctrigger/ctrigger/core/change"
	"github.com/ctrigger/ctrigger/core/ctrigger"
)

// RenewLeases implements core/store.Store. It re-stamps LeaseExpirationTime
// on every key in batch without touching DequeueCount or VersionNumber,
// matching the renew task of spec §4.3.
func (s *State) RenewLeases(ctx context.Context, batch change.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	raw, err := s.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	query, args := s.renewStatement(batch)
	if _, err := raw.ExecContext(ctx, query, args...); err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return nil
}

func (s *State) renewStatement(batch change.Batch) (string, []any) {
	leaseIntervalExpr := leaseExpiryExpr(s.cfg.LeaseUnits, int(s.cfg.LeaseInterval.Seconds()))

	var wheres []string
	var args []any
	argN := 1
	for _, rec := range batch {
		var parts []string
		for _, col := range s.pkCols {
			parts = append(parts, fmt.Sprintf("[%s] = @p%d", col, argN))
			args = append(args, rec.Key[col])
			argN++
		}
		wheres = append(wheres, "("+strings.Join(parts, " AND ")+")")
	}

	return fmt.Sprintf(`
UPDATE ctrigger.%s
SET    LeaseExpirationTime = %s
WHERE  %s`, s.leaseTable, leaseIntervalExpr, strings.Join(wheres, " OR ")), args
}

// ReleaseAndAdvance implements core/store.Store's two-transaction
// release-and-advance protocol (spec §4.3): release the leases in batch so
// a retry (or another worker) can pick them up again, then, in a second
// transaction, advance GlobalVersionNumber to newVersion if no unprocessed
// change remains at or below it, incrementing RowsProcessed and detecting
// wraparound. The two steps are deliberately not one transaction: releasing
// leases must survive even if the advance is skipped because a slower
// worker still holds an older, unprocessed row (spec §9's Open Question,
// resolved in favor of always releasing before checking advance safety).
func (s *State) ReleaseAndAdvance(ctx context.Context, batch change.Batch, newVersion int64) error {
	if err := s.releaseLeases(ctx, batch); err != nil {
		return errors.Trace(err)
	}
	if err := s.ReportBatchSize(ctx, len(batch)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.advanceGlobalVersion(ctx, newVersion, int64(len(batch))))
}

// releaseLeases implements spec §4.3 step 2, one row of the batch at a
// time: only for a row whose lease VersionNumber has not since been
// overtaken by a newer claim (stored VersionNumber still NULL, as acquire
// leaves it, or versionNumber >= stored VersionNumber, the guard enforcing
// invariant I3) does it null out LeaseExpirationTime, zero
// DequeueCount, and stamp VersionNumber with the batch's own value.
func (s *State) releaseLeases(ctx context.Context, batch change.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	raw, err := s.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	pkList := strings.Join(quoteAll(s.pkCols), ", ")
	var valueRows []string
	var args []any
	argN := 1
	for _, rec := range batch {
		placeholders := make([]string, 0, len(s.pkCols)+1)
		for _, col := range s.pkCols {
			placeholders = append(placeholders, fmt.Sprintf("@p%d", argN))
			args = append(args, rec.Key[col])
			argN++
		}
		placeholders = append(placeholders, fmt.Sprintf("@p%d", argN))
		args = append(args, rec.Version)
		argN++
		valueRows = append(valueRows, "("+strings.Join(placeholders, ", ")+")")
	}

	query := fmt.Sprintf(`
MERGE ctrigger.%s AS target
USING (VALUES %s) AS src (%s, ReleasedVersion)
ON %s AND (target.VersionNumber IS NULL OR src.ReleasedVersion >= target.VersionNumber)
WHEN MATCHED THEN
    UPDATE SET LeaseExpirationTime = NULL,
               DequeueCount = 0,
               VersionNumber = src.ReleasedVersion;`,
		s.leaseTable, strings.Join(valueRows, ", "), pkList,
		mergeOn("target", "src", s.pkCols))

	if _, err := raw.ExecContext(ctx, query, args...); err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return nil
}

// advanceGlobalVersion is spec §4.3 step 3's second transaction. It runs
// entirely against raw database/sql, not sqlair, because the "no
// unprocessed change at or below newVersion" check joins the dynamic-PK
// WorkerLease_T table against CHANGETABLE, the same reason FetchBatch's
// join does. Only if that check passes does it advance
// GlobalState.GlobalVersionNumber, increment RowsProcessed with true modular
// wraparound (next = rowsProcessed + delivered - math.MaxInt64 once the sum
// overflows), matching the Scale Monitor's own wrap-correction arithmetic,
// and delete every WorkerLease_T row with VersionNumber <= newVersion,
// invariant I3's retirement condition.
func (s *State) advanceGlobalVersion(ctx context.Context, newVersion, delivered int64) error {
	raw, err := s.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	tx, err := raw.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	joinOn := joinPredicate("c", "l", s.pkCols)
	unprocessedQuery := fmt.Sprintf(`
SELECT COUNT(*)
FROM   CHANGETABLE(CHANGES %s, 0) AS c
LEFT   JOIN ctrigger.%s AS l ON %s
WHERE  c.SYS_CHANGE_VERSION <= @p1
AND    (l.VersionNumber IS NULL OR l.VersionNumber < c.SYS_CHANGE_VERSION)
AND    (l.DequeueCount IS NULL OR l.DequeueCount < @p2)`,
		s.table.Name, s.leaseTable, joinOn)

	var unprocessed int64
	if err := tx.QueryRowContext(ctx, unprocessedQuery, newVersion, s.cfg.MaxDequeueCount).Scan(&unprocessed); err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	if unprocessed > 0 {
		return nil
	}

	var current, rowsProcessed int64
	err = tx.QueryRowContext(ctx,
		`SELECT GlobalVersionNumber, RowsProcessed FROM ctrigger.GlobalState WHERE UserTableID = @p1`,
		s.table.ID).Scan(&current, &rowsProcessed)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	if newVersion <= current {
		return nil
	}

	next := rowsProcessed + delivered
	if next < rowsProcessed {
		next = rowsProcessed + delivered - math.MaxInt64
	}

	_, err = tx.ExecContext(ctx, `
UPDATE ctrigger.GlobalState
SET    GlobalVersionNumber = @p1, RowsProcessed = @p2
WHERE  UserTableID = @p3`, newVersion, next, s.table.ID)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM ctrigger.%s WHERE VersionNumber <= @p1`, s.leaseTable), newVersion)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}

	if err := tx.Commit(); err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return nil
}

// CurrentChanges implements core/store.ScaleStore.
func (s *State) CurrentChanges(ctx context.Context, unprocessedOnly bool) (int64, error) {
	raw, err := s.base.Raw(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	var query string
	var args []any
	if unprocessedOnly {
		query = `SELECT COUNT(*) FROM CHANGETABLE(CHANGES ` + s.table.Name + `, @p1) AS c WHERE c.SYS_CHANGE_VERSION > @p1`
		version, err := s.RowsProcessedVersion(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		args = []any{version}
	} else {
		query = `SELECT COUNT(*) FROM CHANGETABLE(CHANGES ` + s.table.Name + `, 0) AS c`
	}

	var count int64
	if err := raw.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return count, nil
}

// RowsProcessedVersion returns the current GlobalVersionNumber, used by
// CurrentChanges to bound an unprocessed-only count.
func (s *State) RowsProcessedVersion(ctx context.Context) (int64, error) {
	db, err := s.base.DB(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	stmt, err := s.base.Prepare(
		`SELECT &globalState.* FROM ctrigger.GlobalState WHERE UserTableID = $globalState.UserTableID`,
		globalState{})
	if err != nil {
		return 0, errors.Trace(err)
	}

	var gs globalState
	gs.UserTableID = s.table.ID
	if err := db.Query(ctx, stmt, gs).Get(&gs); err != nil {
		return 0, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return gs.GlobalVersionNumber, nil
}

// RowsProcessed implements core/store.ScaleStore.
func (s *State) RowsProcessed(ctx context.Context) (int64, error) {
	db, err := s.base.DB(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	stmt, err := s.base.Prepare(
		`SELECT &globalState.* FROM ctrigger.GlobalState WHERE UserTableID = $globalState.UserTableID`,
		globalState{})
	if err != nil {
		return 0, errors.Trace(err)
	}

	var gs globalState
	gs.UserTableID = s.table.ID
	if err := db.Query(ctx, stmt, gs).Get(&gs); err != nil {
		return 0, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return gs.RowsProcessed, nil
}

// ActiveWorkerCount implements core/store.ScaleStore.
func (s *State) ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error) {
	db, err := s.base.DB(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	stmt, err := s.base.Prepare(`
SELECT &workerBatchSize.* FROM ctrigger.WorkerBatchSizes
WHERE  UserTableID = $workerBatchSize.UserTableID`, workerBatchSize{})
	if err != nil {
		return 0, errors.Trace(err)
	}

	var rows []workerBatchSize
	arg := workerBatchSize{UserTableID: s.table.ID}
	if err := db.Query(ctx, stmt, arg).GetAll(&rows); err != nil {
		return 0, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}

	cutoff := time.Now().Add(-within)
	var count int
	for _, r := range rows {
		if r.Timestamp.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// ReportBatchSize upserts this worker's most recently observed batch size,
// the write side of the WorkerBatchSizes table the Scale Monitor reads
// through ActiveWorkerCount (spec §4.4).
func (s *State) ReportBatchSize(ctx context.Context, size int) error {
	raw, err := s.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = raw.ExecContext(ctx, `
MERGE ctrigger.WorkerBatchSizes AS target
USING (SELECT @p1 AS UserTableID, @p2 AS WorkerID) AS src
ON target.UserTableID = src.UserTableID AND target.WorkerID = src.WorkerID
WHEN MATCHED THEN
    UPDATE SET BatchSize = @p3, Timestamp = SYSUTCDATETIME()
WHEN NOT MATCHED THEN
    INSERT (UserTableID, WorkerID, BatchSize, Timestamp)
    VALUES (src.UserTableID, src.WorkerID, @p3, SYSUTCDATETIME());`,
		s.table.ID, s.workerID, size)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return nil
}

// PruneAbandonedWorkers implements core/store.Housekeeper, invariant I5:
// it deletes every WorkerBatchSizes row (for any worker, on this user
// table) whose Timestamp is older than olderThan.
func (s *State) PruneAbandonedWorkers(ctx context.Context, olderThan time.Duration) error {
	raw, err := s.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	cutoff := time.Now().Add(-olderThan)
	_, err = raw.ExecContext(ctx,
		`DELETE FROM ctrigger.WorkerBatchSizes WHERE UserTableID = @p1 AND Timestamp < @p2`,
		s.table.ID, cutoff)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return nil
}

// Deregister implements core/store.Housekeeper: it deletes this worker's
// own WorkerBatchSizes row, run when the poll task terminates.
func (s *State) Deregister(ctx context.Context) error {
	raw, err := s.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = raw.ExecContext(ctx,
		`DELETE FROM ctrigger.WorkerBatchSizes WHERE UserTableID = @p1 AND WorkerID = @p2`,
		s.table.ID, s.workerID)
	if err != nil {
		return errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return nil
}
