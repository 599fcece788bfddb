// Package reader implements core/store.Store against a SQL Server database
// using sqlair for the fixed-shape coordination tables (GlobalState,
// WorkerBatchSizes) and hand-built, column-list-driven SQL for the
// per-user-table WorkerLease_T ledger and the CHANGETABLE join, whose
// column sets vary with the user table's own schema and so cannot be bound
// to a static Go struct the way sqlair expects.
package reader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrigger/ctrigger/core/change"
	"github.com/ctrigger/ctrigger/core/config"
	"github.com/ctrigger/ctrigger/core/ctrigger"
	"github.com/ctrigger/ctrigger/core/logger"
	"github.com/ctrigger/ctrigger/internal/database"
	"github.com/ctrigger/ctrigger/internal/schema"
)

// globalState mirrors ctrigger.GlobalState, a fixed-shape table shared
// across every user table, and so is safe to bind with sqlair the way
// domain/lease/state.Lease is.
type globalState struct {
	UserTableID         int64 `db:"UserTableID"`
	GlobalVersionNumber int64 `db:"GlobalVersionNumber"`
	DatabaseID          int   `db:"DatabaseID"`
	RowsProcessed       int64 `db:"RowsProcessed"`
}

// workerBatchSize mirrors ctrigger.WorkerBatchSizes, also fixed-shape.
type workerBatchSize struct {
	UserTableID int64     `db:"UserTableID"`
	WorkerID    string    `db:"WorkerID"`
	BatchSize   int       `db:"BatchSize"`
	Timestamp   time.Time `db:"Timestamp"`
}

// State implements core/store.Store for one user table. State also
// implements prometheus.Collector, the same pattern worker/lease.Manager
// checks its Store for: a host that registers a State with a
// prometheus.Registerer gets FetchBatch instrumentation for free.
type State struct {
	base     *database.StateBase
	table    schema.UserTable
	workerID string
	cfg      config.Config
	logger   logger.Logger
	metrics  *Collector

	leaseTable   string
	pkCols       []string
	metaCols     []string // non-PK columns of the user table, discovered once
	poisonedSeen int64    // last absolute poisoned-row count observed, for the counter's delta
}

// NewState returns a State reading and writing table's coordination rows
// through base, on behalf of workerID.
func NewState(base *database.StateBase, table schema.UserTable, workerID string, cfg config.Config, log logger.Logger) *State {
	pkCols := make([]string, len(table.PrimaryKey))
	pkSet := make(map[string]bool, len(table.PrimaryKey))
	for i, c := range table.PrimaryKey {
		pkCols[i] = c.Name
		pkSet[c.Name] = true
	}

	var metaCols []string
	for _, c := range table.Columns {
		if !pkSet[c] {
			metaCols = append(metaCols, c)
		}
	}

	return &State{
		base:       base,
		table:      table,
		workerID:   workerID,
		cfg:        cfg,
		logger:     log,
		metrics:    NewCollector(),
		leaseTable: fmt.Sprintf("Worker_Table_%d", table.ID),
		pkCols:     pkCols,
		metaCols:   metaCols,
	}
}

// Describe is part of the prometheus.Collector interface.
func (s *State) Describe(ch chan<- *prometheus.Desc) { s.metrics.Describe(ch) }

// Collect is part of the prometheus.Collector interface.
func (s *State) Collect(ch chan<- prometheus.Metric) { s.metrics.Collect(ch) }

// refreshGlobalVersion implements spec §4.2's preamble: detect database
// recreation (DatabaseID mismatch, truncate the lease table and reset to
// the current minimum) or background cleanup (GlobalVersionNumber below
// the current minimum, advance it). It is deliberately its own statement,
// not wrapped in FetchBatch's transaction, per spec §9's Open Question:
// concurrent workers may race here, but every statement is idempotent and
// the last writer wins, which the design accepts rather than silently
// tightens.
func (s *State) refreshGlobalVersion(ctx context.Context) (int64, error) {
	db, err := s.base.Raw(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	var currentDatabaseID int
	var minValid int64
	row := db.QueryRowContext(ctx, "SELECT DB_ID(), CHANGE_TRACKING_MIN_VALID_VERSION(@p1)", s.table.ID)
	if err := row.Scan(&currentDatabaseID, &minValid); err != nil {
		return 0, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}

	selectStmt, err := s.base.Prepare(
		`SELECT &globalState.* FROM ctrigger.GlobalState WHERE UserTableID = $globalState.UserTableID`,
		globalState{})
	if err != nil {
		return 0, errors.Trace(err)
	}

	var gs globalState
	gs.UserTableID = s.table.ID
	err = s.base.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, selectStmt, gs).Get(&gs); err != nil {
			return errors.Trace(err)
		}

		switch {
		case gs.DatabaseID != currentDatabaseID:
			s.logger.Warningf("database id changed from %d to %d for %q, resetting lease ledger",
				gs.DatabaseID, currentDatabaseID, s.table.Name)
			deleteStmt, err := s.base.Prepare(fmt.Sprintf("DELETE FROM ctrigger.%s", s.leaseTable))
			if err != nil {
				return errors.Trace(err)
			}
			if err := tx.Query(ctx, deleteStmt).Run(); err != nil {
				return errors.Trace(err)
			}
			gs.DatabaseID = currentDatabaseID
			gs.GlobalVersionNumber = minValid
		case gs.GlobalVersionNumber < minValid:
			s.logger.Infof("advancing global version number to cleanup minimum %d for %q", minValid, s.table.Name)
			gs.GlobalVersionNumber = minValid
		default:
			return nil
		}

		updateStmt, err := s.base.Prepare(`
UPDATE ctrigger.GlobalState
SET    GlobalVersionNumber = $globalState.GlobalVersionNumber,
       DatabaseID = $globalState.DatabaseID
WHERE  UserTableID = $globalState.UserTableID`, globalState{})
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, updateStmt, gs).Run())
	})
	if err != nil {
		return 0, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	return gs.GlobalVersionNumber, nil
}

// FetchBatch implements core/store.Store. See spec §4.2.
func (s *State) FetchBatch(ctx context.Context) (change.Batch, error) {
	start := time.Now()
	defer func() { s.metrics.fetchDuration.Observe(time.Since(start).Seconds()) }()

	globalVersion, err := s.refreshGlobalVersion(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	raw, err := s.base.Raw(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tx, err := raw.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := s.selectAndAcquire(ctx, tx, globalVersion)
	if err != nil {
		return nil, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Annotate(ctrigger.ErrTransient, err.Error())
	}
	s.metrics.rowsFetched.Add(float64(len(batch)))
	s.observePoisoned(ctx, raw)
	return batch, nil
}

// observePoisoned counts rows the lease ledger has quarantined for
// exceeding MaxDequeueCount and reports the increase, if any, since the
// last observation. Errors are logged, not propagated: this accounting is
// diagnostic, not load-bearing.
func (s *State) observePoisoned(ctx context.Context, raw *sql.DB) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM ctrigger.%s WHERE DequeueCount >= @p1", s.leaseTable)
	if err := raw.QueryRowContext(ctx, query, s.cfg.MaxDequeueCount).Scan(&count); err != nil {
		s.logger.Warningf("counting poisoned rows for %q: %v", s.table.Name, err)
		return
	}
	if count > s.poisonedSeen {
		s.metrics.rowsPoisoned.Add(float64(count - s.poisonedSeen))
	}
	s.poisonedSeen = count
}

// selectAndAcquire runs the join of the database's change table against
// the user table and the lease ledger, and in the same transaction
// upserts leases on every row it returns (spec §4.2's "single-transaction
// read-and-acquire", which is what enforces invariant I1).
func (s *State) selectAndAcquire(ctx context.Context, tx *sql.Tx, globalVersion int64) (change.Batch, error) {
	query, args := s.selectQuery(globalVersion)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var batch change.Batch
	for rows.Next() {
		values := make([]any, len(cols))
		scanTargets := make([]any, len(cols))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, errors.Trace(err)
		}
		batch = append(batch, s.rowToRecord(cols, values))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	if len(batch) == 0 {
		return nil, nil
	}

	acquireStmt, acquireArgs := s.acquireLeasesStatement(batch)
	if _, err := tx.ExecContext(ctx, acquireStmt, acquireArgs...); err != nil {
		return nil, errors.Trace(err)
	}

	return batch, nil
}

// selectQuery builds the parameterized query joining CHANGETABLE against
// the user table and the lease ledger, bounded by BatchSize. Only the
// lease table name and catalog-discovered column names are interpolated;
// BatchSize, the global version and MaxDequeueCount are bound as @pN
// parameters (spec §9: only
// primary-key values and change metadata are ever bound or interpolated,
// never free-form user input).
func (s *State) selectQuery(globalVersion int64) (string, []any) {
	pkSelect := qualifyAll("c", s.pkCols)
	dataSelect := qualifyAll("u", s.metaCols)

	selectList := []string{
		"c.SYS_CHANGE_OPERATION",
		"c.SYS_CHANGE_VERSION",
	}
	selectList = append(selectList, pkSelect...)
	selectList = append(selectList, dataSelect...)

	joinOn := joinPredicate("c", "u", s.pkCols)
	leaseJoinOn := joinPredicate("c", "l", s.pkCols)

	query := fmt.Sprintf(`
SELECT TOP (@p1) %s
FROM   CHANGETABLE(CHANGES %s, @p2) AS c
LEFT   JOIN %s AS u ON %s
LEFT   JOIN ctrigger.%s AS l ON %s
WHERE  (l.LeaseExpirationTime IS NULL OR l.LeaseExpirationTime < SYSUTCDATETIME())
AND    (l.VersionNumber IS NULL OR l.VersionNumber < c.SYS_CHANGE_VERSION)
AND    (l.DequeueCount IS NULL OR l.DequeueCount < @p3)
ORDER BY c.SYS_CHANGE_VERSION ASC`,
		strings.Join(selectList, ", "), s.table.Name, s.table.Name, joinOn, s.leaseTable, leaseJoinOn)

	return query, []any{s.cfg.BatchSize, globalVersion, s.cfg.MaxDequeueCount}
}

// acquireLeasesStatement builds the lease-ledger upsert run against every
// row returned by selectAndAcquire: insert-or-update a WorkerLease_T row,
// setting LeaseExpirationTime = now + LeaseInterval and incrementing
// DequeueCount by one. VersionNumber is left untouched on acquisition
// (NULL on first insert) and is only ever stamped with SYS_CHANGE_VERSION
// on successful release, by ReleaseAndAdvance in release.go. Stamping it
// here too would make selectQuery's own read predicate,
// "l.VersionNumber IS NULL OR l.VersionNumber < c.SYS_CHANGE_VERSION",
// permanently exclude a row the instant it is first acquired, since its
// VersionNumber would equal, not precede, SYS_CHANGE_VERSION, breaking
// both retry-after-failure and work-stealing after lease expiry.
func (s *State) acquireLeasesStatement(batch change.Batch) (string, []any) {
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

	pkList := strings.Join(quoteAll(s.pkCols), ", ")
	leaseIntervalExpr := leaseExpiryExpr(s.cfg.LeaseUnits, int(s.cfg.LeaseInterval.Seconds()))

	query := fmt.Sprintf(`
MERGE ctrigger.%s AS target
USING (VALUES %s) AS src (%s, SeenVersion)
ON %s
WHEN MATCHED THEN
    UPDATE SET LeaseExpirationTime = %s,
               DequeueCount = target.DequeueCount + 1
WHEN NOT MATCHED THEN
    INSERT (%s, LeaseExpirationTime, DequeueCount, VersionNumber)
    VALUES (%s, %s, 1, NULL);`,
		s.leaseTable, strings.Join(valueRows, ", "), pkList,
		mergeOn("target", "src", s.pkCols), leaseIntervalExpr,
		pkList, srcColumns(s.pkCols), leaseIntervalExpr)

	return query, args
}

func (s *State) rowToRecord(cols []string, values []any) change.Record {
	rec := change.Record{Key: map[string]any{}}
	pkSet := make(map[string]bool, len(s.pkCols))
	for _, c := range s.pkCols {
		pkSet[c] = true
	}

	for i, col := range cols {
		switch col {
		case "SYS_CHANGE_OPERATION":
			switch fmt.Sprint(values[i]) {
			case "I":
				rec.Type = change.Inserted
			case "U":
				rec.Type = change.Updated
			case "D":
				rec.Type = change.Deleted
			}
		case "SYS_CHANGE_VERSION":
			rec.Version, _ = toInt64(values[i])
		default:
			if pkSet[col] {
				rec.Key[col] = values[i]
			} else if rec.Type != change.Deleted {
				if rec.Data == nil {
					rec.Data = map[string]any{}
				}
				rec.Data[col] = values[i]
			}
		}
	}
	return rec
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func qualifyAll(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("%s.[%s]", alias, c)
	}
	return out
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("[%s]", c)
	}
	return out
}

func srcColumns(cols []string) string {
	out := make([]string, len(cols))
	for i := range cols {
		out[i] = fmt.Sprintf("src.[%s]", cols[i])
	}
	return strings.Join(out, ", ")
}

func joinPredicate(leftAlias, rightAlias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s.[%s] = %s.[%s]", leftAlias, c, rightAlias, c)
	}
	return strings.Join(parts, " AND ")
}

func mergeOn(target, src string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s.[%s] = %s.[%s]", target, c, src, c)
	}
	return strings.Join(parts, " AND ")
}

func leaseExpiryExpr(unit config.Unit, amount int) string {
	sqlUnit := "second"
	if unit == config.UnitMinute {
		sqlUnit = "minute"
	}
	return fmt.Sprintf("DATEADD(%s, %d, SYSUTCDATETIME())", sqlUnit, amount)
}
