// Package schema provisions the coordination tables a Lease Manager and
// Change Reader need for one user table: GlobalState, the per-user-table
// WorkerLease_T ledger, and WorkerBatchSizes. Every statement it issues is
// idempotent, so Start is safe to call concurrently from many workers
// booting against the same database (spec §4.1).
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/juju/errors"

	"github.com/ctrigger/ctrigger/core/ctrigger"
	"github.com/ctrigger/ctrigger/core/logger"
	"github.com/ctrigger/ctrigger/internal/database"
)

// Column describes one column of the user table's primary key, with enough
// of its declared SQL type preserved to define a matching column on
// WorkerLease_T.
type Column struct {
	Name      string
	SQLType   string
	Length    int // declared length for variable-length string/binary types
	Precision int // declared precision for numeric types
	Scale     int // declared scale for numeric types
}

// def renders the column definition fragment used both to describe the
// source column and to build the matching WorkerLease_T column.
func (c Column) def() string {
	switch c.SQLType {
	case "varchar", "nvarchar", "char", "nchar", "varbinary", "binary":
		if c.Length <= 0 {
			return fmt.Sprintf("[%s] %s(max)", c.Name, c.SQLType)
		}
		return fmt.Sprintf("[%s] %s(%d)", c.Name, c.SQLType, c.Length)
	case "numeric", "decimal":
		return fmt.Sprintf("[%s] %s(%d,%d)", c.Name, c.SQLType, c.Precision, c.Scale)
	default:
		return fmt.Sprintf("[%s] %s", c.Name, c.SQLType)
	}
}

// UserTable describes the table a worker fleet is tracking changes on, as
// discovered by Discover.
type UserTable struct {
	// Name is the quoted, possibly schema-qualified table name, e.g.
	// "[dbo].[Orders]".
	Name string

	// ID is the user table's object_id, used to name its WorkerLease_T
	// table (Worker_Table_<ID>) so two user tables never collide.
	ID int64

	// PrimaryKey holds the user table's primary-key columns, in key order.
	PrimaryKey []Column

	// Columns lists every column name on the user table.
	Columns []string
}

// leaseTableName is the wire name of the per-user-table lease ledger
// (spec §6: "Worker_Table_<UserTableID>").
func (t UserTable) leaseTableName() string {
	return fmt.Sprintf("Worker_Table_%d", t.ID)
}

// Provisioner runs the startup sequence of spec §4.1 against one database
// connection, for one worker identity.
type Provisioner struct {
	base     *database.StateBase
	workerID string
	logger   logger.Logger
}

// NewProvisioner returns a Provisioner that provisions schema through base
// and announces liveness under workerID.
func NewProvisioner(base *database.StateBase, workerID string, log logger.Logger) *Provisioner {
	return &Provisioner{base: base, workerID: workerID, logger: log}
}

// Discover resolves tableName to its object id, reads its primary-key
// columns (with declared length/precision/scale) and its full column list.
// It implements spec §4.1 steps 1–3. It fails with ctrigger.ErrSchema if
// the table cannot be resolved.
func (p *Provisioner) Discover(ctx context.Context, tableName string) (UserTable, error) {
	db, err := p.base.Raw(ctx)
	if err != nil {
		return UserTable{}, errors.Trace(err)
	}

	var table UserTable
	table.Name = tableName

	err = db.QueryRowContext(ctx, objectIDQuery, tableName).Scan(&table.ID)
	if errors.Is(err, sql.ErrNoRows) || table.ID == 0 {
		return UserTable{}, fmt.Errorf("%w: %w: table %q", ctrigger.ErrSchema, ctrigger.ErrTableNotFound, tableName)
	}
	if err != nil {
		return UserTable{}, errors.Annotatef(ctrigger.ErrSchema, "resolving object id for %q: %v", tableName, err)
	}

	table.PrimaryKey, err = p.readPrimaryKey(ctx, table.Name)
	if err != nil {
		return UserTable{}, errors.Annotatef(ctrigger.ErrSchema, "reading primary key for %q: %v", tableName, err)
	}

	table.Columns, err = p.readColumns(ctx, table.Name)
	if err != nil {
		return UserTable{}, errors.Annotatef(ctrigger.ErrSchema, "reading columns for %q: %v", tableName, err)
	}

	return table, nil
}

func (p *Provisioner) readPrimaryKey(ctx context.Context, tableName string) ([]Column, error) {
	db, err := p.base.Raw(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	rows, err := db.QueryContext(ctx, primaryKeyColumnsQuery, tableName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.SQLType, &c.Length, &c.Precision, &c.Scale); err != nil {
			return nil, errors.Trace(err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(cols) == 0 {
		return nil, errors.Errorf("table %q has no primary key", tableName)
	}
	return cols, nil
}

func (p *Provisioner) readColumns(ctx context.Context, tableName string) ([]string, error) {
	db, err := p.base.Raw(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	rows, err := db.QueryContext(ctx, allColumnsQuery, tableName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Trace(err)
		}
		names = append(names, name)
	}
	return names, errors.Trace(rows.Err())
}

// Start runs the full provisioning sequence of spec §4.1 for table:
// discover its schema, create the coordination tables if absent, seed
// GlobalState, and announce this worker's liveness. Each step is its own
// statement, guarded by an existence check, so concurrent callers racing on
// the same table converge without coordination.
func (p *Provisioner) Start(ctx context.Context, tableName string) (UserTable, error) {
	table, err := p.Discover(ctx, tableName)
	if err != nil {
		return UserTable{}, errors.Trace(err)
	}

	plain, err := p.base.Raw(ctx)
	if err != nil {
		return UserTable{}, errors.Trace(err)
	}

	if _, err := plain.ExecContext(ctx, globalStateTableDDL); err != nil {
		return UserTable{}, errors.Annotate(ctrigger.ErrSchema, err.Error())
	}
	if _, err := plain.ExecContext(ctx, workerBatchSizesTableDDL); err != nil {
		return UserTable{}, errors.Annotate(ctrigger.ErrSchema, err.Error())
	}
	if _, err := plain.ExecContext(ctx, workerLeaseTableDDL(table)); err != nil {
		return UserTable{}, errors.Annotate(ctrigger.ErrSchema, err.Error())
	}

	seeded, err := p.seedGlobalState(ctx, table.ID)
	if err != nil {
		return UserTable{}, errors.Trace(err)
	}
	if !seeded {
		return UserTable{}, fmt.Errorf("%w: %w: table %q or its database",
			ctrigger.ErrSchema, ctrigger.ErrChangeTrackingDisabled, table.Name)
	}

	if err := p.announceLiveness(ctx, table.ID); err != nil {
		return UserTable{}, errors.Trace(err)
	}

	p.logger.Infof("provisioned coordination schema for %q (worker table %s)", table.Name, table.leaseTableName())
	return table, nil
}

// seedGlobalState inserts the GlobalState row for userTableID if absent,
// seeded with CHANGE_TRACKING_MIN_VALID_VERSION, the current DatabaseID,
// and RowsProcessed = 0 (spec §4.1 step 5). It reports false if the seed
// version could not be read, meaning change tracking is not enabled.
func (p *Provisioner) seedGlobalState(ctx context.Context, userTableID int64) (bool, error) {
	plain, err := p.base.Raw(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}

	var minValid sql.NullInt64
	if err := plain.QueryRowContext(ctx, minValidVersionQuery, userTableID).Scan(&minValid); err != nil {
		return false, errors.Trace(err)
	}
	if !minValid.Valid {
		return false, nil
	}

	if _, err := plain.ExecContext(ctx, seedGlobalStateDML, userTableID, minValid.Int64); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// announceLiveness upserts this worker's WorkerBatchSizes row with
// BatchSize = 0 (spec §4.1 step 6).
func (p *Provisioner) announceLiveness(ctx context.Context, userTableID int64) error {
	plain, err := p.base.Raw(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = plain.ExecContext(ctx, announceLivenessDML, userTableID, p.workerID)
	return errors.Trace(err)
}
