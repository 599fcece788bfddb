package schema

import "fmt"

// The metadata queries below read from SQL Server's catalog views
// (sys.tables, sys.columns, sys.indexes, sys.types) and its
// CHANGE_TRACKING_MIN_VALID_VERSION function. They bind only tableName or
// the table's object id, never free-form user input, per spec §9's
// query-building rule.

const objectIDQuery = `SELECT OBJECT_ID(@p1)`

const primaryKeyColumnsQuery = `
SELECT  c.name, t.name, c.max_length, c.precision, c.scale
FROM    sys.indexes i
JOIN    sys.index_columns ic
            ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN    sys.columns c
            ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN    sys.types t
            ON t.user_type_id = c.user_type_id
WHERE   i.object_id = OBJECT_ID(@p1)
AND     i.is_primary_key = 1
ORDER BY ic.key_ordinal`

const allColumnsQuery = `
SELECT  c.name
FROM    sys.columns c
WHERE   c.object_id = OBJECT_ID(@p1)
ORDER BY c.column_id`

const minValidVersionQuery = `
SELECT CHANGE_TRACKING_MIN_VALID_VERSION(@p1)`

// globalStateTableDDL creates the single GlobalState table, shared across
// every user table this database coordinates changes for.
const globalStateTableDDL = `
IF OBJECT_ID(N'ctrigger.GlobalState', N'U') IS NULL
BEGIN
    IF SCHEMA_ID(N'ctrigger') IS NULL
        EXEC('CREATE SCHEMA ctrigger');

    CREATE TABLE ctrigger.GlobalState (
        UserTableID         BIGINT        NOT NULL PRIMARY KEY,
        GlobalVersionNumber BIGINT        NOT NULL,
        DatabaseID          INT           NOT NULL,
        RowsProcessed       BIGINT        NOT NULL DEFAULT(0)
    );
END`

// workerBatchSizesTableDDL creates the liveness/throughput-report table
// shared by every worker and every user table.
const workerBatchSizesTableDDL = `
IF OBJECT_ID(N'ctrigger.WorkerBatchSizes', N'U') IS NULL
BEGIN
    IF SCHEMA_ID(N'ctrigger') IS NULL
        EXEC('CREATE SCHEMA ctrigger');

    CREATE TABLE ctrigger.WorkerBatchSizes (
        UserTableID BIGINT       NOT NULL,
        WorkerID    NVARCHAR(256) NOT NULL,
        BatchSize   INT          NOT NULL,
        Timestamp   DATETIME2    NOT NULL,
        CONSTRAINT PK_WorkerBatchSizes PRIMARY KEY (UserTableID, WorkerID)
    );
END`

// workerLeaseTableDDL creates the per-user-table lease ledger, named by the
// user table's object id so two user tables never collide (spec §4.1 step
// 4). Its key columns mirror the user table's own primary key, preserving
// declared length/precision/scale (spec §4.1 step 2).
func workerLeaseTableDDL(table UserTable) string {
	var keyCols, keyList string
	for i, c := range table.PrimaryKey {
		keyCols += "        " + c.def() + " NOT NULL,\n"
		if i > 0 {
			keyList += ", "
		}
		keyList += fmt.Sprintf("[%s]", c.Name)
	}

	return fmt.Sprintf(`
IF OBJECT_ID(N'ctrigger.%s', N'U') IS NULL
BEGIN
    IF SCHEMA_ID(N'ctrigger') IS NULL
        EXEC('CREATE SCHEMA ctrigger');

    CREATE TABLE ctrigger.%s (
%s        LeaseExpirationTime DATETIME2 NULL,
        DequeueCount        INT       NOT NULL DEFAULT(0),
        VersionNumber       BIGINT    NULL,
        CONSTRAINT PK_%s PRIMARY KEY (%s)
    );

    CREATE INDEX IX_%s_LeaseExpirationTime ON ctrigger.%s (LeaseExpirationTime);
END`, table.leaseTableName(), table.leaseTableName(), keyCols,
		table.leaseTableName(), keyList, table.leaseTableName(), table.leaseTableName())
}

// seedGlobalStateDML inserts the GlobalState row for a user table if
// absent (spec §4.1 step 5). @p2 is the seed CHANGE_TRACKING_MIN_VALID_VERSION.
const seedGlobalStateDML = `
IF NOT EXISTS (SELECT 1 FROM ctrigger.GlobalState WHERE UserTableID = @p1)
    INSERT INTO ctrigger.GlobalState (UserTableID, GlobalVersionNumber, DatabaseID, RowsProcessed)
    VALUES (@p1, @p2, DB_ID(), 0)`

// announceLivenessDML upserts this worker's WorkerBatchSizes row with
// BatchSize = 0 (spec §4.1 step 6).
const announceLivenessDML = `
MERGE ctrigger.WorkerBatchSizes AS target
USING (SELECT @p1 AS UserTableID, @p2 AS WorkerID) AS src
ON target.UserTableID = src.UserTableID AND target.WorkerID = src.WorkerID
WHEN MATCHED THEN
    UPDATE SET BatchSize = 0, Timestamp = SYSUTCDATETIME()
WHEN NOT MATCHED THEN
    INSERT (UserTableID, WorkerID, BatchSize, Timestamp)
    VALUES (src.UserTableID, src.WorkerID, 0, SYSUTCDATETIME());`
