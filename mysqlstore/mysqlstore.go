// Package mysqlstore keeps notifyflow tasks in a MySQL 8 service_tasks table.
//
// The DSN must enable parseTime so DATETIME columns scan into time.Time.
package mysqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/internal/sqltask"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlock         = 1213
	externalIDUniqueKey = "uq_service_tasks_external_id"
)

// Store is a notifyflow.Repository and notifyflow.Transactor backed by MySQL.
type Store struct {
	db    *sql.DB
	tx    notifyflow.SQLTransactor
	clock notifyflow.Clock
}

func New(db *sql.DB) *Store {
	return &Store{
		db:    db,
		tx:    notifyflow.SQLTransactor{DB: db},
		clock: notifyflow.SystemClock,
	}
}

// Open connects with dsn, forcing parseTime, UTC and found-rows counting.
func Open(dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	return New(sql.OpenDB(connector)), nil
}

// WithClock replaces the clock used for modified_at stamps.
func (s *Store) WithClock(c notifyflow.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.WithinTx(ctx, fn)
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return sqltask.Migrator{
		DB:    s.db,
		Files: files,
		CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) NOT NULL PRIMARY KEY,
			applied_at DATETIME(6) NOT NULL
		)`,
		IsApplied: `SELECT COUNT(*) > 0 FROM schema_migrations WHERE version = ?`,
		Record:    `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
	}.Migrate(ctx)
}

func (s *Store) Insert(ctx context.Context, t notifyflow.Task) error {
	query := `INSERT INTO service_tasks (id, type, status, external_id, priority, execution_count,
		execution_started_at, execution_scheduled_at, context, message, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := notifyflow.Conn(ctx, s.db).ExecContext(ctx, query,
		t.ID,
		string(t.Type),
		string(t.Status),
		t.ExternalID,
		int(t.Priority),
		t.ExecutionCount,
		sqltask.NullTime(t.ExecutionStartedAt),
		sqltask.NullTime(t.ExecutionScheduledAt),
		string(t.Context),
		sqltask.NullString(t.Message),
		t.CreatedAt.UTC(),
		t.ModifiedAt.UTC(),
	)
	if err != nil {
		return classifyInsert(t, err)
	}
	return nil
}

// ClaimBatch locks due rows with SKIP LOCKED and moves them to claim.ToStatus
// inside one transaction, so concurrent pollers never claim the same task.
func (s *Store) ClaimBatch(ctx context.Context, claim notifyflow.ClaimBatch) ([]notifyflow.Task, error) {
	if len(claim.FromStatuses) == 0 {
		return nil, nil
	}
	return notifyflow.InTx(ctx, s, func(ctx context.Context) ([]notifyflow.Task, error) {
		conn := notifyflow.Conn(ctx, s.db)

		args := make([]any, 0, len(claim.FromStatuses)+2)
		for _, st := range sqltask.Strings(claim.FromStatuses) {
			args = append(args, st)
		}
		args = append(args, claim.DueBefore.UTC())
		limit := ""
		if claim.Limit > 0 {
			limit = "LIMIT ?"
			args = append(args, claim.Limit)
		}
		query := fmt.Sprintf(`SELECT id FROM service_tasks
			WHERE status IN (%s)
			  AND (execution_scheduled_at IS NULL OR execution_scheduled_at <= ?)
			ORDER BY priority DESC, created_at, id
			%s
			FOR UPDATE SKIP LOCKED`, sqltask.Placeholders(len(claim.FromStatuses)), limit)

		ids, err := selectIDs(ctx, conn, query, args...)
		if err != nil {
			return nil, classify("claim select", err)
		}
		if len(ids) == 0 {
			return []notifyflow.Task{}, nil
		}

		idArgs := make([]any, 0, len(ids)+3)
		idArgs = append(idArgs, string(claim.ToStatus), claim.StartedAt.UTC(), claim.StartedAt.UTC())
		for _, id := range ids {
			idArgs = append(idArgs, id)
		}
		update := fmt.Sprintf(`UPDATE service_tasks
			SET status = ?, execution_started_at = ?, execution_scheduled_at = NULL, modified_at = ?
			WHERE id IN (%s)`, sqltask.Placeholders(len(ids)))
		if _, err := conn.ExecContext(ctx, update, idArgs...); err != nil {
			return nil, classify("claim update", err)
		}

		rows, err := conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM service_tasks
			WHERE id IN (%s)
			ORDER BY priority DESC, created_at, id`, sqltask.Columns, sqltask.Placeholders(len(ids))), idArgs[3:]...)
		if err != nil {
			return nil, classify("claim reload", err)
		}
		tasks, err := sqltask.ScanAll(rows)
		if err != nil {
			return nil, classify("claim reload", err)
		}
		return tasks, nil
	})
}

// LockOne must run inside WithinTx; outside a transaction the row lock ends with the statement.
func (s *Store) LockOne(ctx context.Context, q notifyflow.LockQuery) (notifyflow.Task, bool, error) {
	if len(q.Types) == 0 || len(q.Statuses) == 0 {
		return notifyflow.Task{}, false, nil
	}
	args := make([]any, 0, len(q.Types)+len(q.Statuses)+len(q.SkipIDs))
	for _, t := range sqltask.Strings(q.Types) {
		args = append(args, t)
	}
	for _, st := range sqltask.Strings(q.Statuses) {
		args = append(args, st)
	}
	skip := ""
	if len(q.SkipIDs) > 0 {
		skip = fmt.Sprintf("AND id NOT IN (%s)", sqltask.Placeholders(len(q.SkipIDs)))
		for _, id := range q.SkipIDs {
			args = append(args, id)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM service_tasks
		WHERE type IN (%s) AND status IN (%s) %s
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, sqltask.Columns, sqltask.Placeholders(len(q.Types)), sqltask.Placeholders(len(q.Statuses)), skip)

	task, err := sqltask.Scan(notifyflow.Conn(ctx, s.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notifyflow.Task{}, false, nil
		}
		return notifyflow.Task{}, false, classify("lock task", err)
	}
	return task, true, nil
}

func (s *Store) UpdateTerminal(ctx context.Context, u notifyflow.TerminalUpdate) error {
	stmt := `UPDATE service_tasks
		SET
		  status = ?,
		  execution_count = ?,
		  context = ?,
		  message = ?,
		  execution_scheduled_at = ?,
		  execution_started_at = NULL,
		  modified_at = ?
		WHERE id = ?`
	res, err := notifyflow.Conn(ctx, s.db).ExecContext(ctx, stmt,
		string(u.Status),
		u.ExecutionCount,
		string(u.Context),
		sqltask.NullString(u.Message),
		sqltask.NullTime(u.ExecutionScheduledAt),
		u.ModifiedAt.UTC(),
		u.ID,
	)
	if err != nil {
		return classify("update terminal", err)
	}
	return requireOne("update terminal", u.ID, res)
}

func (s *Store) MarkPublished(ctx context.Context, id string, status notifyflow.TaskStatus) error {
	res, err := notifyflow.Conn(ctx, s.db).ExecContext(ctx,
		`UPDATE service_tasks SET status = ?, modified_at = ? WHERE id = ?`,
		string(status), s.clock.Now(), id)
	if err != nil {
		return classify("mark published", err)
	}
	return requireOne("mark published", id, res)
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (notifyflow.Task, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_tasks WHERE external_id = ?`, sqltask.Columns)
	task, err := sqltask.Scan(notifyflow.Conn(ctx, s.db).QueryRowContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notifyflow.Task{}, false, nil
		}
		return notifyflow.Task{}, false, classify("find task", err)
	}
	return task, true, nil
}

func selectIDs(ctx context.Context, conn notifyflow.DBTX, query string, args ...any) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireOne(op, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return notifyflow.Unexpected(op, &notifyflow.NotFoundError{Entity: "task", Key: id})
	}
	return nil
}

// classifyInsert turns duplicate-key errors into a ConflictError for the
// external id key and ErrPrimaryKeyCollision for the primary key.
func classifyInsert(t notifyflow.Task, err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == errDuplicateEntry {
		switch {
		case strings.Contains(me.Message, externalIDUniqueKey):
			return &notifyflow.ConflictError{ExternalID: t.ExternalID}
		case strings.Contains(me.Message, "PRIMARY"):
			return notifyflow.Unexpected(fmt.Sprintf("insert task %s", t.ID), notifyflow.ErrPrimaryKeyCollision)
		}
	}
	return classify("insert task", err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, context.DeadlineExceeded):
		return notifyflow.Temporary(op, err)
	case errors.As(err, &me) && (me.Number == errDeadlock || me.Number == errLockWaitTimeout):
		return notifyflow.Temporary(op, err)
	}
	return notifyflow.Unexpected(op, err)
}
