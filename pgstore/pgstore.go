// Package pgstore keeps notifyflow tasks in a PostgreSQL service_tasks table,
// using pgx through database/sql.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/internal/sqltask"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	uniqueViolation     = "23505"
	primaryKeyName      = "service_tasks_pkey"
	externalIDUniqueKey = "uq_service_tasks_external_id"
)

// Store is a notifyflow.Repository and notifyflow.Transactor backed by PostgreSQL.
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

func Open(dsn string) (*Store, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	return New(stdlib.OpenDB(*cfg)), nil
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

func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return sqltask.Migrator{
		DB:    s.db,
		Files: files,
		CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
		IsApplied: `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
		Record:    `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
	}.Migrate(ctx)
}

func (s *Store) Insert(ctx context.Context, t notifyflow.Task) error {
	_, err := notifyflow.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO service_tasks (id, type, status, external_id, priority, execution_count,
			execution_started_at, execution_scheduled_at, context, message, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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

// ClaimBatch moves due rows to claim.ToStatus in one UPDATE ... RETURNING whose
// row selection skips rows locked by concurrent claimers.
func (s *Store) ClaimBatch(ctx context.Context, claim notifyflow.ClaimBatch) ([]notifyflow.Task, error) {
	if len(claim.FromStatuses) == 0 {
		return nil, nil
	}
	args := []any{
		string(claim.ToStatus),
		claim.StartedAt.UTC(),
		sqltask.Strings(claim.FromStatuses),
		claim.DueBefore.UTC(),
	}
	limit := ""
	if claim.Limit > 0 {
		limit = "LIMIT $5"
		args = append(args, claim.Limit)
	}
	query := fmt.Sprintf(`
		UPDATE service_tasks
		SET status = $1, execution_started_at = $2, execution_scheduled_at = NULL, modified_at = $2
		WHERE id IN (
			SELECT id FROM service_tasks
			WHERE status = ANY($3)
			  AND (execution_scheduled_at IS NULL OR execution_scheduled_at <= $4)
			ORDER BY priority DESC, created_at, id
			%s
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, limit, sqltask.Columns)

	rows, err := notifyflow.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("claim tasks", err)
	}
	tasks, err := sqltask.ScanAll(rows)
	if err != nil {
		return nil, classify("claim tasks", err)
	}
	// RETURNING has no defined order.
	sortClaimed(tasks)
	return tasks, nil
}

// LockOne must run inside WithinTx; outside a transaction the row lock ends with the statement.
func (s *Store) LockOne(ctx context.Context, q notifyflow.LockQuery) (notifyflow.Task, bool, error) {
	if len(q.Types) == 0 || len(q.Statuses) == 0 {
		return notifyflow.Task{}, false, nil
	}
	skip := q.SkipIDs
	if skip == nil {
		skip = []string{}
	}
	query := fmt.Sprintf(`
		SELECT %s FROM service_tasks
		WHERE type = ANY($1) AND status = ANY($2) AND NOT (id = ANY($3))
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, sqltask.Columns)
	task, err := sqltask.Scan(notifyflow.Conn(ctx, s.db).QueryRowContext(ctx, query,
		sqltask.Strings(q.Types), sqltask.Strings(q.Statuses), skip))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notifyflow.Task{}, false, nil
		}
		return notifyflow.Task{}, false, classify("lock task", err)
	}
	return task, true, nil
}

func (s *Store) UpdateTerminal(ctx context.Context, u notifyflow.TerminalUpdate) error {
	res, err := notifyflow.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE service_tasks
		SET status = $1,
		    execution_count = $2,
		    context = $3,
		    message = $4,
		    execution_scheduled_at = $5,
		    execution_started_at = NULL,
		    modified_at = $6
		WHERE id = $7`,
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
		`UPDATE service_tasks SET status = $1, modified_at = $2 WHERE id = $3`,
		string(status), s.clock.Now(), id)
	if err != nil {
		return classify("mark published", err)
	}
	return requireOne("mark published", id, res)
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (notifyflow.Task, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_tasks WHERE external_id = $1`, sqltask.Columns)
	task, err := sqltask.Scan(notifyflow.Conn(ctx, s.db).QueryRowContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notifyflow.Task{}, false, nil
		}
		return notifyflow.Task{}, false, classify("find task", err)
	}
	return task, true, nil
}

func sortClaimed(tasks []notifyflow.Task) {
	sort.Slice(tasks, func(i, j int) bool { return claimedBefore(tasks[i], tasks[j]) })
}

func claimedBefore(a, b notifyflow.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
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

func classifyInsert(t notifyflow.Task, err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == uniqueViolation {
		switch pe.ConstraintName {
		case externalIDUniqueKey:
			return &notifyflow.ConflictError{ExternalID: t.ExternalID}
		case primaryKeyName:
			return notifyflow.Unexpected(fmt.Sprintf("insert task %s", t.ID), notifyflow.ErrPrimaryKeyCollision)
		}
	}
	return classify("insert task", err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case pe.Code == "40001", pe.Code == "40P01", pe.Code == "57P01", strings.HasPrefix(pe.Code, "08"):
			return notifyflow.Temporary(op, err)
		}
		return notifyflow.Unexpected(op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return notifyflow.Temporary(op, err)
	}
	return notifyflow.Unexpected(op, err)
}
