// Package sqltask holds the row mapping and migration runner shared by the SQL stores.
package sqltask

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/sky93/notifyflow"
)

// Columns is the select list matching Scan.
const Columns = `id, type, status, external_id, priority, execution_count, execution_started_at,
	execution_scheduled_at, context, message, created_at, modified_at`

type Scanner interface {
	Scan(dest ...any) error
}

func Scan(s Scanner) (notifyflow.Task, error) {
	var (
		t                  notifyflow.Task
		typ, status        string
		started, scheduled sql.NullTime
		message            sql.NullString
		ctxJSON            []byte
	)
	if err := s.Scan(&t.ID, &typ, &status, &t.ExternalID, &t.Priority, &t.ExecutionCount, &started,
		&scheduled, &ctxJSON, &message, &t.CreatedAt, &t.ModifiedAt); err != nil {
		return notifyflow.Task{}, err
	}
	t.Type = notifyflow.TaskType(typ)
	t.Status = notifyflow.TaskStatus(status)
	t.Context = append([]byte(nil), ctxJSON...)
	if started.Valid {
		v := started.Time.UTC()
		t.ExecutionStartedAt = &v
	}
	if scheduled.Valid {
		v := scheduled.Time.UTC()
		t.ExecutionScheduledAt = &v
	}
	if message.Valid {
		v := message.String
		t.Message = &v
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ModifiedAt = t.ModifiedAt.UTC()
	return t, nil
}

func ScanAll(rows *sql.Rows) ([]notifyflow.Task, error) {
	defer rows.Close()
	out := make([]notifyflow.Task, 0)
	for rows.Next() {
		t, err := Scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func NullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Strings converts typed string enums into driver-friendly values.
func Strings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// Placeholders returns n comma separated "?" markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Migrator applies embedded *.sql files once each, in file name order.
type Migrator struct {
	DB    *sql.DB
	Files fs.FS
	// CreateTable creates the schema_migrations bookkeeping table.
	CreateTable string
	// IsApplied takes the version and scans one bool.
	IsApplied string
	// Record takes the version and the applied-at time.
	Record string
}

func (m Migrator) Migrate(ctx context.Context) error {
	if _, err := m.DB.ExecContext(ctx, m.CreateTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := ListMigrationFiles(m.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := m.DB.QueryRowContext(ctx, m.IsApplied, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		if err := m.apply(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (m Migrator) apply(ctx context.Context, file string) error {
	sqlBytes, err := fs.ReadFile(m.Files, file)
	if err != nil {
		return err
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, m.Record, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func ListMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
