package sqltask

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sky93/notifyflow"
)

func TestListMigrationFiles(t *testing.T) {
	f := fstest.MapFS{
		"zzz.txt":                 {Data: []byte("ignore")},
		"0002_publish_index.sql":  {Data: []byte("--")},
		"0001_service_tasks.sql":  {Data: []byte("--")},
		"subdir/0003_ignored.sql": {Data: []byte("--")},
	}

	got, err := ListMigrationFiles(f)
	if err != nil {
		t.Fatalf("ListMigrationFiles returned error: %v", err)
	}
	want := []string{"0001_service_tasks.sql", "0002_publish_index.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected migration list: got=%v want=%v", got, want)
	}
}

type rowStub struct {
	values []any
	err    error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func TestScanMapsNullableColumns(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	scheduled := created.Add(time.Hour)

	row := rowStub{values: []any{
		"id-1", "SEND_EMAIL", "ERROR", "ext-1", notifyflow.PriorityHigh, 2,
		nullTime(nil), nullTime(&scheduled), []byte(`{"input":{}}`), nullString(nil), created, created,
	}}
	task, err := Scan(row)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if task.Type != notifyflow.TaskSendEmail || task.Status != notifyflow.TaskError {
		t.Fatalf("unexpected type/status: %s/%s", task.Type, task.Status)
	}
	if task.ExecutionStartedAt != nil {
		t.Fatalf("expected nil started at, got %v", task.ExecutionStartedAt)
	}
	if task.ExecutionScheduledAt == nil || !task.ExecutionScheduledAt.Equal(scheduled) {
		t.Fatalf("unexpected scheduled at: %v", task.ExecutionScheduledAt)
	}
	if task.Message != nil {
		t.Fatalf("expected nil message")
	}
	if task.Priority != notifyflow.PriorityHigh || task.ExecutionCount != 2 {
		t.Fatalf("unexpected priority/count: %d/%d", task.Priority, task.ExecutionCount)
	}
}

func TestScanPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := Scan(rowStub{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected scan error, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3); got != "?,?,?" {
		t.Fatalf("unexpected placeholders %q", got)
	}
	if got := Placeholders(0); got != "" {
		t.Fatalf("expected empty placeholders, got %q", got)
	}
}
