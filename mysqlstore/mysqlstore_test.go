package mysqlstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/internal/sqltask"
	"github.com/sky93/notifyflow/internal/storetest"
)

func TestClassifyInsert(t *testing.T) {
	task := storetest.NewTask("id-1", "ext-1", notifyflow.TaskPending, notifyflow.PriorityLow, 0)

	err := classifyInsert(task, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'ext-1' for key 'service_tasks.uq_service_tasks_external_id'"})
	if !notifyflow.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	err = classifyInsert(task, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'id-1' for key 'service_tasks.PRIMARY'"})
	if !errors.Is(err, notifyflow.ErrPrimaryKeyCollision) {
		t.Fatalf("expected primary key collision, got %v", err)
	}

	err = classifyInsert(task, &mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
	if !notifyflow.IsTemporary(err) {
		t.Fatalf("expected deadlock to be temporary, got %v", err)
	}

	err = classifyInsert(task, &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"})
	if notifyflow.IsTemporary(err) || notifyflow.IsConflict(err) {
		t.Fatalf("expected plain unexpected error, got %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	files, err := sqltask.ListMigrationFiles(sub)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) == 0 || files[0] != "0001_service_tasks.sql" {
		t.Fatalf("unexpected migrations %v", files)
	}
}

// Runs against a real server when NOTIFYFLOW_MYSQL_DSN is set.
func TestStoreBehaviour(t *testing.T) {
	dsn := os.Getenv("NOTIFYFLOW_MYSQL_DSN")
	if dsn == "" {
		t.Skip("NOTIFYFLOW_MYSQL_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.DB().Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) storetest.Store {
		if _, err := s.DB().ExecContext(context.Background(), "DELETE FROM service_tasks"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
