package notifyflow

import (
	"context"
	"database/sql"
)

// Transactor runs a block inside one storage transaction.
//
// If fn returns an error the transaction is rolled back and the error is returned
// unchanged. If fn panics the transaction is rolled back and the panic continues.
// Otherwise the transaction is committed; a failed commit is returned as a
// temporary *UnexpectedError.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// InTx runs fn through tx and hands back its value.
func InTx[T any](ctx context.Context, tx Transactor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// DBTX is the subset of *sql.DB and *sql.Tx used by the SQL repositories.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// TxFromContext returns the SQL transaction opened by SQLTransactor, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// Conn returns the transaction carried by ctx, or db.
func Conn(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// SQLTransactor is the database/sql Transactor shared by the SQL stores.
type SQLTransactor struct {
	DB *sql.DB
	// Options is passed to BeginTx. Nil uses the driver default.
	Options *sql.TxOptions
}

func (t SQLTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	// Nested blocks join the outer transaction.
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := t.DB.BeginTx(ctx, t.Options)
	if err != nil {
		return Temporary("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		// A failed commit leaves nothing to roll back.
		committed = true
		return Temporary("commit transaction", err)
	}
	committed = true
	return nil
}
