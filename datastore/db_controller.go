package datastore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// dbController routes statements to the open transaction, if any, or to the pool.
type dbController struct {
	lggr logger.Logger
	tx   *sql.Tx
	base *sql.DB
}

func newDBController(lggr logger.Logger, db *sql.DB) *dbController {
	return &dbController{lggr: lggr, base: db}
}

func (d *dbController) Query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	d.lggr.Debugw("Executing query", "query", q, "args", args)
	if d.tx != nil {
		return d.tx.QueryContext(ctx, q, args...)
	}

	return d.base.QueryContext(ctx, q, args...)
}

func (d *dbController) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	d.lggr.Debugw("Executing statement", "statement", q, "args", args)
	if d.tx != nil {
		return d.tx.ExecContext(ctx, q, args...)
	}

	return d.base.ExecContext(ctx, q, args...)
}

// exists reports whether q returns at least one row.
func (d *dbController) exists(ctx context.Context, q string, args ...any) (bool, error) {
	rows, err := d.Query(ctx, q, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := rows.Next()

	return found, rows.Err()
}

func (d *dbController) Begin(ctx context.Context) error {
	if d.tx != nil {
		return errors.New("transaction already started")
	}
	tx, err := d.base.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	d.tx = tx

	return nil
}

func (d *dbController) Commit() error {
	if d.tx == nil {
		return errors.New("no transaction to commit")
	}
	defer func() { d.tx = nil }()

	return d.tx.Commit()
}

func (d *dbController) Rollback() error {
	if d.tx == nil {
		return errors.New("no transaction to roll back")
	}
	defer func() { d.tx = nil }()

	return d.tx.Rollback()
}
