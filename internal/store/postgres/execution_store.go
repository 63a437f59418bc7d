package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// dbtx is the subset of pgxpool.Pool the store needs.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const executionColumns = `id, buy_from, sell_to, buy_price::text, sell_price::text, profit::text, status, detected_at, completed_at`

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	db dbtx
}

// NewExecutionStore creates an ExecutionStore on pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{db: pool}
}

// Insert writes one execution. Re-inserting an id is a no-op.
func (s *ExecutionStore) Insert(ctx context.Context, exec domain.Execution) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO arb_executions (id, buy_from, sell_to, buy_price, sell_price, profit, status, detected_at, completed_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.BuyFrom, exec.SellTo,
		exec.BuyPrice.String(), exec.SellPrice.String(), exec.Profit.String(),
		string(exec.Status), exec.Timestamp, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert arb_execution %s: %w", exec.ID, err)
	}
	return nil
}

// ListRecent returns the newest executions first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM arb_executions ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list arb_executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListBefore returns executions completed before the cutoff, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM arb_executions WHERE completed_at < $1 ORDER BY completed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list arb_executions before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectExecutions(rows)
}

// DeleteBefore removes executions completed before the cutoff.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM arb_executions WHERE completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete arb_executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	out, err := pgx.CollectRows(rows, scanExecution)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan arb_executions: %w", err)
	}
	return out, nil
}

func scanExecution(row pgx.CollectableRow) (domain.Execution, error) {
	var (
		e                       domain.Execution
		buy, sell, profit, stat string
	)
	if err := row.Scan(&e.ID, &e.BuyFrom, &e.SellTo, &buy, &sell, &profit, &stat, &e.Timestamp, &e.CompletedAt); err != nil {
		return domain.Execution{}, err
	}
	var err error
	if e.BuyPrice, err = decimal.NewFromString(buy); err != nil {
		return domain.Execution{}, fmt.Errorf("buy_price: %w", err)
	}
	if e.SellPrice, err = decimal.NewFromString(sell); err != nil {
		return domain.Execution{}, fmt.Errorf("sell_price: %w", err)
	}
	if e.Profit, err = decimal.NewFromString(profit); err != nil {
		return domain.Execution{}, fmt.Errorf("profit: %w", err)
	}
	e.Status = domain.ExecutionStatus(stat)
	return e, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
