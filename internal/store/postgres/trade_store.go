package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Decimal values
// travel as strings so NUMERIC columns keep exact precision.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertFill appends one trade-history row.
func (s *TradeStore) InsertFill(ctx context.Context, fill domain.TradeFill) error {
	const query = `
		INSERT INTO trade_fills (id, order_id, position_id, symbol, side, quantity, price, realized_pnl, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var pnl *string
	if fill.RealizedPnL != nil {
		v := fill.RealizedPnL.String()
		pnl = &v
	}
	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.OrderID, fill.PositionID, fill.Symbol, string(fill.Side),
		fill.Quantity.String(), fill.Price.String(), pnl, fill.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.ID, err)
	}
	return nil
}

// ListRecent returns fills ordered newest first with pagination and optional
// time filtering.
func (s *TradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.TradeFill, error) {
	query := `SELECT id, order_id, position_id, symbol, side, quantity, price, realized_pnl, executed_at
		FROM trade_fills WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY executed_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()
	return scanFills(rows)
}

// ListBefore returns all fills executed strictly before the cutoff, oldest
// first, for the archiver.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeFill, error) {
	const query = `SELECT id, order_id, position_id, symbol, side, quantity, price, realized_pnl, executed_at
		FROM trade_fills WHERE executed_at < $1 ORDER BY executed_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before, err)
	}
	defer rows.Close()
	return scanFills(rows)
}

func scanFills(rows pgx.Rows) ([]domain.TradeFill, error) {
	var fills []domain.TradeFill
	for rows.Next() {
		var (
			f        domain.TradeFill
			side     string
			qty, prc string
			pnl      *string
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.PositionID, &f.Symbol, &side, &qty, &prc, &pnl, &f.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.OrderSide(side)

		var err error
		if f.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("postgres: parse quantity %q: %w", qty, err)
		}
		if f.Price, err = decimal.NewFromString(prc); err != nil {
			return nil, fmt.Errorf("postgres: parse price %q: %w", prc, err)
		}
		if pnl != nil {
			v, err := decimal.NewFromString(*pnl)
			if err != nil {
				return nil, fmt.Errorf("postgres: parse realized pnl %q: %w", *pnl, err)
			}
			f.RealizedPnL = &v
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fills: %w", err)
	}
	return fills, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
