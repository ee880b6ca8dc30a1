package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"options-trading-bot/config"
)

// Repository persists positions in PostgreSQL. The database is authoritative
// for lifecycle state; the ActiveCache is a read-optimized projection of it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewPool creates the pgx connection pool from configuration.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// NewRepository wraps an existing pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InitSchema creates the positions table when it does not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS positions (
			tracker_id          BIGSERIAL PRIMARY KEY,
			segment             TEXT NOT NULL,
			security_id         TEXT NOT NULL,
			symbol              TEXT NOT NULL DEFAULT '',
			side                TEXT NOT NULL,
			option_type         TEXT NOT NULL,
			quantity            INTEGER NOT NULL,
			entry_price         DOUBLE PRECISION NOT NULL,
			current_pnl         DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_percent         DOUBLE PRECISION NOT NULL DEFAULT 0,
			high_water_mark_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			peak_profit_pct     DOUBLE PRECISION NOT NULL DEFAULT 0,
			sl_price            DOUBLE PRECISION,
			tp_price            DOUBLE PRECISION,
			exit_price          DOUBLE PRECISION,
			status              TEXT NOT NULL DEFAULT 'pending',
			index_key           TEXT NOT NULL DEFAULT '',
			direction           TEXT NOT NULL DEFAULT '',
			exit_reason         TEXT,
			exit_triggered_at   TIMESTAMPTZ,
			breakeven_locked    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	`)
	if err != nil {
		return fmt.Errorf("init positions schema: %w", err)
	}
	return nil
}

// CreatePosition inserts a new position and assigns its tracker ID.
func (r *Repository) CreatePosition(ctx context.Context, pos *Position) error {
	query := `
		INSERT INTO positions (
			segment, security_id, symbol, side, option_type, quantity,
			entry_price, sl_price, tp_price, status, index_key, direction,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
		RETURNING tracker_id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		pos.Segment, pos.SecurityID, pos.Symbol, pos.Side, pos.OptionType,
		pos.Quantity, pos.EntryPrice, pos.SLPrice, pos.TPPrice, pos.Status,
		pos.Meta.IndexKey, pos.Meta.Direction,
	).Scan(&pos.TrackerID, &pos.CreatedAt, &pos.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

// GetPosition loads one position by tracker ID.
func (r *Repository) GetPosition(ctx context.Context, trackerID int64) (*Position, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE tracker_id = $1`, trackerID)
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	return pos, err
}

// GetActivePositions loads all positions currently in active status.
func (r *Repository) GetActivePositions(ctx context.Context) ([]*Position, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE status = $1 ORDER BY tracker_id`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// UpdateTrailingState persists per-cycle PnL/HWM/SL mutations.
func (r *Repository) UpdateTrailingState(ctx context.Context, pos *Position) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE positions SET
			current_pnl = $2, pnl_percent = $3, high_water_mark_pnl = $4,
			peak_profit_pct = $5, sl_price = $6, tp_price = $7,
			breakeven_locked = $8, updated_at = NOW()
		WHERE tracker_id = $1 AND status = 'active'`,
		pos.TrackerID, pos.CurrentPnL, pos.PnLPercent, pos.HighWaterMarkPnL,
		pos.PeakProfitPct, pos.SLPrice, pos.TPPrice, pos.Meta.BreakevenLocked,
	)
	if err != nil {
		return fmt.Errorf("update trailing state %d: %w", pos.TrackerID, err)
	}
	return nil
}

// ActivatePosition promotes a pending position on fill confirmation.
func (r *Repository) ActivatePosition(ctx context.Context, trackerID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE positions SET status = 'active', updated_at = NOW()
		WHERE tracker_id = $1 AND status = 'pending'`, trackerID)
	if err != nil {
		return fmt.Errorf("activate position %d: %w", trackerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d -> active", ErrInvalidTransition, trackerID)
	}
	return nil
}

// MarkExited atomically moves the row to exited and records reason/price.
// The WHERE status guard makes a lost race read as already-exited: it returns
// ErrPositionTerminal and mutates nothing.
func (r *Repository) MarkExited(ctx context.Context, trackerID int64, reason string, exitPrice *float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE positions SET
			status = 'exited', exit_reason = $2, exit_price = $3,
			exit_triggered_at = NOW(), updated_at = NOW()
		WHERE tracker_id = $1 AND status = 'active'`,
		trackerID, reason, exitPrice)
	if err != nil {
		return fmt.Errorf("mark exited %d: %w", trackerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionTerminal
	}
	return nil
}

// CancelPosition moves a pending position to cancelled.
func (r *Repository) CancelPosition(ctx context.Context, trackerID int64, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE positions SET status = 'cancelled', exit_reason = $2, updated_at = NOW()
		WHERE tracker_id = $1 AND status IN ('pending', 'active')`,
		trackerID, reason)
	if err != nil {
		return fmt.Errorf("cancel position %d: %w", trackerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionTerminal
	}
	return nil
}

const selectColumns = `
	SELECT tracker_id, segment, security_id, symbol, side, option_type,
		quantity, entry_price, current_pnl, pnl_percent, high_water_mark_pnl,
		peak_profit_pct, sl_price, tp_price, exit_price, status, index_key,
		direction, exit_reason, exit_triggered_at, breakeven_locked,
		created_at, updated_at
	FROM positions`

func scanPosition(row pgx.Row) (*Position, error) {
	var pos Position
	var exitReason *string
	err := row.Scan(
		&pos.TrackerID, &pos.Segment, &pos.SecurityID, &pos.Symbol, &pos.Side,
		&pos.OptionType, &pos.Quantity, &pos.EntryPrice, &pos.CurrentPnL,
		&pos.PnLPercent, &pos.HighWaterMarkPnL, &pos.PeakProfitPct,
		&pos.SLPrice, &pos.TPPrice, &pos.ExitPrice, &pos.Status,
		&pos.Meta.IndexKey, &pos.Meta.Direction, &exitReason,
		&pos.Meta.ExitTriggeredAt, &pos.Meta.BreakevenLocked,
		&pos.CreatedAt, &pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitReason != nil {
		pos.Meta.ExitReason = *exitReason
	}
	return &pos, nil
}
