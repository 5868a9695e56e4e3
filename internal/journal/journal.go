// Package journal persists position lifecycle transitions and gateway call
// telemetry to Postgres. It listens on the event bus; a journal failure is
// logged and dropped, it never blocks or fails a trading operation. With a
// nil pool the journal runs in no-op mode.
package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/events"
)

// Journal writes lifecycle and telemetry records.
type Journal struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	// writeTimeout bounds each insert so a slow database cannot pile up
	// goroutines behind the bus.
	writeTimeout time.Duration
}

// New creates a journal over pool. pool may be nil.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Journal {
	return &Journal{
		pool:         pool,
		logger:       logger.With().Str("component", "Journal").Logger(),
		writeTimeout: 5 * time.Second,
	}
}

// Connect opens a pgx pool from a DSN. Empty DSN returns nil (no-op mode).
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the journal tables if they do not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if j.pool == nil {
		return nil
	}
	_, err := j.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS position_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			price_at_event DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_position_events_symbol
			ON position_events (symbol, occurred_at DESC);

		CREATE TABLE IF NOT EXISTS gateway_calls (
			id BIGSERIAL PRIMARY KEY,
			operation TEXT NOT NULL,
			attempt INT NOT NULL,
			outcome TEXT NOT NULL,
			latency_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// RecordPositionEvent inserts one position transition row.
func (j *Journal) RecordPositionEvent(ctx context.Context, eventType string, pe events.PositionEvent) error {
	if j.pool == nil {
		return nil
	}
	query := `
		INSERT INTO position_events
			(event_type, symbol, side, reason_code, price_at_event, pnl_pct, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := j.pool.Exec(ctx, query,
		eventType, pe.Symbol, pe.Side, pe.Reason, pe.Price, pe.PnLPct, pe.Timestamp)
	return err
}

// RecordGatewayCall inserts one gateway call attempt row.
func (j *Journal) RecordGatewayCall(ctx context.Context, ge events.GatewayEvent) error {
	if j.pool == nil {
		return nil
	}
	query := `
		INSERT INTO gateway_calls (operation, attempt, outcome, latency_ms)
		VALUES ($1, $2, $3, $4)`
	_, err := j.pool.Exec(ctx, query,
		ge.Operation, ge.Attempt, ge.Outcome, ge.Latency.Milliseconds())
	return err
}

// PositionEventRecord is one journaled position transition row.
type PositionEventRecord struct {
	EventType  string
	Symbol     string
	Side       string
	Reason     string
	Price      float64
	PnLPct     float64
	OccurredAt time.Time
}

// RecentPositionEvents returns the latest position transition rows, newest
// first. An empty symbol spans all symbols; limit <= 0 defaults to 50.
func (j *Journal) RecentPositionEvents(ctx context.Context, symbol string, limit int) ([]PositionEventRecord, error) {
	if j.pool == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if symbol != "" {
		rows, err = j.pool.Query(ctx, `
			SELECT event_type, symbol, side, reason_code, price_at_event, pnl_pct, occurred_at
			FROM position_events
			WHERE symbol = $1
			ORDER BY occurred_at DESC
			LIMIT $2`, symbol, limit)
	} else {
		rows, err = j.pool.Query(ctx, `
			SELECT event_type, symbol, side, reason_code, price_at_event, pnl_pct, occurred_at
			FROM position_events
			ORDER BY occurred_at DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionEventRecord
	for rows.Next() {
		var rec PositionEventRecord
		if err := rows.Scan(&rec.EventType, &rec.Symbol, &rec.Side, &rec.Reason, &rec.Price, &rec.PnLPct, &rec.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Attach subscribes the journal to the bus. Insert failures are logged and
// dropped; the bus already runs subscribers on their own goroutines.
func (j *Journal) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
		defer cancel()

		switch {
		case e.Gateway != nil:
			if err := j.RecordGatewayCall(ctx, *e.Gateway); err != nil {
				j.logger.Warn().Err(err).Msg("Failed to journal gateway call")
			}
		case e.Position != nil:
			if err := j.RecordPositionEvent(ctx, string(e.Type), *e.Position); err != nil {
				j.logger.Warn().Err(err).
					Str("symbol", e.Position.Symbol).
					Msg("Failed to journal position event")
			}
		}
	})
}

// Close releases the pool.
func (j *Journal) Close() {
	if j.pool != nil {
		j.pool.Close()
	}
}
