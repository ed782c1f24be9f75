package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Amounts are NUMERIC for
// exact decimal precision; config, info and snapshots are JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	config     JSONB NOT NULL,
	info       JSONB NOT NULL DEFAULT '{}',
	snapshot   JSONB,
	fixed_apr  NUMERIC NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_events (
	id          TEXT PRIMARY KEY,
	pool_id     TEXT NOT NULL REFERENCES pools (id),
	trader      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	asset       TEXT NOT NULL,
	maturity    BIGINT NOT NULL,
	base_amount NUMERIC NOT NULL,
	bond_amount NUMERIC NOT NULL,
	share_price NUMERIC NOT NULL,
	spot_price  NUMERIC NOT NULL,
	fixed_apr   NUMERIC NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS trade_events_pool_idx ON trade_events (pool_id, timestamp);
CREATE INDEX IF NOT EXISTS trade_events_trader_idx ON trade_events (trader, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("encode pool config: %w", err)
	}
	info, err := json.Marshal(p.Info)
	if err != nil {
		return fmt.Errorf("encode pool info: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pools (id, name, config, info, fixed_apr, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		p.ID, p.Name, config, info, p.FixedAPR.String(), p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

const poolColumns = `id, name, config, info, fixed_apr::TEXT, status, created_at, updated_at`

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) SavePoolState(ctx context.Context, id string, info model.PoolInfo, snapshot []byte) error {
	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode pool info: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pools
		 SET info = $2, snapshot = $3, fixed_apr = $4::NUMERIC, updated_at = now()
		 WHERE id = $1`,
		id, encoded, snapshot, info.FixedAPR.Decimal().String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPoolSnapshot(ctx context.Context, id string) ([]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM pools WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return snapshot, err
}

func (s *PostgresStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_events (id, pool_id, trader, kind, asset, maturity,
		                           base_amount, bond_amount, share_price, spot_price, fixed_apr, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		e.ID, e.PoolID, e.Trader, string(e.Kind), e.Asset, int64(e.Maturity),
		e.BaseAmount.String(), e.BondAmount.String(), e.SharePrice.String(),
		e.SpotPrice.String(), e.FixedAPR.String(), e.Timestamp,
	)
	return err
}

const eventColumns = `id, pool_id, trader, kind, asset, maturity,
        base_amount::TEXT, bond_amount::TEXT, share_price::TEXT, spot_price::TEXT, fixed_apr::TEXT, timestamp`

func (s *PostgresStore) GetTradeEventsByPool(ctx context.Context, poolID string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM trade_events WHERE pool_id = $1 ORDER BY timestamp`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *PostgresStore) GetTradeEventsByTrader(ctx context.Context, trader string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM trade_events WHERE trader = $1 ORDER BY timestamp`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

// scanPool reads one pools row.
func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var config, info []byte
	var apr string
	if err := row.Scan(&p.ID, &p.Name, &config, &info, &apr, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &p.Config); err != nil {
		return nil, fmt.Errorf("decode config of pool %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(info, &p.Info); err != nil {
		return nil, fmt.Errorf("decode info of pool %s: %w", p.ID, err)
	}
	var err error
	if p.FixedAPR, err = decimal.NewFromString(apr); err != nil {
		return nil, fmt.Errorf("decode fixed apr of pool %s: %w", p.ID, err)
	}
	return &p, nil
}

func scanTradeEvents(rows pgx.Rows) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var kind string
		var maturity int64
		var amounts [5]string

		if err := rows.Scan(&e.ID, &e.PoolID, &e.Trader, &kind, &e.Asset, &maturity,
			&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = model.TradeKind(kind)
		e.Maturity = uint64(maturity)

		parsed, err := parseNumerics(amounts[:]...)
		if err != nil {
			return nil, fmt.Errorf("trade event %s: %w", e.ID, err)
		}
		e.BaseAmount, e.BondAmount, e.SharePrice, e.SpotPrice, e.FixedAPR =
			parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]

		events = append(events, e)
	}
	return events, rows.Err()
}

// parseNumerics converts NUMERIC columns read as TEXT.
func parseNumerics(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}
