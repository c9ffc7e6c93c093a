package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var migrations = []string{
	`CREATE SEQUENCE IF NOT EXISTS lending_id_seq`,

	`CREATE TABLE IF NOT EXISTS listings (
		lending_id             BIGINT PRIMARY KEY,
		asset_address          TEXT NOT NULL,
		asset_id               BIGINT NOT NULL,
		asset_standard         SMALLINT NOT NULL,
		amount                 BIGINT NOT NULL,
		owner_address          TEXT NOT NULL,
		max_rent_duration_days INT NOT NULL,
		daily_rent_price       BIGINT NOT NULL,
		collateral_value       BIGINT NOT NULL,
		payment_token          SMALLINT NOT NULL,
		status                 TEXT NOT NULL,
		renter_address         TEXT NOT NULL DEFAULT '',
		rent_duration_days     INT NOT NULL DEFAULT 0,
		rented_at              TIMESTAMPTZ,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at              TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS asset_standards (
		asset_address TEXT PRIMARY KEY,
		standard      SMALLINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS nft_holdings (
		asset_address TEXT NOT NULL,
		asset_id      BIGINT NOT NULL,
		holder        TEXT NOT NULL,
		PRIMARY KEY (asset_address, asset_id)
	)`,

	`CREATE TABLE IF NOT EXISTS unit_balances (
		asset_address TEXT NOT NULL,
		asset_id      BIGINT NOT NULL,
		holder        TEXT NOT NULL,
		balance       BIGINT NOT NULL,
		PRIMARY KEY (asset_address, asset_id, holder)
	)`,

	`CREATE TABLE IF NOT EXISTS fund_balances (
		holder        TEXT NOT NULL,
		payment_token SMALLINT NOT NULL,
		balance       NUMERIC(78,0) NOT NULL,
		PRIMARY KEY (holder, payment_token)
	)`,

	`CREATE TABLE IF NOT EXISTS allowances (
		owner_address TEXT NOT NULL,
		payment_token SMALLINT NOT NULL,
		amount        NUMERIC(78,0) NOT NULL,
		PRIMARY KEY (owner_address, payment_token)
	)`,

	`CREATE TABLE IF NOT EXISTS payment_tokens (
		id            SMALLINT PRIMARY KEY,
		asset_address TEXT NOT NULL,
		decimals      SMALLINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS engine_config (
		id           SMALLINT PRIMARY KEY CHECK (id = 1),
		fee_rate_bps INT NOT NULL,
		beneficiary  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id          UUID PRIMARY KEY,
		type        TEXT NOT NULL,
		lending_id  BIGINT NOT NULL,
		payload     JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS events_lending_id_idx ON events (lending_id)`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key             TEXT PRIMARY KEY,
		request_hash    TEXT NOT NULL,
		status          TEXT NOT NULL,
		response_status INT,
		response_body   JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Statements are idempotent, so reapplying on
// every boot is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}
	return nil
}
