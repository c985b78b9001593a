package postgres

import (
	"context"
	"fmt"
)

// schema is idempotent so every service can apply it at startup
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              BIGSERIAL PRIMARY KEY,
		address         TEXT NOT NULL UNIQUE,
		username        TEXT NOT NULL DEFAULT '',
		pending_balance DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		paid_balance    DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (paid_balance >= 0),
		total_earnings  DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_shares    BIGINT NOT NULL DEFAULT 0,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at    TIMESTAMPTZ,
		last_share_at   TIMESTAMPTZ
	)`,
	// databases created before users carried share counters
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS total_shares BIGINT NOT NULL DEFAULT 0`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS last_share_at TIMESTAMPTZ`,
	`CREATE TABLE IF NOT EXISTS workers (
		id            BIGSERIAL PRIMARY KEY,
		user_id       BIGINT NOT NULL REFERENCES users(id),
		coin          TEXT NOT NULL,
		name          TEXT NOT NULL,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		valid_shares  BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_share_at TIMESTAMPTZ,
		UNIQUE (user_id, coin, name)
	)`,
	`CREATE TABLE IF NOT EXISTS shares (
		id                 BIGSERIAL PRIMARY KEY,
		user_id            BIGINT NOT NULL REFERENCES users(id),
		worker_id          BIGINT NOT NULL REFERENCES workers(id),
		coin               TEXT NOT NULL,
		job_id             TEXT NOT NULL,
		block_height       BIGINT NOT NULL,
		difficulty         DOUBLE PRECISION NOT NULL,
		network_difficulty DOUBLE PRECISION NOT NULL,
		is_valid           BOOLEAN NOT NULL DEFAULT TRUE,
		is_block_candidate BOOLEAN NOT NULL DEFAULT FALSE,
		hash               TEXT NOT NULL,
		nonce              TEXT NOT NULL,
		extra_nonce2       TEXT NOT NULL,
		ntime              TEXT NOT NULL,
		submitted_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (hash, nonce)
	)`,
	`CREATE INDEX IF NOT EXISTS shares_coin_submitted_idx ON shares (coin, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id                 BIGSERIAL PRIMARY KEY,
		coin               TEXT NOT NULL,
		height             BIGINT NOT NULL,
		hash               TEXT NOT NULL,
		reward             DOUBLE PRECISION NOT NULL,
		pool_fee           DOUBLE PRECISION NOT NULL,
		finder_bonus       DOUBLE PRECISION NOT NULL DEFAULT 0,
		distributed        DOUBLE PRECISION NOT NULL,
		rounding_remainder DOUBLE PRECISION NOT NULL DEFAULT 0,
		finder_user_id     BIGINT REFERENCES users(id),
		miners_paid        INTEGER NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (coin, height)
	)`,
	`CREATE TABLE IF NOT EXISTS pool_fees (
		id         BIGSERIAL PRIMARY KEY,
		coin       TEXT NOT NULL,
		height     BIGINT NOT NULL,
		amount     DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (coin, height)
	)`,
	`CREATE TABLE IF NOT EXISTS payouts (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT NOT NULL REFERENCES users(id),
		address          TEXT NOT NULL,
		amount           DOUBLE PRECISION NOT NULL CHECK (amount > 0),
		fee              DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_amount       DOUBLE PRECISION NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending'
		                 CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		transaction_hash TEXT,
		error_message    TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at     TIMESTAMPTZ,
		confirmed_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS payouts_status_created_idx ON payouts (status, created_at)`,
}

// Migrate applies the schema
func (c *Client) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
