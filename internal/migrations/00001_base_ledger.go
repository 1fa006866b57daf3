package migrations

import (
	"context"
	"database/sql"
)

func upBaseLedger(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE ledger_counters (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			next_escrow_id BIGINT NOT NULL,
			last_event_seq BIGINT NOT NULL
		)`,
		`INSERT INTO ledger_counters (id, next_escrow_id, last_event_seq) VALUES (1, 0, 0)`,

		`CREATE TABLE escrows (
			id             BIGINT PRIMARY KEY,
			payer          TEXT NOT NULL,
			payee          TEXT NOT NULL,
			asset          TEXT NOT NULL,
			amount         NUMERIC(39,0) NOT NULL CHECK (amount > 0),
			deadline       TIMESTAMPTZ NOT NULL,
			vertical       TEXT NOT NULL DEFAULT '',
			reference      TEXT NOT NULL DEFAULT '',
			conditions     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			dispute_status TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX idx_escrows_status ON escrows (status, id)`,
		`CREATE INDEX idx_escrows_active_asset ON escrows (asset) WHERE status IN ('funded', 'disputed')`,

		`CREATE TABLE custody_balances (
			asset      TEXT PRIMARY KEY,
			balance    NUMERIC(39,0) NOT NULL CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE custody_receipts (
			id           TEXT PRIMARY KEY,
			reference    TEXT NOT NULL UNIQUE,
			escrow_id    BIGINT NOT NULL REFERENCES escrows (id),
			direction    TEXT NOT NULL CHECK (direction IN ('in', 'out')),
			counterparty TEXT NOT NULL,
			asset        TEXT NOT NULL,
			amount       NUMERIC(39,0) NOT NULL CHECK (amount > 0),
			tx_hash      TEXT,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX idx_custody_receipts_escrow ON custody_receipts (escrow_id)`,

		`CREATE TABLE escrow_events (
			seq        BIGINT PRIMARY KEY,
			type       TEXT NOT NULL,
			escrow_id  BIGINT NOT NULL REFERENCES escrows (id),
			actor      TEXT NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX idx_escrow_events_escrow ON escrow_events (escrow_id, seq)`,

		`CREATE TABLE api_keys (
			id         TEXT PRIMARY KEY,
			hash       TEXT NOT NULL UNIQUE,
			identity   TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_used  TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			revoked    BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX idx_api_keys_identity ON api_keys (identity)`,
	)
}

func downBaseLedger(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS api_keys`,
		`DROP TABLE IF EXISTS escrow_events`,
		`DROP TABLE IF EXISTS custody_receipts`,
		`DROP TABLE IF EXISTS custody_balances`,
		`DROP TABLE IF EXISTS escrows`,
		`DROP TABLE IF EXISTS ledger_counters`,
	)
}
