package migrations

import (
	"context"
	"database/sql"
)

// upPendingTransfers adds the table of transfers that were broadcast but
// never confirmed. One row per escrow blocks further transfers for it.
func upPendingTransfers(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE pending_transfers (
			scope        TEXT PRIMARY KEY,
			reference    TEXT NOT NULL UNIQUE,
			id           TEXT NOT NULL,
			direction    TEXT NOT NULL CHECK (direction IN ('in', 'out')),
			counterparty TEXT NOT NULL,
			asset        TEXT NOT NULL,
			amount       NUMERIC(39,0) NOT NULL CHECK (amount > 0),
			tx_hash      TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
	)
}

func downPendingTransfers(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `DROP TABLE IF EXISTS pending_transfers`)
}
