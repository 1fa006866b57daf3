package migrations

import (
	"context"
	"database/sql"
)

// upDisputeDetails adds the dispute reason, the dispute counter and the record
// schema version. Existing rows are backfilled: a record that has ever left
// dispute_status 'none' was disputed at least once.
func upDisputeDetails(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE escrows ADD COLUMN dispute_reason TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE escrows ADD COLUMN dispute_count INTEGER NOT NULL DEFAULT 0 CHECK (dispute_count >= 0)`,
		`ALTER TABLE escrows ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1`,
		`UPDATE escrows SET dispute_count = 1 WHERE dispute_status <> 'none'`,
		`UPDATE escrows SET schema_version = 3`,
	)
}

func downDisputeDetails(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE escrows DROP COLUMN IF EXISTS schema_version`,
		`ALTER TABLE escrows DROP COLUMN IF EXISTS dispute_count`,
		`ALTER TABLE escrows DROP COLUMN IF EXISTS dispute_reason`,
	)
}
