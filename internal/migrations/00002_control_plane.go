package migrations

import (
	"context"
	"database/sql"
)

func upControlPlane(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE pause_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			paused     BOOLEAN NOT NULL,
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE role_assignments (
			role       TEXT NOT NULL CHECK (role IN ('administrator', 'bridge_operator', 'pause_operator')),
			identity   TEXT NOT NULL,
			granted_by TEXT NOT NULL DEFAULT '',
			granted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (role, identity)
		)`,
	)
}

func downControlPlane(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS role_assignments`,
		`DROP TABLE IF EXISTS pause_state`,
	)
}
