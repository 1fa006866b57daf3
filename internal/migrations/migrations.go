// Package migrations holds the versioned database schema as goose Go
// migrations.
//
// Versions are append-only. 00001 creates the ledger, 00002 adds the control
// plane (pause switch and role assignments), 00003 adds dispute details to
// escrow records, backfilling rows written by older versions, and 00004 tracks
// transfers whose confirmation is still open.
package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// All returns every migration in version order.
func All() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: upBaseLedger}, &goose.GoFunc{RunTx: downBaseLedger}),
		goose.NewGoMigration(2, &goose.GoFunc{RunTx: upControlPlane}, &goose.GoFunc{RunTx: downControlPlane}),
		goose.NewGoMigration(3, &goose.GoFunc{RunTx: upDisputeDetails}, &goose.GoFunc{RunTx: downDisputeDetails}),
		goose.NewGoMigration(4, &goose.GoFunc{RunTx: upPendingTransfers}, &goose.GoFunc{RunTx: downPendingTransfers}),
	}
}

// NewProvider returns a goose provider over the escrowd schema.
func NewProvider(db *sql.DB) (*goose.Provider, error) {
	return goose.NewProvider(goose.DialectPostgres, db, nil,
		goose.WithGoMigrations(All()...),
		goose.WithDisableGlobalRegistry(true),
	)
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	p, err := NewProvider(db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
