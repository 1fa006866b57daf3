// Command migrate applies the escrowd schema via goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations, then verify ledger invariants
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate up-to <version>
//	go run ./cmd/migrate down-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/kustodia/escrowd/internal/escrow"
	"github.com/kustodia/escrowd/internal/logging"
	"github.com/kustodia/escrowd/internal/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, up-to <version>, down-to <version>")
		os.Exit(1)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	provider, err := migrations.NewProvider(db)
	if err != nil {
		logger.Error("failed to load migrations", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, provider, db, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *goose.Provider, db *sql.DB, command string, args []string) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		printResults(results...)
		if err != nil {
			return err
		}
		// A migration that rewrote rows must leave the ledger consistent.
		if err := escrow.VerifyInvariants(ctx, escrow.NewPostgresStore(db)); err != nil {
			return fmt.Errorf("post-migration invariant check: %w", err)
		}
		fmt.Println("ledger invariants hold")
		return nil
	case "down":
		result, err := p.Down(ctx)
		if result != nil {
			printResults(result)
		}
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s requires a version", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = p.UpTo(ctx, version)
		} else {
			results, err = p.DownTo(ctx, version)
		}
		printResults(results...)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%05d  %s\n", s.Source.Version, applied)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d\n", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printResults(results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		status := "OK"
		if r.Error != nil {
			status = "FAILED: " + r.Error.Error()
		}
		fmt.Printf("%-4s %05d  %s  %s\n", r.Direction, r.Source.Version, r.Duration.Round(time.Millisecond), status)
	}
}
