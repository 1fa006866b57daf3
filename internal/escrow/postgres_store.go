package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/kustodia/escrowd/internal/amount"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/eventlog"
)

// Postgres error codes the store translates.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore persists the escrow ledger in PostgreSQL. Every write runs in
// one transaction; the ledger_counters row lock orders id allocation and
// event sequencing so the log has no gaps and no reordering.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record, mkEvent EventFunc) (*Record, *eventlog.Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE ledger_counters SET next_escrow_id = next_escrow_id + 1
		WHERE id = 1
		RETURNING next_escrow_id - 1`).Scan(&id); err != nil {
		return nil, nil, fmt.Errorf("allocate escrow id: %w", err)
	}

	stored := rec.Clone()
	stored.ID = uint64(id)
	stored.Status = StatusPending
	stored.DisputeStatus = DisputeNone

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, payer, payee, asset, amount, deadline,
			vertical, reference, conditions,
			status, dispute_status, dispute_reason, dispute_count,
			created_at, updated_at, schema_version
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16
		)`,
		id, stored.Payer, stored.Payee, stored.Asset, amount.Format(stored.Amount), stored.Deadline,
		stored.Vertical, stored.Reference, stored.Conditions,
		string(stored.Status), string(stored.DisputeStatus), stored.DisputeReason, stored.DisputeCount,
		stored.CreatedAt, stored.UpdatedAt, stored.SchemaVersion,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert escrow: %w", err)
	}

	ev, err := mkEvent(stored.Clone())
	if err != nil {
		return nil, nil, err
	}
	ev, err = appendEvent(ctx, tx, ev)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return stored, ev, nil
}

const recordColumns = `id, payer, payee, asset, amount::TEXT, deadline,
		       vertical, reference, conditions,
		       status, dispute_status, dispute_reason, dispute_count,
		       created_at, updated_at, schema_version`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, int64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY id
		LIMIT $2`, string(status), nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT next_escrow_id FROM ledger_counters WHERE id = 1`).Scan(&id)
	return uint64(id), err
}

func (p *PostgresStore) Commit(ctx context.Context, t *Transition) (*eventlog.Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r := t.Record
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_status = $2, dispute_reason = $3, dispute_count = $4,
			updated_at = $5, schema_version = $6
		WHERE id = $7 AND status = $8`,
		string(r.Status), string(r.DisputeStatus), r.DisputeReason, r.DisputeCount,
		r.UpdatedAt, r.SchemaVersion,
		int64(r.ID), string(t.From),
	)
	if err != nil {
		return nil, fmt.Errorf("update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, int64(r.ID)).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrEscrowNotFound
		}
		return nil, ErrConcurrentTransition
	}

	if rc := t.Receipt; rc != nil {
		if err := bookReceipt(ctx, tx, r.ID, rc); err != nil {
			return nil, err
		}
	}

	ev, err := appendEvent(ctx, tx, t.Event)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

// bookReceipt inserts the receipt and applies its delta to the asset's
// custody balance. The balance CHECK constraint rejects going negative.
func bookReceipt(ctx context.Context, tx *sql.Tx, escrowID uint64, rc *custody.Receipt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_receipts (
			id, reference, escrow_id, direction, counterparty, asset, amount, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)`,
		rc.ID, rc.Reference, int64(escrowID), string(rc.Direction), rc.Counterparty, rc.Asset,
		amount.Format(rc.Amount), nullString(rc.TxHash), rc.CreatedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("%w: %s", custody.ErrDuplicateTransfer, rc.Reference)
	}
	if err != nil {
		return fmt.Errorf("insert custody receipt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_balances (asset, balance, updated_at)
		VALUES ($1, $2::NUMERIC, NOW())
		ON CONFLICT (asset) DO UPDATE
		SET balance = custody_balances.balance + EXCLUDED.balance, updated_at = NOW()`,
		rc.Asset, rc.Delta().String(),
	)
	if pgCode(err) == pgCheckViolation {
		return fmt.Errorf("%w: %s", custody.ErrInsufficientCustody, rc.Asset)
	}
	if err != nil {
		return fmt.Errorf("update custody balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_transfers WHERE reference = $1`, rc.Reference); err != nil {
		return fmt.Errorf("clear pending transfer: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) (*eventlog.Event, error) {
	out := ev.Clone()
	if err := tx.QueryRowContext(ctx, `
		UPDATE ledger_counters SET last_event_seq = last_event_seq + 1
		WHERE id = 1
		RETURNING last_event_seq`).Scan(&out.Seq); err != nil {
		return nil, fmt.Errorf("sequence event: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events (seq, type, escrow_id, actor, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		out.Seq, string(out.Type), int64(out.EscrowID), out.Actor, string(out.Payload), out.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) CustodyBalance(ctx context.Context, asset string) (*big.Int, error) {
	var s string
	err := p.db.QueryRowContext(ctx,
		`SELECT balance::TEXT FROM custody_balances WHERE asset = $1`, asset).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(s)
}

const (
	custodyBalancesQuery = `SELECT asset, balance::TEXT FROM custody_balances`
	activeTotalsQuery    = `
		SELECT asset, SUM(amount)::TEXT
		FROM escrows
		WHERE status IN ('funded', 'disputed')
		GROUP BY asset`
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PostgresStore) CustodyBalances(ctx context.Context) (map[string]*big.Int, error) {
	return assetSums(ctx, p.db, custodyBalancesQuery)
}

func (p *PostgresStore) ActiveTotals(ctx context.Context) (map[string]*big.Int, error) {
	return assetSums(ctx, p.db, activeTotalsQuery)
}

// CustodySnapshot reads both sides in one read-only REPEATABLE READ
// transaction so a commit in between cannot tear them.
func (p *PostgresStore) CustodySnapshot(ctx context.Context) (*CustodySnapshot, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	balances, err := assetSums(ctx, tx, custodyBalancesQuery)
	if err != nil {
		return nil, fmt.Errorf("read custody balances: %w", err)
	}
	active, err := assetSums(ctx, tx, activeTotalsQuery)
	if err != nil {
		return nil, fmt.Errorf("read active totals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &CustodySnapshot{Balances: balances, Active: active}, nil
}

func assetSums(ctx context.Context, q queryer, query string) (map[string]*big.Int, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*big.Int)
	for rows.Next() {
		var asset, s string
		if err := rows.Scan(&asset, &s); err != nil {
			return nil, err
		}
		v, err := parseNumeric(s)
		if err != nil {
			return nil, err
		}
		out[asset] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasReceipt(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM custody_receipts WHERE reference = $1)`, reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) PendingTransfer(ctx context.Context, scope string) (*custody.Receipt, error) {
	var (
		r         custody.Receipt
		direction string
		amt       string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, reference, direction, counterparty, asset, amount::TEXT, tx_hash, created_at
		FROM pending_transfers
		WHERE scope = $1`, scope).Scan(
		&r.ID, &r.Reference, &direction, &r.Counterparty, &r.Asset, &amt, &r.TxHash, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Direction = custody.Direction(direction)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Amount, err = parseNumeric(amt); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordPending stores r as its scope's pending transfer. A retry of the same
// reference replaces the earlier attempt; another reference in the scope is
// refused.
func (p *PostgresStore) RecordPending(ctx context.Context, r *custody.Receipt) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_transfers (
			scope, reference, id, direction, counterparty, asset, amount, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)
		ON CONFLICT (scope) DO UPDATE SET
			id = EXCLUDED.id, tx_hash = EXCLUDED.tx_hash, created_at = EXCLUDED.created_at
		WHERE pending_transfers.reference = EXCLUDED.reference`,
		custody.Scope(r.Reference), r.Reference, r.ID, string(r.Direction), r.Counterparty, r.Asset,
		amount.Format(r.Amount), r.TxHash, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record pending transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: scope %s", custody.ErrTransferPending, custody.Scope(r.Reference))
	}
	return nil
}

func (p *PostgresStore) ClearPending(ctx context.Context, reference string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM pending_transfers WHERE reference = $1`, reference)
	return err
}

const eventColumns = `seq, type, escrow_id, actor, payload, created_at`

func (p *PostgresStore) Events(ctx context.Context, afterSeq int64, limit int) ([]*eventlog.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, afterSeq, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (p *PostgresStore) EventsForEscrow(ctx context.Context, id uint64) ([]*eventlog.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY seq`, int64(id))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                     Record
		id                    int64
		amt                   string
		status, disputeStatus string
	)
	err := sc.Scan(
		&id, &r.Payer, &r.Payee, &r.Asset, &amt, &r.Deadline,
		&r.Vertical, &r.Reference, &r.Conditions,
		&status, &disputeStatus, &r.DisputeReason, &r.DisputeCount,
		&r.CreatedAt, &r.UpdatedAt, &r.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}
	r.ID = uint64(id)
	r.Status = Status(status)
	r.DisputeStatus = DisputeStatus(disputeStatus)
	if r.Amount, err = parseNumeric(amt); err != nil {
		return nil, err
	}
	r.Deadline = r.Deadline.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanEvents(rows *sql.Rows) ([]*eventlog.Event, error) {
	defer func() { _ = rows.Close() }()

	var result []*eventlog.Event
	for rows.Next() {
		var (
			ev       eventlog.Event
			typ      string
			escrowID int64
			payload  []byte
			at       time.Time
		)
		if err := rows.Scan(&ev.Seq, &typ, &escrowID, &ev.Actor, &payload, &at); err != nil {
			return nil, err
		}
		ev.Type = eventlog.Type(typ)
		ev.EscrowID = uint64(escrowID)
		ev.Payload = payload
		ev.Timestamp = at.UTC()
		result = append(result, &ev)
	}
	return result, rows.Err()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: bad numeric %q", s)
	}
	return v, nil
}

func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

var (
	_ Store           = (*PostgresStore)(nil)
	_ custody.Book    = (*PostgresStore)(nil)
	_ eventlog.Reader = (*PostgresStore)(nil)
)
