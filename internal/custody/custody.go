// Package custody moves value into and out of the engine's custody.
//
// The Adapter never books anything itself: it validates a transfer, executes
// it through a Transferer and returns a Receipt. The escrow store books the
// receipt (custody balance delta + receipt row) in the same atomic commit as
// the escrow status change, which is what keeps the per-asset custody balance
// equal to the sum of funded and disputed escrows.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/kustodia/escrowd/internal/amount"
)

// NativeAsset names the chain's native coin. Every other asset is a token
// contract address.
const NativeAsset = "native"

var (
	ErrTransferFailed      = errors.New("custody: transfer failed")
	ErrDuplicateTransfer   = errors.New("custody: transfer reference already booked")
	ErrTransferPending     = errors.New("custody: earlier transfer not yet confirmed")
	ErrInsufficientCustody = errors.New("custody: insufficient custody balance")
	ErrInvalidAsset        = errors.New("custody: invalid asset")
	ErrInvalidCounterparty = errors.New("custody: invalid counterparty address")
)

// Direction of a custody transfer relative to the engine.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Receipt describes one completed transfer. It is booked exactly once.
type Receipt struct {
	ID           string    `json:"id"`
	Reference    string    `json:"reference"`
	Direction    Direction `json:"direction"`
	Counterparty string    `json:"counterparty"`
	Asset        string    `json:"asset"`
	Amount       *big.Int  `json:"-"`
	TxHash       string    `json:"txHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Delta is the signed change this receipt applies to the custody balance.
func (r *Receipt) Delta() *big.Int {
	d := amount.Clone(r.Amount)
	if r.Direction == DirectionOut {
		d.Neg(d)
	}
	return d
}

// Transferer executes value movement against the underlying rail. Pull moves
// amount from a counterparty into custody; Push moves it out. Implementations
// must either complete the transfer or return an error; a returned error means
// no value moved.
type Transferer interface {
	Pull(ctx context.Context, from, asset string, amount *big.Int, reference string) (txHash string, err error)
	Push(ctx context.Context, to, asset string, amount *big.Int, reference string) (txHash string, err error)
}

// TxStatus is what a rail knows about a broadcast transfer.
type TxStatus int

const (
	TxUnknown TxStatus = iota
	TxConfirmed
	TxFailed
)

// Confirmer is implemented by rails that can look up a transfer they
// broadcast earlier.
type Confirmer interface {
	TransferStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// unconfirmed is implemented by rail errors for a transfer that reached the
// network but whose outcome is unknown.
type unconfirmed interface {
	UnconfirmedTx() string
}

// Book is the custody ledger as the adapter sees it, owned by the escrow
// store. A pending transfer is a Receipt whose transaction was broadcast but
// never confirmed; at most one is held per scope and booking its receipt
// clears it.
type Book interface {
	CustodyBalance(ctx context.Context, asset string) (*big.Int, error)
	HasReceipt(ctx context.Context, reference string) (bool, error)
	PendingTransfer(ctx context.Context, scope string) (*Receipt, error)
	RecordPending(ctx context.Context, r *Receipt) error
	ClearPending(ctx context.Context, reference string) error
}

// Adapter is the engine's only path to move value.
type Adapter struct {
	transfer Transferer
	book     Book
	now      func() time.Time
}

// NewAdapter creates a custody adapter over a transfer backend and the
// store's custody book.
func NewAdapter(transfer Transferer, book Book) *Adapter {
	return &Adapter{transfer: transfer, book: book, now: time.Now}
}

// Reference builds the idempotency reference for an escrow operation.
func Reference(escrowID uint64, op string) string {
	return fmt.Sprintf("escrow/%d/%s", escrowID, op)
}

// Scope returns the part of a reference shared by every transfer of one
// escrow.
func Scope(reference string) string {
	if i := strings.LastIndexByte(reference, '/'); i > 0 {
		return reference[:i]
	}
	return reference
}

// NormalizeAsset returns the canonical form of an asset reference.
func NormalizeAsset(asset string) (string, error) {
	asset = strings.TrimSpace(asset)
	if strings.EqualFold(asset, NativeAsset) {
		return NativeAsset, nil
	}
	if !common.IsHexAddress(asset) {
		return "", ErrInvalidAsset
	}
	addr := common.HexToAddress(asset)
	if addr == (common.Address{}) {
		return "", ErrInvalidAsset
	}
	return addr.Hex(), nil
}

// Deposit pulls amount of asset from the counterparty into custody.
func (a *Adapter) Deposit(ctx context.Context, from, asset string, amt *big.Int, reference string) (*Receipt, error) {
	if err := a.precheck(ctx, from, asset, amt, reference); err != nil {
		return nil, err
	}
	if r, err := a.resume(ctx, reference); r != nil || err != nil {
		return r, err
	}

	done := observeTransfer(DirectionIn)
	txHash, err := a.transfer.Pull(ctx, from, asset, amt, reference)
	if err != nil {
		done(false)
		return nil, a.failed(ctx, a.receipt(DirectionIn, from, asset, amt, reference, ""), err)
	}
	done(true)

	return a.receipt(DirectionIn, from, asset, amt, reference, txHash), nil
}

// Payout pushes amount of asset out of custody to the counterparty.
func (a *Adapter) Payout(ctx context.Context, to, asset string, amt *big.Int, reference string) (*Receipt, error) {
	if err := a.precheck(ctx, to, asset, amt, reference); err != nil {
		return nil, err
	}
	if r, err := a.resume(ctx, reference); r != nil || err != nil {
		return r, err
	}

	held, err := a.book.CustodyBalance(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("read custody balance: %w", err)
	}
	if held.Cmp(amt) < 0 {
		return nil, fmt.Errorf("%w: %s holds %s, payout needs %s",
			ErrInsufficientCustody, asset, amount.Format(held), amount.Format(amt))
	}

	done := observeTransfer(DirectionOut)
	txHash, err := a.transfer.Push(ctx, to, asset, amt, reference)
	if err != nil {
		done(false)
		return nil, a.failed(ctx, a.receipt(DirectionOut, to, asset, amt, reference, ""), err)
	}
	done(true)

	return a.receipt(DirectionOut, to, asset, amt, reference, txHash), nil
}

// Reverse returns a deposit that could not be booked. It is a compensating
// action and is itself never booked.
func (a *Adapter) Reverse(ctx context.Context, r *Receipt) error {
	if r.Direction != DirectionIn {
		return fmt.Errorf("custody: only deposits can be reversed, got %s", r.Direction)
	}
	if _, err := a.transfer.Push(ctx, r.Counterparty, r.Asset, r.Amount, r.Reference+"/reversal"); err != nil {
		return fmt.Errorf("%w: reverse %s: %v", ErrTransferFailed, r.Reference, err)
	}
	return nil
}

// resume settles an earlier transfer in reference's scope whose outcome was
// unknown. It returns that transfer's receipt once the rail confirms it for
// the same reference, nil with no error when a fresh transfer may go ahead,
// and ErrTransferPending otherwise.
func (a *Adapter) resume(ctx context.Context, reference string) (*Receipt, error) {
	p, err := a.book.PendingTransfer(ctx, Scope(reference))
	if err != nil {
		return nil, fmt.Errorf("check pending transfer: %w", err)
	}
	if p == nil {
		return nil, nil
	}

	c, ok := a.transfer.(Confirmer)
	if !ok {
		return nil, fmt.Errorf("%w: %s (tx %s)", ErrTransferPending, p.Reference, p.TxHash)
	}
	status, err := c.TransferStatus(ctx, p.TxHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (tx %s): %v", ErrTransferPending, p.Reference, p.TxHash, err)
	}

	switch {
	case status == TxFailed:
		if err := a.book.ClearPending(ctx, p.Reference); err != nil {
			return nil, fmt.Errorf("clear pending transfer: %w", err)
		}
		return nil, nil
	case status == TxConfirmed && p.Reference == reference:
		return p, nil
	case status == TxConfirmed:
		return nil, fmt.Errorf("%w: %s was confirmed (tx %s) and must be booked first",
			ErrTransferPending, p.Reference, p.TxHash)
	default:
		return nil, fmt.Errorf("%w: %s (tx %s)", ErrTransferPending, p.Reference, p.TxHash)
	}
}

// failed turns a rail error into the adapter's error. A transfer that was
// broadcast with an unknown outcome is remembered so no second transfer for
// the same escrow goes out until it settles.
func (a *Adapter) failed(ctx context.Context, attempt *Receipt, cause error) error {
	var u unconfirmed
	if !errors.As(cause, &u) || u.UnconfirmedTx() == "" {
		op := "deposit"
		if attempt.Direction == DirectionOut {
			op = "payout"
		}
		return fmt.Errorf("%w: %s %s: %w", ErrTransferFailed, op, attempt.Reference, cause)
	}

	attempt.TxHash = u.UnconfirmedTx()
	if err := a.book.RecordPending(context.WithoutCancel(ctx), attempt); err != nil {
		return errors.Join(
			fmt.Errorf("%w: %s (tx %s): %w", ErrTransferPending, attempt.Reference, attempt.TxHash, cause),
			fmt.Errorf("record pending transfer: %w", err),
		)
	}
	return fmt.Errorf("%w: %s (tx %s): %w", ErrTransferPending, attempt.Reference, attempt.TxHash, cause)
}

func (a *Adapter) precheck(ctx context.Context, counterparty, asset string, amt *big.Int, reference string) error {
	if err := amount.Validate(amt); err != nil {
		return err
	}
	if _, err := NormalizeAsset(asset); err != nil {
		return err
	}
	if !common.IsHexAddress(counterparty) {
		return ErrInvalidCounterparty
	}
	booked, err := a.book.HasReceipt(ctx, reference)
	if err != nil {
		return fmt.Errorf("check transfer reference: %w", err)
	}
	if booked {
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, reference)
	}
	return nil
}

func (a *Adapter) receipt(dir Direction, counterparty, asset string, amt *big.Int, reference, txHash string) *Receipt {
	return &Receipt{
		ID:           uuid.NewString(),
		Reference:    reference,
		Direction:    dir,
		Counterparty: counterparty,
		Asset:        asset,
		Amount:       amount.Clone(amt),
		TxHash:       txHash,
		CreatedAt:    a.now().UTC(),
	}
}
