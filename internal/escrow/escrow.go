// Package escrow is the custody engine's ledger and lifecycle state machine.
//
// Lifecycle:
//
//	pending --fund--> funded --release--> released
//	pending --cancel--> cancelled
//	funded --dispute--> disputed --resolve--> resolved_for_payee | resolved_for_payer
//	disputed --dismiss--> funded (may be disputed again before the deadline)
//
// Every transition is gated by the pause switch and the role table, runs at
// most one custody transfer, and is committed together with its custody
// receipt and audit event in a single atomic store call.
package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/kustodia/escrowd/internal/access"
	"github.com/kustodia/escrowd/internal/amount"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/pause"
)

var (
	ErrUnauthorized          = access.ErrUnauthorized
	ErrPaused                = pause.ErrPaused
	ErrCustodyTransferFailed = custody.ErrTransferFailed
	ErrTransferPending       = custody.ErrTransferPending

	ErrInvalidState    = errors.New("escrow: invalid state for this operation")
	ErrInvalidAmount   = errors.New("escrow: invalid amount")
	ErrInvalidAddress  = errors.New("escrow: invalid address")
	ErrInvalidDeadline = errors.New("escrow: deadline must be in the future")
	ErrInvalidMetadata = errors.New("escrow: metadata field too long")
	ErrDeadlineExpired = errors.New("escrow: deadline has passed")
	ErrAlreadyDisputed = errors.New("escrow: dispute already open")
	ErrNoOpenDispute   = errors.New("escrow: no open dispute")

	ErrEscrowNotFound       = fmt.Errorf("escrow not found: %w", ErrInvalidState)
	ErrTransitionInFlight   = fmt.Errorf("transition already in flight: %w", ErrInvalidState)
	ErrConcurrentTransition = fmt.Errorf("record changed concurrently: %w", ErrInvalidState)
)

// CurrentSchemaVersion is stamped on records written by this build.
const CurrentSchemaVersion = 3

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending          Status = "pending"
	StatusFunded           Status = "funded"
	StatusDisputed         Status = "disputed"
	StatusReleased         Status = "released"
	StatusCancelled        Status = "cancelled"
	StatusResolvedForPayee Status = "resolved_for_payee"
	StatusResolvedForPayer Status = "resolved_for_payer"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{
	StatusPending, StatusFunded, StatusDisputed, StatusReleased,
	StatusCancelled, StatusResolvedForPayee, StatusResolvedForPayer,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusResolvedForPayee, StatusResolvedForPayer:
		return true
	}
	return false
}

// HoldsCustody reports whether funds for a record in s sit in custody.
func (s Status) HoldsCustody() bool {
	return s == StatusFunded || s == StatusDisputed
}

// DisputeStatus tracks the dispute sub-machine.
type DisputeStatus string

const (
	DisputeNone             DisputeStatus = "none"
	DisputeOpen             DisputeStatus = "open"
	DisputeResolvedForPayee DisputeStatus = "resolved_for_payee"
	DisputeResolvedForPayer DisputeStatus = "resolved_for_payer"
	DisputeDismissed        DisputeStatus = "dismissed"
)

// Record is one escrow agreement.
type Record struct {
	ID            uint64        `json:"id"`
	Payer         string        `json:"payer"`
	Payee         string        `json:"payee"`
	Asset         string        `json:"asset"`
	Amount        *big.Int      `json:"-"`
	Deadline      time.Time     `json:"deadline"`
	Vertical      string        `json:"vertical,omitempty"`
	Reference     string        `json:"reference,omitempty"`
	Conditions    string        `json:"conditions,omitempty"`
	Status        Status        `json:"status"`
	DisputeStatus DisputeStatus `json:"disputeStatus"`
	DisputeReason string        `json:"disputeReason,omitempty"`
	DisputeCount  int           `json:"disputeCount"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	SchemaVersion int           `json:"schemaVersion"`
}

type recordAlias Record

type recordJSON struct {
	*recordAlias
	Amount string `json:"amount"`
}

// MarshalJSON writes Amount as a decimal string.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{recordAlias: (*recordAlias)(r), Amount: amount.Format(r.Amount)})
}

// UnmarshalJSON reads Amount from a decimal string.
func (r *Record) UnmarshalJSON(b []byte) error {
	aux := recordJSON{recordAlias: (*recordAlias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Amount == "" {
		r.Amount = nil
		return nil
	}
	v, err := amount.Parse(aux.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	r.Amount = v
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Amount = amount.Clone(r.Amount)
	return &cp
}

// IsTerminal reports whether the record has reached a final state.
func (r *Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// IsParty reports whether identity is the payer or payee.
func (r *Record) IsParty(identity string) bool {
	return identity != "" && (identity == r.Payer || identity == r.Payee)
}

// CreateRequest carries the caller-supplied fields of a new record.
type CreateRequest struct {
	Payer      string    `json:"payer" binding:"required"`
	Payee      string    `json:"payee" binding:"required"`
	Asset      string    `json:"asset" binding:"required"`
	Amount     string    `json:"amount" binding:"required"`
	Deadline   time.Time `json:"deadline" binding:"required"`
	Vertical   string    `json:"vertical"`
	Reference  string    `json:"reference"`
	Conditions string    `json:"conditions"`
}
