package custody

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/kustodia/escrowd/internal/amount"
)

// ErrInsufficientFunds is returned by BookTransferer when a holder cannot
// cover a pull.
var ErrInsufficientFunds = errors.New("custody: holder has insufficient funds")

// BookTransferer is an in-process value rail. Each holder has a balance per
// asset. Issuers (the banking bridge) have unlimited balance: a pull from an
// issuer represents fiat that already settled off-chain and is minted into the
// book. Payouts credit the recipient's book balance.
type BookTransferer struct {
	mu       sync.Mutex
	balances map[string]map[string]*big.Int // asset -> holder -> balance
	issuers  map[string]bool
}

// NewBookTransferer creates a book rail with the given issuer addresses.
func NewBookTransferer(issuers ...string) *BookTransferer {
	b := &BookTransferer{
		balances: make(map[string]map[string]*big.Int),
		issuers:  make(map[string]bool),
	}
	for _, addr := range issuers {
		if addr != "" {
			b.issuers[holderKey(addr)] = true
		}
	}
	return b
}

// Credit adds funds to a holder's book balance.
func (b *BookTransferer) Credit(holder, asset string, amt *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(holderKey(holder), asset, amt)
}

// BalanceOf returns a holder's book balance.
func (b *BookTransferer) BalanceOf(holder, asset string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[asset][holderKey(holder)]; ok {
		return amount.Clone(bal)
	}
	return new(big.Int)
}

func (b *BookTransferer) Pull(_ context.Context, from, asset string, amt *big.Int, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := holderKey(from)
	if !b.issuers[key] {
		bal := b.balances[asset][key]
		if bal == nil || bal.Cmp(amt) < 0 {
			return "", ErrInsufficientFunds
		}
		bal.Sub(bal, amt)
	}
	return "book:" + uuid.NewString(), nil
}

func (b *BookTransferer) Push(_ context.Context, to, asset string, amt *big.Int, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(holderKey(to), asset, amt)
	return "book:" + uuid.NewString(), nil
}

// add must be called with b.mu held.
func (b *BookTransferer) add(holder, asset string, amt *big.Int) {
	byHolder, ok := b.balances[asset]
	if !ok {
		byHolder = make(map[string]*big.Int)
		b.balances[asset] = byHolder
	}
	bal, ok := byHolder[holder]
	if !ok {
		bal = new(big.Int)
		byHolder[holder] = bal
	}
	bal.Add(bal, amt)
}

func holderKey(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return strings.ToLower(addr)
}

var _ Transferer = (*BookTransferer)(nil)
