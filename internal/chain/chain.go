// Package chain moves escrowed value on an EVM chain.
//
// ERC20Transferer implements custody.Transferer against token contracts: a
// deposit is an ERC-20 transferFrom out of the depositor's approved allowance
// into the custody wallet, a payout is a transfer (or a plain value transfer
// for the native coin) signed by the custody key. Each call waits for the
// transaction to be mined before returning.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kustodia/escrowd/internal/circuitbreaker"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidConfig     = errors.New("chain: invalid config")
	ErrUnsupported       = errors.New("chain: operation not supported for asset")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrRPCUnavailable    = errors.New("chain: rpc unavailable")
)

// TransferError wraps a failed transfer with the step that failed and the
// transaction hash when one was broadcast.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Broadcast reports whether the transaction reached the network. A broadcast
// transfer that failed confirmation may still be mined later.
func (e *TransferError) Broadcast() bool { return e.TxHash != "" }

// UnconfirmedTx returns the hash of a broadcast transaction whose outcome is
// unknown. A reverted transaction moved nothing and reports "".
func (e *TransferError) UnconfirmedTx() string {
	if errors.Is(e.Err, ErrTransactionFailed) {
		return ""
	}
	return e.TxHash
}

// EthClient is the subset of ethclient.Client the transferer uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	DefaultGasLimit            = uint64(120000)
	nativeGasLimit             = uint64(21000)
	DefaultConfirmationTimeout = 60 * time.Second
	DefaultPollInterval        = 2 * time.Second

	breakerKey = "rpc"
)

// Config for an ERC20Transferer.
type Config struct {
	RPCURL              string
	PrivateKey          string // hex, with or without 0x
	ChainID             int64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Option configures the transferer.
type Option func(*ERC20Transferer)

// WithClient injects an Ethereum client instead of dialing RPCURL.
func WithClient(client EthClient) Option {
	return func(t *ERC20Transferer) { t.client = client }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *ERC20Transferer) { t.logger = l }
}

// WithBreaker replaces the RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(t *ERC20Transferer) { t.breaker = b }
}

// ERC20Transferer is the on-chain custody rail.
type ERC20Transferer struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	tokenABI   abi.ABI
	timeout    time.Duration
	poll       time.Duration
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger

	// sendMu serializes nonce allocation and broadcast from the custody key.
	sendMu sync.Mutex
}

var (
	_ custody.Transferer = (*ERC20Transferer)(nil)
	_ custody.Confirmer  = (*ERC20Transferer)(nil)
)

// New creates a transferer for the custody key in cfg.
func New(cfg Config, opts ...Option) (*ERC20Transferer, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain id required", ErrInvalidConfig)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	t := &ERC20Transferer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		tokenABI:   parsed,
		timeout:    cfg.ConfirmationTimeout,
		poll:       cfg.PollInterval,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     slog.Default(),
	}
	if t.timeout <= 0 {
		t.timeout = DefaultConfirmationTimeout
	}
	if t.poll <= 0 {
		t.poll = DefaultPollInterval
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: rpc url required", ErrInvalidConfig)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
		}
		t.client = client
	}
	return t, nil
}

// Address returns the custody wallet address.
func (t *ERC20Transferer) Address() string {
	return t.address.Hex()
}

// Pull moves amount of an ERC-20 asset from an approved depositor into the
// custody wallet. The native coin cannot be pulled.
func (t *ERC20Transferer) Pull(ctx context.Context, from, asset string, amount *big.Int, reference string) (string, error) {
	if asset == custody.NativeAsset {
		return "", &TransferError{Op: "pull", Err: ErrUnsupported}
	}
	data, err := t.tokenABI.Pack("transferFrom", common.HexToAddress(from), t.address, amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}
	return t.execute(ctx, "pull", reference, common.HexToAddress(asset), big.NewInt(0), data, DefaultGasLimit)
}

// Push sends amount of asset from the custody wallet to the recipient.
func (t *ERC20Transferer) Push(ctx context.Context, to, asset string, amount *big.Int, reference string) (string, error) {
	recipient := common.HexToAddress(to)
	if asset == custody.NativeAsset {
		return t.execute(ctx, "push", reference, recipient, amount, nil, nativeGasLimit)
	}
	data, err := t.tokenABI.Pack("transfer", recipient, amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}
	return t.execute(ctx, "push", reference, common.HexToAddress(asset), big.NewInt(0), data, DefaultGasLimit)
}

// BalanceOf reads holder's on-chain balance of asset.
func (t *ERC20Transferer) BalanceOf(ctx context.Context, asset, holder string) (*big.Int, error) {
	addr := common.HexToAddress(holder)
	if asset == custody.NativeAsset {
		return t.client.BalanceAt(ctx, addr, nil)
	}
	data, err := t.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	token := common.HexToAddress(asset)
	out, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// CustodyBalance reads the custody wallet's on-chain balance of asset.
func (t *ERC20Transferer) CustodyBalance(ctx context.Context, asset string) (*big.Int, error) {
	return t.BalanceOf(ctx, asset, t.address.Hex())
}

// TransferStatus looks up a broadcast transaction once. A transaction the
// node does not know yet is TxUnknown.
func (t *ERC20Transferer) TransferStatus(ctx context.Context, txHash string) (custody.TxStatus, error) {
	receipt, err := t.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return custody.TxUnknown, nil
	}
	if err != nil {
		return custody.TxUnknown, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return custody.TxFailed, nil
	}
	return custody.TxConfirmed, nil
}

// Close releases the RPC connection.
func (t *ERC20Transferer) Close() {
	if t.client != nil {
		t.client.Close()
	}
}

func (t *ERC20Transferer) execute(ctx context.Context, op, reference string, to common.Address, value *big.Int, data []byte, fallbackGas uint64) (string, error) {
	if !t.breaker.Allow(breakerKey) {
		return "", &TransferError{Op: op, Err: fmt.Errorf("%w: circuit open", ErrRPCUnavailable)}
	}

	txHash, err := t.send(ctx, op, to, value, data, fallbackGas)
	if err != nil {
		t.breaker.RecordFailure(breakerKey)
		return "", err
	}

	if err := t.waitMined(ctx, txHash); err != nil {
		// A revert is the contract refusing, not the endpoint failing.
		if !errors.Is(err, ErrTransactionFailed) {
			t.breaker.RecordFailure(breakerKey)
		}
		t.logger.Error("custody transfer not confirmed",
			"op", op, "reference", reference, "txHash", txHash, "error", err)
		return "", err
	}

	t.breaker.RecordSuccess(breakerKey)
	t.logger.Info("custody transfer confirmed", "op", op, "reference", reference, "txHash", txHash)
	return txHash, nil
}

// send builds, signs and broadcasts one transaction. Nonce and gas price reads
// are retried; the broadcast is not.
func (t *ERC20Transferer) send(ctx context.Context, op string, to common.Address, value *big.Int, data []byte, fallbackGas uint64) (string, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	var nonce uint64
	if err := retry.Do(ctx, retry.Quick, func() error {
		var err error
		nonce, err = t.client.PendingNonceAt(ctx, t.address)
		return err
	}); err != nil {
		return "", &TransferError{Op: op + ": nonce", Err: fmt.Errorf("%w: %v", ErrRPCUnavailable, err)}
	}

	var gasPrice *big.Int
	if err := retry.Do(ctx, retry.Quick, func() error {
		var err error
		gasPrice, err = t.client.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return "", &TransferError{Op: op + ": gas price", Err: fmt.Errorf("%w: %v", ErrRPCUnavailable, err)}
	}

	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = fallbackGas
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.privateKey)
	if err != nil {
		return "", &TransferError{Op: op + ": sign", Err: err}
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return "", &TransferError{Op: op + ": send", Err: err}
	}
	return signed.Hash().Hex(), nil
}

// waitMined polls for the receipt of a sent transaction. The wait is detached
// from the caller: once broadcast, only the confirmation timeout ends it.
func (t *ERC20Transferer) waitMined(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return &TransferError{Op: "confirm", TxHash: txHash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
