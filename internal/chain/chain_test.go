package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustodia/escrowd/internal/circuitbreaker"
	"github.com/kustodia/escrowd/internal/custody"
)

const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testToken = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	depositor = "0x00000000000000000000000000000000000000b1"
	recipient = "0x000000000000000000000000000000000000bbbb"
)

type fakeClient struct {
	mu        sync.Mutex
	sent      []*types.Transaction
	nonceErrs int
	sendErr   error
	status    uint64
	pending   bool
	balance   *big.Int
	closed    bool

	// minedAfter makes TransactionReceipt report NotFound for that many polls.
	minedAfter int
	polls      int
	onSend     func()
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErrs > 0 {
		f.nonceErrs--
		return 0, errors.New("nonce: connection refused")
	}
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return nil, ethereum.NotFound
	}
	if f.polls < f.minedAfter {
		f.polls++
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: txHash, BlockNumber: big.NewInt(1)}, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeClient) Close() { f.closed = true }

func (f *fakeClient) lastSent(t *testing.T) *types.Transaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no transaction sent")
	return f.sent[len(f.sent)-1]
}

func newTestTransferer(t *testing.T, client *fakeClient, opts ...Option) *ERC20Transferer {
	t.Helper()
	if client.status == 0 && !client.pending {
		client.status = types.ReceiptStatusSuccessful
	}
	opts = append([]Option{WithClient(client)}, opts...)
	tr, err := New(Config{
		PrivateKey:          testKey,
		ChainID:             84532,
		ConfirmationTimeout: 50 * time.Millisecond,
		PollInterval:        time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	return tr
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"short key", Config{PrivateKey: "abc", ChainID: 1}, ErrInvalidPrivateKey},
		{"non-hex key", Config{PrivateKey: "zz" + testKey[2:], ChainID: 1}, ErrInvalidPrivateKey},
		{"missing chain", Config{PrivateKey: testKey}, ErrInvalidConfig},
		{"missing rpc", Config{PrivateKey: "0x" + testKey, ChainID: 1}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPush_Token(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransferer(t, client)

	hash, err := tr.Push(context.Background(), recipient, testToken, big.NewInt(2_500_000), "escrow/1/release")
	require.NoError(t, err)

	tx := client.lastSent(t)
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, common.HexToAddress(testToken), *tx.To())
	assert.Equal(t, 0, tx.Value().Sign())
	assert.Equal(t, DefaultGasLimit, tx.Gas(), "falls back when estimation fails")

	args, err := tr.tokenABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(recipient), args[0])
	assert.Equal(t, int64(2_500_000), args[1].(*big.Int).Int64())
}

func TestPush_Native(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransferer(t, client)

	_, err := tr.Push(context.Background(), recipient, custody.NativeAsset, big.NewInt(42), "escrow/2/release")
	require.NoError(t, err)

	tx := client.lastSent(t)
	assert.Equal(t, common.HexToAddress(recipient), *tx.To())
	assert.Equal(t, int64(42), tx.Value().Int64())
	assert.Empty(t, tx.Data())
}

func TestPull_TransferFromIntoCustody(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransferer(t, client)

	_, err := tr.Pull(context.Background(), depositor, testToken, big.NewInt(7), "escrow/3/fund")
	require.NoError(t, err)

	args, err := tr.tokenABI.Methods["transferFrom"].Inputs.Unpack(client.lastSent(t).Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(depositor), args[0])
	assert.Equal(t, common.HexToAddress(tr.Address()), args[1])
	assert.Equal(t, int64(7), args[2].(*big.Int).Int64())
}

func TestPull_NativeUnsupported(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransferer(t, client)

	_, err := tr.Pull(context.Background(), depositor, custody.NativeAsset, big.NewInt(1), "escrow/4/fund")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Empty(t, client.sent)
}

func TestTransfer_Reverted(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusFailed}
	tr := newTestTransferer(t, client)
	client.status = types.ReceiptStatusFailed

	_, err := tr.Push(context.Background(), recipient, testToken, big.NewInt(1), "escrow/5/release")
	require.ErrorIs(t, err, ErrTransactionFailed)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Broadcast())
	assert.Equal(t, circuitbreaker.StateClosed, tr.breaker.State(breakerKey), "reverts do not trip the breaker")
}

func TestTransfer_ConfirmationTimeout(t *testing.T) {
	client := &fakeClient{pending: true}
	tr := newTestTransferer(t, client)

	_, err := tr.Push(context.Background(), recipient, testToken, big.NewInt(1), "escrow/6/release")
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, client.lastSent(t).Hash().Hex(), te.UnconfirmedTx())
}

func TestTransfer_RevertIsNotUnconfirmed(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusFailed}
	tr := newTestTransferer(t, client)

	_, err := tr.Push(context.Background(), recipient, testToken, big.NewInt(1), "escrow/6/release")
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Empty(t, te.UnconfirmedTx())
}

func TestTransfer_ConfirmationOutlivesCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{minedAfter: 3, onSend: cancel}
	tr := newTestTransferer(t, client)

	hash, err := tr.Push(ctx, recipient, testToken, big.NewInt(1), "escrow/9/release")
	require.NoError(t, err, "a sent transfer is confirmed even after the caller goes away")
	assert.Equal(t, client.lastSent(t).Hash().Hex(), hash)
	assert.Len(t, client.sent, 1)
}

func TestTransferStatus(t *testing.T) {
	ctx := context.Background()
	hash := "0x" + strings.Repeat("ab", 32)

	client := &fakeClient{pending: true}
	tr := newTestTransferer(t, client)
	st, err := tr.TransferStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, custody.TxUnknown, st)

	client.pending = false
	client.status = types.ReceiptStatusSuccessful
	st, err = tr.TransferStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, custody.TxConfirmed, st)

	client.status = types.ReceiptStatusFailed
	st, err = tr.TransferStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, custody.TxFailed, st)
}

func TestTransfer_NonceRetried(t *testing.T) {
	client := &fakeClient{nonceErrs: 1}
	tr := newTestTransferer(t, client)

	_, err := tr.Push(context.Background(), recipient, testToken, big.NewInt(1), "escrow/7/release")
	require.NoError(t, err)
	assert.Len(t, client.sent, 1)
}

func TestTransfer_BreakerOpensOnSendFailures(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("connection reset")}
	tr := newTestTransferer(t, client, WithBreaker(circuitbreaker.New(2, time.Hour)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := tr.Push(ctx, recipient, testToken, big.NewInt(1), "escrow/8/release")
		var te *TransferError
		require.True(t, errors.As(err, &te))
		assert.False(t, te.Broadcast())
	}

	client.sendErr = nil
	_, err := tr.Push(ctx, recipient, testToken, big.NewInt(1), "escrow/8/release")
	assert.ErrorIs(t, err, ErrRPCUnavailable)
	assert.Empty(t, client.sent, "open circuit must not reach the client")
}

func TestBalanceOf(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(123_456)}
	tr := newTestTransferer(t, client)
	ctx := context.Background()

	got, err := tr.CustodyBalance(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, int64(123_456), got.Int64())

	got, err = tr.BalanceOf(ctx, custody.NativeAsset, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(123_456), got.Int64())
}

func TestClose(t *testing.T) {
	client := &fakeClient{}
	tr := newTestTransferer(t, client)
	tr.Close()
	assert.True(t, client.closed)
}
