package replace

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/policy"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/store"
)

type fakeTxStore struct {
	txs map[uuid.UUID]*model.Transaction
}

func newFakeTxStore(txs ...*model.Transaction) *fakeTxStore {
	s := &fakeTxStore{txs: map[uuid.UUID]*model.Transaction{}}
	for _, tx := range txs {
		s.txs[tx.ID] = tx
	}
	return s
}

func (s *fakeTxStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	s.txs[tx.ID] = tx
	return nil
}
func (s *fakeTxStore) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return s.txs[id], nil
}
func (s *fakeTxStore) GetTransactionByHash(ctx context.Context, hash common.Hash) (*model.Transaction, error) {
	return nil, nil
}
func (s *fakeTxStore) GetTransactionByExternalID(ctx context.Context, relayerID uuid.UUID, externalID string) (*model.Transaction, error) {
	return nil, nil
}
func (s *fakeTxStore) ListNonTerminal(ctx context.Context, relayerID uuid.UUID, limit int) ([]*model.Transaction, error) {
	return nil, nil
}
func (s *fakeTxStore) ListLocalNonces(ctx context.Context, relayerID uuid.UUID) ([]store.LocalNonce, error) {
	return nil, nil
}
func (s *fakeTxStore) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected []model.TxStatus, mutate func(*model.Transaction)) (*model.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	matched := false
	for _, st := range expected {
		if tx.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return nil, store.ErrStatusChanged
	}
	mutate(tx)
	return tx, nil
}
func (s *fakeTxStore) CountByStatus(ctx context.Context, relayerID uuid.UUID, status model.TxStatus) (int, error) {
	return 0, nil
}
func (s *fakeTxStore) ListByRelayer(ctx context.Context, relayerID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	return nil, nil
}

type fakeRelayerLookup struct {
	relayer *model.Relayer
}

func (f *fakeRelayerLookup) GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error) {
	return f.relayer, nil
}

func (f *fakeRelayerLookup) GetPolicy(ctx context.Context, relayerID uuid.UUID) (*model.Policy, error) {
	return &model.Policy{RelayerID: relayerID}, nil
}

type fixedProvider struct {
	quotes gasoracle.SpeedQuotes
}

func (p *fixedProvider) Name() string { return "fixed" }
func (p *fixedProvider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	return p.quotes, nil
}

func testRelayer() *model.Relayer {
	return &model.Relayer{
		ID:             uuid.New(),
		ChainID:        1,
		Address:        common.HexToAddress("0xaaaa"),
		EIP1559Enabled: true,
	}
}

func testEngine(relayer *model.Relayer, txStore *fakeTxStore, raw rpcclient.RawClient) *Engine {
	lookup := &fakeRelayerLookup{relayer: relayer}
	quotes := gasoracle.SpeedQuotes{
		model.SpeedFast: {MaxFee: big.NewInt(100), MaxPriorityFee: big.NewInt(2)},
	}
	stack := gasoracle.NewStack([]gasoracle.Provider{&fixedProvider{quotes: quotes}}, time.Millisecond)
	return &Engine{
		Txs:       txStore,
		Relayers:  lookup,
		Policy:    policy.NewGate(lookup),
		GasOracle: stack,
		RPC:       rpcclient.NewEVMClient(raw),
	}
}

func TestReplace_CreatesBumpedTransactionAndLinksTarget(t *testing.T) {
	relayer := testRelayer()
	target := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusInMempool, Speed: model.SpeedFast,
		Nonce: 7, MaxFee: big.NewInt(10), MaxPriorityFee: big.NewInt(1),
		QueuedAt: time.Now().Add(-time.Minute), ExpiresAt: time.Now().Add(time.Hour),
	}
	txStore := newFakeTxStore(target)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (interface{}, error){}}
	engine := testEngine(relayer, txStore, raw)

	req := Request{To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0), Speed: model.SpeedFast}
	newTx, err := engine.Replace(context.Background(), target.ID, req, "")
	require.NoError(t, err)

	assert.Equal(t, target.Nonce, newTx.Nonce)
	assert.Equal(t, model.StatusPending, newTx.Status)
	assert.True(t, newTx.MaxFee.Cmp(target.MaxFee) > 0)

	reloaded := txStore.txs[target.ID]
	require.NotNil(t, reloaded.ReplacedByTransactionID)
	assert.Equal(t, newTx.ID, *reloaded.ReplacedByTransactionID)
}

func TestCancel_SynthesizesSelfTransferAndMarksCancelledBy(t *testing.T) {
	relayer := testRelayer()
	target := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusPending, Speed: model.SpeedFast,
		Nonce: 2, QueuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	txStore := newFakeTxStore(target)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (interface{}, error){}}
	engine := testEngine(relayer, txStore, raw)

	newTx, err := engine.Cancel(context.Background(), target.ID, "")
	require.NoError(t, err)

	assert.True(t, newTx.IsNoop)
	assert.Equal(t, relayer.Address, newTx.To)
	assert.Equal(t, 0, newTx.Value.Sign())

	reloaded := txStore.txs[target.ID]
	require.NotNil(t, reloaded.CancelledByTransactionID)
	assert.Equal(t, newTx.ID, *reloaded.CancelledByTransactionID)
	require.NotNil(t, reloaded.ReplacedByTransactionID)
}

func TestReplace_IdempotentWithinWindowReturnsSameTransaction(t *testing.T) {
	relayer := testRelayer()
	target := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusPending, Speed: model.SpeedFast,
		Nonce: 1, QueuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	txStore := newFakeTxStore(target)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (interface{}, error){}}
	engine := testEngine(relayer, txStore, raw)

	req := Request{To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0), Speed: model.SpeedFast}
	first, err := engine.Replace(context.Background(), target.ID, req, "client-key-1")
	require.NoError(t, err)

	second, err := engine.Replace(context.Background(), target.ID, req, "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, txStore.txs, 2) // target + exactly one synthesized replacement
}

func TestReplace_RejectsTerminalTarget(t *testing.T) {
	relayer := testRelayer()
	target := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusConfirmed, Speed: model.SpeedFast,
		QueuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	txStore := newFakeTxStore(target)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (interface{}, error){}}
	engine := testEngine(relayer, txStore, raw)

	req := Request{To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0), Speed: model.SpeedFast}
	_, err := engine.Replace(context.Background(), target.ID, req, "")
	require.Error(t, err)
}

func TestReplace_CapBlocksBumpReturnsInsufficientFunds(t *testing.T) {
	relayer := testRelayer()
	relayer.MaxGasPriceCap = big.NewInt(10)
	target := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusInMempool, Speed: model.SpeedFast,
		Nonce: 7, MaxFee: big.NewInt(10), MaxPriorityFee: big.NewInt(1),
		QueuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	txStore := newFakeTxStore(target)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (interface{}, error){}}
	engine := testEngine(relayer, txStore, raw)

	req := Request{To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0), Speed: model.SpeedFast}
	_, err := engine.Replace(context.Background(), target.ID, req, "")
	require.Error(t, err)
}

// fakeRaw implements rpcclient.RawClient for BaseFee's eth_getBlockByNumber
// lookup, the only RPC call the replace engine itself makes.
type fakeRaw struct {
	handlers map[string]func(params ...interface{}) (interface{}, error)
}

func (f *fakeRaw) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	h, ok := f.handlers[method]
	if !ok {
		block := map[string]string{"baseFeePerGas": hexutil.EncodeBig(big.NewInt(5))}
		out, _ := json.Marshal(block)
		return out, nil
	}
	v, err := h(params...)
	if err != nil {
		return nil, err
	}
	out, _ := json.Marshal(v)
	return out, nil
}

func (f *fakeRaw) Close() error { return nil }
