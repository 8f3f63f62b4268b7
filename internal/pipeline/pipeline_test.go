package pipeline

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/policy"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/signing"
	"github.com/relayforge/evmrelay/internal/store"
)

// fakeRaw implements rpcclient.RawClient by dispatching on method name to a
// caller-provided handler map, the same shape the corpus's own RPC tests use
// against httptest servers, adapted here to avoid standing up a server.
type fakeRaw struct {
	handlers map[string]func(params ...interface{}) (json.RawMessage, error)
}

func (f *fakeRaw) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	h, ok := f.handlers[method]
	if !ok {
		return nil, errors.New("fakeRaw: unhandled method " + method)
	}
	return h(params...)
}

func (f *fakeRaw) Close() error { return nil }

func hexResult(s string) func(params ...interface{}) (json.RawMessage, error) {
	return func(params ...interface{}) (json.RawMessage, error) {
		encoded, _ := json.Marshal(s)
		return encoded, nil
	}
}

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
	for _, tx := range s.txs {
		if tx.HasHash(hash) {
			return tx, nil
		}
	}
	return nil, nil
}
func (s *fakeTxStore) GetTransactionByExternalID(ctx context.Context, relayerID uuid.UUID, externalID string) (*model.Transaction, error) {
	return nil, nil
}
func (s *fakeTxStore) ListNonTerminal(ctx context.Context, relayerID uuid.UUID, limit int) ([]*model.Transaction, error) {
	var out []*model.Transaction
	for _, tx := range s.txs {
		if tx.RelayerID == relayerID && !tx.Status.Terminal() {
			out = append(out, tx)
		}
	}
	return out, nil
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
		WalletIndex:    0,
		EIP1559Enabled: true,
	}
}

func testWorker(t *testing.T, relayer *model.Relayer, txStore *fakeTxStore, raw *fakeRaw) *Worker {
	t.Helper()
	lookup := &fakeRelayerLookup{relayer: relayer}
	quotes := gasoracle.SpeedQuotes{
		model.SpeedFast: {MaxFee: big.NewInt(100), MaxPriorityFee: big.NewInt(2)},
	}
	stack := gasoracle.NewStack([]gasoracle.Provider{&fixedProvider{quotes: quotes}}, time.Millisecond)
	rpc := rpcclient.NewEVMClient(raw)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &Worker{
		RelayerID: relayer.ID,
		ChainID:   relayer.ChainID,
		Txs:       txStore,
		Relayers:  lookup,
		GasOracle: stack,
		Signer:    &stubSigner{key: key},
		RPC:       rpc,
		Policy:    policy.NewGate(lookup),
	}
}

// stubSigner signs with a throwaway in-process key, exercising real RLP
// encoding (MarshalBinary) without standing up any of the nine signing
// provider variants internal/signing implements.
type stubSigner struct{ key *ecdsa.PrivateKey }

var _ signing.Signer = (*stubSigner)(nil)

func (s *stubSigner) Address(ctx context.Context, walletIndex signing.WalletIndex) (common.Address, error) {
	return crypto.PubkeyToAddress(s.key.PublicKey), nil
}
func (s *stubSigner) SignDigest(ctx context.Context, walletIndex signing.WalletIndex, digest [32]byte) ([65]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	var out [65]byte
	copy(out[:], sig)
	return out, err
}
func (s *stubSigner) SignPersonal(ctx context.Context, walletIndex signing.WalletIndex, message []byte) ([]byte, error) {
	return nil, nil
}
func (s *stubSigner) SignTypedData(ctx context.Context, walletIndex signing.WalletIndex, typedData apitypes.TypedData) ([]byte, error) {
	return nil, nil
}
func (s *stubSigner) SignTransaction(ctx context.Context, walletIndex signing.WalletIndex, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewLondonSigner(chainID), s.key)
}

func TestTick_SkipsPausedRelayer(t *testing.T) {
	relayer := testRelayer()
	relayer.Paused = true
	w := testWorker(t, relayer, newFakeTxStore(), &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){}})

	require.NoError(t, w.Tick(context.Background()))
}

func TestTick_ExpiresOverduePendingTransaction(t *testing.T) {
	relayer := testRelayer()
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusPending,
		ExpiresAt: time.Now().Add(-time.Hour), To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0),
	}
	txStore := newFakeTxStore(tx)
	w := testWorker(t, relayer, txStore, &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){}})

	require.NoError(t, w.Tick(context.Background()))
	assert.Equal(t, model.StatusExpired, txStore.txs[tx.ID].Status)
}

func TestTick_BroadcastsPendingTransactionAndMovesToInMempool(t *testing.T) {
	relayer := testRelayer()
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusPending, Speed: model.SpeedFast,
		ExpiresAt: time.Now().Add(time.Hour), To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0), Nonce: 5,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_estimateGas":        hexResult(hexutil.EncodeUint64(21000)),
		"eth_getBalance":         hexResult(hexutil.EncodeBig(big.NewInt(1_000_000_000_000))),
		"eth_sendRawTransaction": hexResult(common.HexToHash("0xfeed").Hex()),
	}}
	w := testWorker(t, relayer, txStore, raw)

	require.NoError(t, w.Tick(context.Background()))

	updated := txStore.txs[tx.ID]
	assert.Equal(t, model.StatusInMempool, updated.Status)
	assert.Equal(t, common.HexToHash("0xfeed"), updated.Hash)
	assert.Equal(t, uint64(21000), updated.GasLimit)
}

func TestTick_RevertedEstimateFailsTransaction(t *testing.T) {
	relayer := testRelayer()
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusPending, Speed: model.SpeedFast,
		ExpiresAt: time.Now().Add(time.Hour), To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0),
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_estimateGas": func(params ...interface{}) (json.RawMessage, error) {
			return nil, errors.New("execution reverted: out of gas")
		},
	}}
	w := testWorker(t, relayer, txStore, raw)

	require.NoError(t, w.Tick(context.Background()))
	assert.Equal(t, model.StatusFailed, txStore.txs[tx.ID].Status)
}

func TestTick_MinesInMempoolTransactionOnReceipt(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	sentAt := time.Now()
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusInMempool, Speed: model.SpeedFast,
		Hash: hash, SentAt: &sentAt,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionReceipt": func(params ...interface{}) (json.RawMessage, error) {
			receipt := map[string]string{
				"transactionHash": hash.Hex(), "blockNumber": "0x10", "blockHash": "0xaa",
				"status": "0x1", "gasUsed": "0x5208", "effectiveGasPrice": "0x1",
			}
			return json.Marshal(receipt)
		},
	}}
	w := testWorker(t, relayer, txStore, raw)

	require.NoError(t, w.Tick(context.Background()))
	assert.Equal(t, model.StatusMined, txStore.txs[tx.ID].Status)
}

func TestTick_BumpsStaleInMempoolTransaction(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	old := time.Now().Add(-time.Hour)
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusInMempool, Speed: model.SpeedFast,
		Hash: hash, SentAt: &old, MaxFee: big.NewInt(10), MaxPriorityFee: big.NewInt(1), GasLimit: 21000, Nonce: 3,
		To: common.HexToAddress("0xbbbb"), Value: big.NewInt(0),
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionReceipt": func(params ...interface{}) (json.RawMessage, error) {
			return json.RawMessage("null"), nil
		},
		"eth_getBlockByNumber": func(params ...interface{}) (json.RawMessage, error) {
			block := map[string]string{"baseFeePerGas": "0x5"}
			return json.Marshal(block)
		},
		"eth_sendRawTransaction": hexResult(common.HexToHash("0xbeef").Hex()),
	}}
	w := testWorker(t, relayer, txStore, raw)

	require.NoError(t, w.Tick(context.Background()))

	updated := txStore.txs[tx.ID]
	assert.Equal(t, model.StatusInMempool, updated.Status)
	assert.True(t, updated.MaxFee.Cmp(big.NewInt(10)) > 0)
	assert.Equal(t, common.HexToHash("0xbeef"), updated.Hash)
	assert.Contains(t, updated.PriorHashes, hash)
}
