package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/store"
)

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

func nullResult(params ...interface{}) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
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

func testRelayer() *model.Relayer {
	return &model.Relayer{ID: uuid.New(), ChainID: 1, Address: common.HexToAddress("0xaaaa")}
}

func testWatcher(relayer *model.Relayer, txStore *fakeTxStore, raw *fakeRaw) *Watcher {
	return &Watcher{
		RelayerID: relayer.ID,
		ChainID:   relayer.ChainID,
		Txs:       txStore,
		Relayers:  &fakeRelayerLookup{relayer: relayer},
		RPC:       rpcclient.NewEVMClient(raw),
	}
}

func receiptResult(hash common.Hash, blockNumber uint64, status uint64) func(params ...interface{}) (json.RawMessage, error) {
	return func(params ...interface{}) (json.RawMessage, error) {
		receipt := map[string]string{
			"transactionHash": hash.Hex(), "blockNumber": hexutil.EncodeUint64(blockNumber), "blockHash": "0xaa",
			"status": hexutil.EncodeUint64(status), "gasUsed": "0x5208", "effectiveGasPrice": "0x1",
		}
		return json.Marshal(receipt)
	}
}

func TestOnHead_PromotesMinedToConfirmedAtDepth(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	minedBlock := uint64(100)
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusMined,
		Hash: hash, MinedAtBlockNumber: &minedBlock,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionReceipt": receiptResult(hash, minedBlock, 1),
	}}
	w := testWatcher(relayer, txStore, raw)
	w.ConfirmationDepth = 12

	require.NoError(t, w.OnHead(context.Background(), minedBlock+12))
	assert.Equal(t, model.StatusConfirmed, txStore.txs[tx.ID].Status)
}

func TestOnHead_DoesNotConfirmBeforeDepth(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	minedBlock := uint64(100)
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusMined,
		Hash: hash, MinedAtBlockNumber: &minedBlock,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionReceipt": receiptResult(hash, minedBlock, 1),
	}}
	w := testWatcher(relayer, txStore, raw)
	w.ConfirmationDepth = 12

	require.NoError(t, w.OnHead(context.Background(), minedBlock+3))
	assert.Equal(t, model.StatusMined, txStore.txs[tx.ID].Status)
}

func TestOnHead_DemotesMinedWhenReceiptVanishes(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	minedBlock := uint64(100)
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusMined,
		Hash: hash, MinedAtBlockNumber: &minedBlock,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionReceipt": nullResult,
	}}
	w := testWatcher(relayer, txStore, raw)

	require.NoError(t, w.OnHead(context.Background(), minedBlock+1))
	updated := txStore.txs[tx.ID]
	assert.Equal(t, model.StatusInMempool, updated.Status)
	assert.Nil(t, updated.MinedAtBlockNumber)
}

func TestOnHead_DropsAfterGraceBlocksSustained(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusInMempool,
		Hash: hash, Nonce: 3,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionCount":   hexResult(hexutil.EncodeUint64(5)),
		"eth_getTransactionReceipt": nullResult,
	}}
	w := testWatcher(relayer, txStore, raw)
	w.DropGraceBlocks = 3

	for i := 0; i < 2; i++ {
		require.NoError(t, w.OnHead(context.Background(), uint64(200+i)))
		assert.Equal(t, model.StatusInMempool, txStore.txs[tx.ID].Status)
	}
	require.NoError(t, w.OnHead(context.Background(), 202))
	assert.Equal(t, model.StatusDropped, txStore.txs[tx.ID].Status)
}

func TestOnHead_NoDropWhenTxCountStillAtNonce(t *testing.T) {
	relayer := testRelayer()
	hash := common.HexToHash("0xfeed")
	tx := &model.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Status: model.StatusInMempool,
		Hash: hash, Nonce: 3,
	}
	txStore := newFakeTxStore(tx)
	raw := &fakeRaw{handlers: map[string]func(params ...interface{}) (json.RawMessage, error){
		"eth_getTransactionCount":   hexResult(hexutil.EncodeUint64(3)),
		"eth_getTransactionReceipt": nullResult,
	}}
	w := testWatcher(relayer, txStore, raw)
	w.DropGraceBlocks = 1

	require.NoError(t, w.OnHead(context.Background(), 200))
	assert.Equal(t, model.StatusInMempool, txStore.txs[tx.ID].Status)
}
