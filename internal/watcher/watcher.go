// Package watcher implements the Receipt & Reorg Watcher: the
// chain-head-driven half of the transaction state machine. Where
// internal/pipeline only ever needs a transaction's own broadcast hash(es),
// this package needs the chain's current head to decide confirmation depth,
// reorg demotion, and mempool drop detection. The MINED transition itself
// stays in internal/pipeline, which alone watches a transaction's own
// broadcast hashes, and is not repeated here.
package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/store"
	"github.com/relayforge/evmrelay/internal/webhook"
)

// DefaultConfirmationDepth is the fallback confirmation depth when a
// relayer's network config omits one.
const DefaultConfirmationDepth = 12

// DefaultDropGraceBlocks is the default number of head-advances a
// transaction must survive the drop condition before being marked DROPPED.
const DefaultDropGraceBlocks = 6

// DefaultWindow mirrors internal/pipeline.DefaultWindow; kept as its own
// constant so this package has no reason to import pipeline.
const DefaultWindow = 64

// RelayerLookup resolves the relayer whose address and pause state the
// watcher needs each head.
type RelayerLookup interface {
	GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error)
}

// Watcher drives one relayer's MINED/INMEMPOOL transactions against chain
// head advances, mirroring internal/pipeline.Worker's per-relayer shape:
// one logical task per active relayer.
type Watcher struct {
	RelayerID uuid.UUID
	ChainID   uint64

	Txs      store.TransactionStore
	Relayers RelayerLookup
	RPC      *rpcclient.EVMClient
	Webhooks *webhook.Dispatcher
	Metrics  *obsmetrics.Metrics
	Logger   *zap.Logger

	ConfirmationDepth uint64
	DropGraceBlocks   uint64
	Window            int

	mu         sync.Mutex
	dropStreak map[uuid.UUID]uint64
}

func (w *Watcher) confirmationDepth() uint64 {
	if w.ConfirmationDepth == 0 {
		return DefaultConfirmationDepth
	}
	return w.ConfirmationDepth
}

func (w *Watcher) dropGraceBlocks() uint64 {
	if w.DropGraceBlocks == 0 {
		return DefaultDropGraceBlocks
	}
	return w.DropGraceBlocks
}

func (w *Watcher) window() int {
	if w.Window <= 0 {
		return DefaultWindow
	}
	return w.Window
}

func (w *Watcher) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// OnHead processes one new chain head for this relayer's non-terminal
// working set: MINED promotion/demotion, then INMEMPOOL drop detection.
func (w *Watcher) OnHead(ctx context.Context, head uint64) error {
	if w.Metrics != nil {
		w.Metrics.WatcherHeadsSeen.WithLabelValues(w.RelayerID.String()).Inc()
	}

	relayer, err := w.Relayers.GetRelayer(ctx, w.RelayerID)
	if err != nil {
		return relayerr.ProviderTransient("ERR_WATCHER_RELAYER_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}

	txs, err := w.Txs.ListNonTerminal(ctx, w.RelayerID, w.window())
	if err != nil {
		return relayerr.ProviderTransient("ERR_WATCHER_LIST", "failed to list non-terminal transactions", err)
	}

	var txCount uint64
	haveTxCount := false

	for _, tx := range txs {
		switch tx.Status {
		case model.StatusMined:
			w.processMined(ctx, head, tx)
		case model.StatusInMempool:
			if !haveTxCount {
				txCount, err = w.RPC.GetTransactionCount(ctx, relayer.Address, "latest")
				if err != nil {
					w.log().Warn("watcher: failed to fetch transaction count", zap.Error(err))
					continue
				}
				haveTxCount = true
			}
			w.processInMempoolDrop(ctx, head, txCount, tx)
		}
	}
	return nil
}

// processMined re-checks a MINED transaction's receipt on every head: a
// vanished receipt means the block that mined it is no longer canonical,
// demoting it back to INMEMPOOL; a receipt still present at sufficient
// depth promotes it to CONFIRMED.
func (w *Watcher) processMined(ctx context.Context, head uint64, tx *model.Transaction) {
	receipt, err := w.RPC.GetTransactionReceipt(ctx, tx.Hash)
	if err != nil {
		w.log().Warn("watcher: receipt re-check failed", zap.String("tx", tx.ID.String()), zap.Error(err))
		return
	}

	if receipt == nil {
		updated, err := w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusMined}, func(t *model.Transaction) {
			t.Status = model.StatusInMempool
			t.MinedAt = nil
			t.MinedAtBlockNumber = nil
		})
		if err == nil && updated != nil {
			w.log().Info("watcher: reorg demoted transaction to inmempool", zap.String("tx", tx.ID.String()))
		}
		return
	}

	if receipt.Status == 0 {
		// A receipt that now reverts under reorg is still terminal FAILED;
		// an EVM state revert is not worth re-attempting automatically.
		now := time.Now()
		updated, err := w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusMined}, func(t *model.Transaction) {
			t.Status = model.StatusFailed
			t.FailedAt = &now
			t.FailedReason = "transaction reverted on-chain"
		})
		if err == nil && updated != nil {
			w.emit(ctx, webhook.EventTransactionFailed, updated)
		}
		return
	}

	blockNum := receipt.BlockNumber
	if tx.MinedAtBlockNumber == nil || *tx.MinedAtBlockNumber != blockNum {
		w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusMined}, func(t *model.Transaction) {
			t.MinedAtBlockNumber = &blockNum
		})
	}

	if head < blockNum || head-blockNum < w.confirmationDepth() {
		return
	}

	updated, err := w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusMined}, func(t *model.Transaction) {
		t.Status = model.StatusConfirmed
		now := time.Now()
		t.ConfirmedAt = &now
	})
	if err == nil && updated != nil {
		w.emit(ctx, webhook.EventTransactionConfirmed, updated)
	}
}

// processInMempoolDrop tracks the drop condition: the address's on-chain
// transaction count has moved past this transaction's nonce (some other
// transaction claimed the slot) with no receipt for any known hash,
// sustained for dropGraceBlocks consecutive heads.
func (w *Watcher) processInMempoolDrop(ctx context.Context, head, txCount uint64, tx *model.Transaction) {
	dropConditionMet := txCount > tx.Nonce
	if dropConditionMet {
		for _, h := range tx.KnownHashes() {
			receipt, err := w.RPC.GetTransactionReceipt(ctx, h)
			if err != nil {
				continue
			}
			if receipt != nil {
				dropConditionMet = false
				break
			}
		}
	}

	streak := w.bumpDropStreak(tx.ID, dropConditionMet)
	if !dropConditionMet || streak < w.dropGraceBlocks() {
		return
	}

	updated, err := w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusInMempool}, func(t *model.Transaction) {
		t.Status = model.StatusDropped
	})
	if err == nil && updated != nil {
		w.clearDropStreak(tx.ID)
		w.emit(ctx, webhook.EventTransactionDropped, updated)
	}
}

func (w *Watcher) bumpDropStreak(id uuid.UUID, conditionMet bool) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropStreak == nil {
		w.dropStreak = make(map[uuid.UUID]uint64)
	}
	if !conditionMet {
		delete(w.dropStreak, id)
		return 0
	}
	w.dropStreak[id]++
	return w.dropStreak[id]
}

func (w *Watcher) clearDropStreak(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dropStreak, id)
}

func (w *Watcher) emit(ctx context.Context, eventType webhook.EventType, tx *model.Transaction) {
	if w.Webhooks == nil {
		return
	}
	if err := w.Webhooks.Emit(ctx, eventType, tx.RelayerID, map[string]interface{}{
		"transaction_id": tx.ID,
		"hash":           tx.Hash.Hex(),
		"status":         tx.Status,
		"nonce":          tx.Nonce,
	}); err != nil {
		w.log().Warn("watcher: webhook emit failed", zap.Error(err))
	}
	if w.Metrics != nil {
		w.Metrics.TransactionStatus.WithLabelValues(tx.RelayerID.String(), string(tx.Status)).Inc()
	}
}

// Run drives OnHead from a websocket head subscription until ctx is
// cancelled. rpcclient never closes the head channel, so in practice only
// ctx ends the loop.
func (w *Watcher) Run(ctx context.Context) error {
	heads, err := w.RPC.SubscribeNewHeads(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-heads:
			if !ok {
				return nil
			}
			head, parseErr := decodeHeadNumber(raw)
			if parseErr != nil {
				w.log().Warn("watcher: failed to decode head notification", zap.Error(parseErr))
				continue
			}
			if err := w.OnHead(ctx, head); err != nil {
				w.log().Warn("watcher: OnHead failed", zap.Error(err))
			}
		}
	}
}

// decodeHeadNumber extracts the block number from an eth_subscribe
// "newHeads" notification payload.
func decodeHeadNumber(raw json.RawMessage) (uint64, error) {
	var header struct {
		Number string `json:"number"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(header.Number)
}

// RunPolling drives OnHead from plain eth_blockNumber polling every
// interval, for RPC endpoints that do not support a head subscription.
func (w *Watcher) RunPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := w.RPC.BlockNumber(ctx)
			if err != nil {
				w.log().Warn("watcher: failed to poll block number", zap.Error(err))
				continue
			}
			if err := w.OnHead(ctx, head); err != nil {
				w.log().Warn("watcher: OnHead failed", zap.Error(err))
			}
		}
	}
}
