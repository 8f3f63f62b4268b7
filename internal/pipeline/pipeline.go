// Package pipeline drives the per-relayer worker loop: the PENDING ->
// INMEMPOOL -> MINED part of the nine-state transaction state machine,
// with the FAILED and EXPIRED outcomes along the way, plus the bump
// rebroadcast policy. MINED -> CONFIRMED is left to internal/watcher.
// Everything else in this module exists to feed or observe it.
//
// Grounded on arcsign's chainadapter/ethereum broadcast/fee pipeline
// (build → estimate → sign → broadcast), generalized from a one-shot CLI
// operation into a persistent per-relayer loop that owns a bounded working
// set of non-terminal transactions (default window size 64) and
// rebroadcasts under the bump policy in internal/gasoracle (Bump/BumpBlocked)
// instead of broadcasting once and returning.
package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/policy"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/signing"
	"github.com/relayforge/evmrelay/internal/store"
	"github.com/relayforge/evmrelay/internal/webhook"
)

// bytesPerBlob is the EIP-4844 fixed blob size, used to size the balance
// check's blob_base_fee × blob_count × BYTES_PER_BLOB term.
const bytesPerBlob = 131072

// DefaultWindow is the default bounded working-set size.
const DefaultWindow = 64

// RelayerLookup resolves the current row for a relayer, used to check the
// pause flag fresh on every tick.
type RelayerLookup interface {
	GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error)
}

// Worker runs one relayer's pipeline. Workers do not share nonce or
// transaction-window state; cross-relayer parallelism is the caller's
// responsibility. Each active relayer owns exactly one logical pipeline
// task.
type Worker struct {
	RelayerID uuid.UUID
	ChainID   uint64

	Txs       store.TransactionStore
	Relayers  RelayerLookup
	GasOracle *gasoracle.Stack
	Signer    signing.Signer
	RPC       *rpcclient.EVMClient
	Webhooks  *webhook.Dispatcher
	Metrics   *obsmetrics.Metrics
	Policy    *policy.Gate
	Logger    *zap.Logger

	Window            int
	PausePollInterval time.Duration
	BumpInterval      time.Duration
}

func (w *Worker) bumpInterval() time.Duration {
	if w.BumpInterval <= 0 {
		return 90 * time.Second
	}
	return w.BumpInterval
}

func (w *Worker) window() int {
	if w.Window <= 0 {
		return DefaultWindow
	}
	return w.Window
}

func (w *Worker) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// Tick runs one iteration of the worker loop's steps. It returns a
// *relayerr.RelayerError of KindPolicyReject-adjacent "paused" only in the
// sense that it is nil — a paused relayer is not an error, the caller's
// loop simply waits PausePollInterval and calls Tick again.
func (w *Worker) Tick(ctx context.Context) error {
	if w.Metrics != nil {
		w.Metrics.PipelineTicks.WithLabelValues(w.RelayerID.String()).Inc()
	}

	relayer, err := w.Relayers.GetRelayer(ctx, w.RelayerID)
	if err != nil {
		return relayerr.ProviderTransient("ERR_PIPELINE_RELAYER_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}
	if relayer.Paused {
		return nil
	}

	txs, err := w.Txs.ListNonTerminal(ctx, w.RelayerID, w.window())
	if err != nil {
		return relayerr.ProviderTransient("ERR_PIPELINE_LIST", "failed to list non-terminal transactions", err)
	}

	for _, tx := range txs {
		switch tx.Status {
		case model.StatusPending:
			w.processPending(ctx, relayer, tx)
		case model.StatusInMempool:
			w.processInMempool(ctx, relayer, tx)
		}
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, eventType webhook.EventType, tx *model.Transaction) {
	if w.Webhooks == nil {
		return
	}
	if err := w.Webhooks.Emit(ctx, eventType, tx.RelayerID, map[string]interface{}{
		"transaction_id": tx.ID,
		"hash":           tx.Hash.Hex(),
		"status":         tx.Status,
		"nonce":          tx.Nonce,
	}); err != nil {
		w.log().Warn("pipeline: webhook emit failed", zap.Error(err))
	}
	if w.Metrics != nil {
		w.Metrics.TransactionStatus.WithLabelValues(tx.RelayerID.String(), string(tx.Status)).Inc()
	}
}

// processPending builds, signs, and broadcasts a PENDING transaction,
// transitioning it to INMEMPOOL, or to EXPIRED/FAILED.
func (w *Worker) processPending(ctx context.Context, relayer *model.Relayer, tx *model.Transaction) {
	if time.Now().After(tx.ExpiresAt) {
		w.terminal(ctx, tx, model.StatusExpired, []model.TxStatus{model.StatusPending}, func(t *model.Transaction) {})
		w.emit(ctx, webhook.EventTransactionExpired, tx)
		return
	}

	if err := w.Policy.AdmitTransaction(ctx, relayer.ID, tx.To, tx.Value, tx.Data); err != nil {
		w.fail(ctx, tx, err.Error())
		w.emit(ctx, webhook.EventTransactionFailed, tx)
		return
	}

	quote, err := w.GasOracle.ForRelayer(ctx, relayer.ChainID, tx.Speed, relayer.MaxGasPriceCap)
	if err != nil {
		w.log().Warn("pipeline: gas oracle failed, will retry next tick", zap.Error(err))
		return
	}

	gasLimit, err := w.RPC.EstimateGas(ctx, rpcclient.CallMsg{
		From: relayer.Address, To: &tx.To, Value: tx.Value, Data: tx.Data,
	})
	if err != nil {
		if relayerr.IsKind(err, relayerr.KindReverted) {
			w.fail(ctx, tx, err.Error())
			w.emit(ctx, webhook.EventTransactionFailed, tx)
			return
		}
		w.log().Warn("pipeline: gas estimate failed, will retry next tick", zap.Error(err))
		return
	}

	if ok, insufficient := w.hasSufficientBalance(ctx, relayer, tx, quote, gasLimit); !ok {
		if insufficient {
			w.fail(ctx, tx, "insufficient balance to cover value and gas")
			w.emit(ctx, webhook.EventTransactionFailed, tx)
		}
		return
	}

	signedTx, hash, err := w.signAndBuild(ctx, relayer, tx, quote, gasLimit)
	if err != nil {
		w.fail(ctx, tx, err.Error())
		w.emit(ctx, webhook.EventTransactionFailed, tx)
		return
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		w.fail(ctx, tx, "failed to encode signed transaction")
		w.emit(ctx, webhook.EventTransactionFailed, tx)
		return
	}

	broadcastHash, err := w.RPC.SendRawTransaction(ctx, raw)
	if err != nil {
		if relayerr.IsKind(err, relayerr.KindReverted) {
			w.fail(ctx, tx, err.Error())
			w.emit(ctx, webhook.EventTransactionFailed, tx)
			return
		}
		w.log().Warn("pipeline: broadcast failed, will retry next tick", zap.Error(err))
		return
	}
	_ = hash // hash computed for logging parity with broadcastHash; node is the source of truth

	now := time.Now()
	updated, err := w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusPending}, func(t *model.Transaction) {
		t.Status = model.StatusInMempool
		t.GasLimit = gasLimit
		t.MaxFee = quote.MaxFee
		t.MaxPriorityFee = quote.MaxPriorityFee
		t.GasPrice = quote.GasPrice
		t.RecordBroadcast(broadcastHash)
		t.SentAt = &now
	})
	if err != nil && err != store.ErrStatusChanged {
		w.log().Error("pipeline: failed to persist broadcast", zap.Error(err))
		return
	}
	if updated != nil {
		w.emit(ctx, webhook.EventTransactionInMempool, updated)
	}
}

// processInMempool polls every known hash's receipt and, once one is mined,
// transitions the transaction to MINED (confirmation-depth promotion to
// CONFIRMED, and reorg demotion back to INMEMPOOL, are internal/watcher's
// job — it alone subscribes to chain heads). If no receipt is found
// anywhere and the bump interval has elapsed since the last broadcast,
// fees are bumped and the transaction is rebroadcast under a new hash.
func (w *Worker) processInMempool(ctx context.Context, relayer *model.Relayer, tx *model.Transaction) {
	for _, h := range tx.KnownHashes() {
		receipt, err := w.RPC.GetTransactionReceipt(ctx, h)
		if err != nil {
			w.log().Warn("pipeline: receipt poll failed", zap.Error(err))
			continue
		}
		if receipt == nil {
			continue
		}
		if receipt.Status == 0 {
			w.terminal(ctx, tx, model.StatusFailed, []model.TxStatus{model.StatusInMempool}, func(t *model.Transaction) {
				t.FailedReason = "transaction reverted on-chain"
				now := time.Now()
				t.FailedAt = &now
			})
			w.emit(ctx, webhook.EventTransactionFailed, tx)
			return
		}
		blockNum := receipt.BlockNumber
		updated, err := w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusInMempool}, func(t *model.Transaction) {
			t.Status = model.StatusMined
			t.Hash = h
			now := time.Now()
			t.MinedAt = &now
			t.MinedAtBlockNumber = &blockNum
		})
		if err == nil && updated != nil {
			w.emit(ctx, webhook.EventTransactionMined, updated)
		}
		return
	}

	if w.bumpDue(tx) {
		w.bump(ctx, relayer, tx)
	}
}

// bumpDue reports whether at least bumpInterval has elapsed since tx's
// last broadcast with no receipt found yet.
func (w *Worker) bumpDue(tx *model.Transaction) bool {
	if tx.SentAt == nil {
		return false
	}
	return time.Since(*tx.SentAt) >= w.bumpInterval()
}

func (w *Worker) bump(ctx context.Context, relayer *model.Relayer, tx *model.Transaction) {
	oracleQuote, err := w.GasOracle.ForRelayer(ctx, relayer.ChainID, tx.Speed, nil)
	if err != nil {
		w.log().Warn("pipeline: gas oracle failed during bump", zap.Error(err))
		return
	}
	old := gasoracle.Quote{MaxFee: tx.MaxFee, MaxPriorityFee: tx.MaxPriorityFee, GasPrice: tx.GasPrice}

	var baseFee *big.Int
	if relayer.EIP1559Enabled {
		baseFee, err = w.RPC.BaseFee(ctx)
		if err != nil {
			w.log().Warn("pipeline: base fee lookup failed during bump", zap.Error(err))
			return
		}
	}

	bumped := gasoracle.Bump(old, oracleQuote, baseFee, relayer.MaxGasPriceCap)
	if gasoracle.BumpBlocked(old, bumped) {
		if tx.Hash == (common.Hash{}) && time.Now().After(tx.ExpiresAt) {
			w.terminal(ctx, tx, model.StatusExpired, []model.TxStatus{model.StatusInMempool}, func(t *model.Transaction) {})
			w.emit(ctx, webhook.EventTransactionExpired, tx)
		}
		return
	}

	signedTx, _, err := w.signAndBuild(ctx, relayer, tx, bumped, tx.GasLimit)
	if err != nil {
		w.log().Warn("pipeline: bump signing failed", zap.Error(err))
		return
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		w.log().Warn("pipeline: bump encode failed", zap.Error(err))
		return
	}
	newHash, err := w.RPC.SendRawTransaction(ctx, raw)
	if err != nil {
		w.log().Warn("pipeline: bump broadcast failed", zap.Error(err))
		return
	}

	now := time.Now()
	_, err = w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusInMempool}, func(t *model.Transaction) {
		t.MaxFee = bumped.MaxFee
		t.MaxPriorityFee = bumped.MaxPriorityFee
		t.GasPrice = bumped.GasPrice
		t.RecordBroadcast(newHash)
		t.SentAt = &now
	})
	if err != nil && err != store.ErrStatusChanged {
		w.log().Error("pipeline: failed to persist bump", zap.Error(err))
		return
	}
	if w.Metrics != nil {
		w.Metrics.BumpCount.WithLabelValues(relayer.ID.String()).Inc()
	}
}

func (w *Worker) signAndBuild(ctx context.Context, relayer *model.Relayer, tx *model.Transaction, quote gasoracle.Quote, gasLimit uint64) (*types.Transaction, common.Hash, error) {
	chainID := new(big.Int).SetUint64(relayer.ChainID)

	var unsigned *types.Transaction
	if relayer.EIP1559Enabled {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     tx.Nonce,
			GasTipCap: quote.MaxPriorityFee,
			GasFeeCap: quote.MaxFee,
			Gas:       gasLimit,
			To:        &tx.To,
			Value:     tx.Value,
			Data:      tx.Data,
		})
	} else {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce,
			GasPrice: quote.GasPrice,
			Gas:      gasLimit,
			To:       &tx.To,
			Value:    tx.Value,
			Data:     tx.Data,
		})
	}

	signed, err := w.Signer.SignTransaction(ctx, relayer.WalletIndex, unsigned, chainID)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return signed, signed.Hash(), nil
}

func (w *Worker) hasSufficientBalance(ctx context.Context, relayer *model.Relayer, tx *model.Transaction, quote gasoracle.Quote, gasLimit uint64) (ok bool, insufficient bool) {
	balance, err := w.RPC.GetBalance(ctx, relayer.Address, "latest")
	if err != nil {
		w.log().Warn("pipeline: balance check failed, will retry next tick", zap.Error(err))
		return false, false
	}

	feePerGas := quote.MaxFee
	if feePerGas == nil {
		feePerGas = quote.GasPrice
	}
	required := new(big.Int).Mul(feePerGas, new(big.Int).SetUint64(gasLimit))
	if tx.Value != nil {
		required.Add(required, tx.Value)
	}
	if quote.BlobBaseFee != nil && len(tx.Blobs) > 0 {
		blobCost := new(big.Int).Mul(quote.BlobBaseFee, big.NewInt(int64(len(tx.Blobs)*bytesPerBlob)))
		required.Add(required, blobCost)
	}

	if balance.Cmp(required) < 0 {
		return false, true
	}
	return true, false
}

func (w *Worker) fail(ctx context.Context, tx *model.Transaction, reason string) {
	now := time.Now()
	w.Txs.UpdateStatusCAS(ctx, tx.ID, []model.TxStatus{model.StatusPending, model.StatusInMempool}, func(t *model.Transaction) {
		t.Status = model.StatusFailed
		t.FailedReason = reason
		t.FailedAt = &now
	})
}

func (w *Worker) terminal(ctx context.Context, tx *model.Transaction, status model.TxStatus, expected []model.TxStatus, mutate func(*model.Transaction)) {
	w.Txs.UpdateStatusCAS(ctx, tx.ID, expected, func(t *model.Transaction) {
		mutate(t)
		t.Status = status
	})
}

// RunLoop drives Tick on interval until ctx is cancelled, honoring the
// paused relayer's distinct poll interval and completing the current step
// before releasing its lease — expressed here as returning once ctx.Done()
// fires between ticks rather than mid-tick.
func (w *Worker) RunLoop(ctx context.Context, interval time.Duration) {
	pauseInterval := w.PausePollInterval
	if pauseInterval <= 0 {
		pauseInterval = interval
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relayer, err := w.Relayers.GetRelayer(ctx, w.RelayerID)
		wait := interval
		if err == nil && relayer != nil && relayer.Paused {
			wait = pauseInterval
		}

		if err := w.Tick(ctx); err != nil {
			w.log().Warn("pipeline: tick failed", zap.Error(err), zap.String("relayer", w.RelayerID.String()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
