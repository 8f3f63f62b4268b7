// Package replace implements the Replacement & Cancellation Engine:
// replacing an in-flight PENDING or INMEMPOOL transaction with a new
// record over the same nonce and bumped fees, and cancellation as the
// special case of a replacement that is a zero-value self-transfer.
//
// Grounded on the same gas-bump math internal/pipeline's rebroadcast path
// uses (internal/gasoracle.Bump/BumpBlocked): a replacement's fees must at
// least meet the bump rule relative to the replaced one, the identical
// 12.5% floor, not a separate formula.
package replace

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/policy"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/store"
	"github.com/relayforge/evmrelay/internal/webhook"
)

// RelayerLookup resolves the relayer owning a transaction being replaced.
type RelayerLookup interface {
	GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error)
}

// Request is the client-supplied new intent for a replacement: a new
// {to, value, data, speed, blobs} targeting the same nonce as an existing
// transaction.
type Request struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Speed model.Speed
	Blobs [][]byte
}

// DefaultIdempotencyWindow is how long an identical (relayer, client key,
// target transaction) request returns the same synthesized id instead of
// creating a second replacement.
const DefaultIdempotencyWindow = 5 * time.Minute

type idempotencyKey struct {
	RelayerID uuid.UUID
	TargetID  uuid.UUID
	ClientKey string
}

type idempotencyEntry struct {
	TransactionID uuid.UUID
	ExpiresAt     time.Time
}

// Engine is the replacement/cancellation service. It does not itself decide
// which of the original and replacement transactions wins the race for a
// nonce slot — that resolution happens naturally on-chain and is recorded
// by internal/watcher/internal/pipeline as each side's receipt arrives.
type Engine struct {
	Txs       store.TransactionStore
	Relayers  RelayerLookup
	Policy    *policy.Gate
	GasOracle *gasoracle.Stack
	RPC       *rpcclient.EVMClient
	Webhooks  *webhook.Dispatcher
	Logger    *zap.Logger

	// IdempotencyWindow overrides DefaultIdempotencyWindow when non-zero.
	IdempotencyWindow time.Duration

	mu   sync.Mutex
	seen map[idempotencyKey]idempotencyEntry
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) window() time.Duration {
	if e.IdempotencyWindow <= 0 {
		return DefaultIdempotencyWindow
	}
	return e.IdempotencyWindow
}

// checkIdempotent returns a previously-synthesized transaction id for this
// (relayer, target, clientKey) if one was created within the window. It
// records nothing; remember stores a newly synthesized id.
func (e *Engine) checkIdempotent(relayerID, targetID uuid.UUID, clientKey string) (uuid.UUID, bool) {
	if clientKey == "" {
		return uuid.UUID{}, false
	}
	key := idempotencyKey{RelayerID: relayerID, TargetID: targetID, ClientKey: clientKey}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen == nil {
		e.seen = make(map[idempotencyKey]idempotencyEntry)
	}
	now := time.Now()
	if entry, ok := e.seen[key]; ok && now.Before(entry.ExpiresAt) {
		return entry.TransactionID, true
	}
	return uuid.UUID{}, false
}

func (e *Engine) remember(relayerID, targetID uuid.UUID, clientKey string, newID uuid.UUID) {
	if clientKey == "" {
		return
	}
	key := idempotencyKey{RelayerID: relayerID, TargetID: targetID, ClientKey: clientKey}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen == nil {
		e.seen = make(map[idempotencyKey]idempotencyEntry)
	}
	e.seen[key] = idempotencyEntry{TransactionID: newID, ExpiresAt: time.Now().Add(e.window())}
}

// Replace synthesizes a new transaction record over targetID's relayer_id
// and nonce.
func (e *Engine) Replace(ctx context.Context, targetID uuid.UUID, req Request, clientKey string) (*model.Transaction, error) {
	target, err := e.Txs.GetTransaction(ctx, targetID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REPLACE_LOAD", "failed to load target transaction", err)
	}
	if target == nil {
		return nil, relayerr.NotFound("ERR_TX_NOT_FOUND", "transaction not found")
	}

	if existing, ok := e.checkIdempotent(target.RelayerID, targetID, clientKey); ok {
		return e.Txs.GetTransaction(ctx, existing)
	}

	return e.replace(ctx, target, req, clientKey, false)
}

// Cancel synthesizes a zero-value self-transfer replacement over targetID.
func (e *Engine) Cancel(ctx context.Context, targetID uuid.UUID, clientKey string) (*model.Transaction, error) {
	target, err := e.Txs.GetTransaction(ctx, targetID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REPLACE_LOAD", "failed to load target transaction", err)
	}
	if target == nil {
		return nil, relayerr.NotFound("ERR_TX_NOT_FOUND", "transaction not found")
	}

	if existing, ok := e.checkIdempotent(target.RelayerID, targetID, clientKey); ok {
		return e.Txs.GetTransaction(ctx, existing)
	}

	relayer, err := e.Relayers.GetRelayer(ctx, target.RelayerID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REPLACE_RELAYER_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}

	req := Request{To: relayer.Address, Value: big.NewInt(0), Data: nil, Speed: target.Speed}
	return e.replace(ctx, target, req, clientKey, true)
}

func (e *Engine) replace(ctx context.Context, target *model.Transaction, req Request, clientKey string, isNoop bool) (*model.Transaction, error) {
	if target.Status != model.StatusPending && target.Status != model.StatusInMempool {
		return nil, relayerr.Validation("ERR_REPLACE_TERMINAL",
			fmt.Sprintf("transaction %s is %s and can no longer be replaced", target.ID, target.Status))
	}

	relayer, err := e.Relayers.GetRelayer(ctx, target.RelayerID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REPLACE_RELAYER_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}

	if err := e.Policy.AdmitTransaction(ctx, relayer.ID, req.To, req.Value, req.Data); err != nil {
		return nil, err
	}

	bumped, err := e.bumpedFees(ctx, relayer, target, req.Speed)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	newTx := &model.Transaction{
		ID:             uuid.New(),
		RelayerID:      target.RelayerID,
		From:           relayer.Address,
		To:             req.To,
		Value:          req.Value,
		Data:           req.Data,
		Blobs:          req.Blobs,
		Nonce:          target.Nonce,
		Speed:          req.Speed,
		MaxFee:         bumped.MaxFee,
		MaxPriorityFee: bumped.MaxPriorityFee,
		GasPrice:       bumped.GasPrice,
		Status:         model.StatusPending,
		QueuedAt:       now,
		ExpiresAt:      now.Add(target.ExpiresAt.Sub(target.QueuedAt)),
		IsNoop:         isNoop,
		APIKey:         target.APIKey,
	}
	if err := e.Txs.CreateTransaction(ctx, newTx); err != nil {
		return nil, relayerr.ProviderTransient("ERR_REPLACE_CREATE", "failed to create replacement transaction", err)
	}

	updatedTarget, err := e.Txs.UpdateStatusCAS(ctx, target.ID, []model.TxStatus{model.StatusPending, model.StatusInMempool}, func(t *model.Transaction) {
		t.ReplacedByTransactionID = &newTx.ID
		if isNoop {
			t.CancelledByTransactionID = &newTx.ID
		}
	})
	if err != nil && err != store.ErrStatusChanged {
		return nil, relayerr.ProviderTransient("ERR_REPLACE_LINK", "failed to link replacement to target", err)
	}
	_ = updatedTarget

	e.remember(target.RelayerID, target.ID, clientKey, newTx.ID)

	if e.Webhooks != nil {
		if err := e.Webhooks.Emit(ctx, webhook.EventTransactionQueued, newTx.RelayerID, map[string]interface{}{
			"transaction_id":  newTx.ID,
			"replaces":        target.ID,
			"is_cancellation": isNoop,
		}); err != nil {
			e.log().Warn("replace: webhook emit failed", zap.Error(err))
		}
	}

	return newTx, nil
}

// bumpedFees computes fee parameters meeting the 12.5% bump floor relative
// to target's last-broadcast fees, using speed's oracle quote as the other
// side of the max() in internal/gasoracle.Bump (reused verbatim here, not a
// separate replacement-specific formula).
func (e *Engine) bumpedFees(ctx context.Context, relayer *model.Relayer, target *model.Transaction, speed model.Speed) (gasoracle.Quote, error) {
	oracleQuote, err := e.GasOracle.ForRelayer(ctx, relayer.ChainID, speed, nil)
	if err != nil {
		return gasoracle.Quote{}, relayerr.ProviderTransient("ERR_REPLACE_GASORACLE", "failed to fetch gas quote", err)
	}

	old := gasoracle.Quote{MaxFee: target.MaxFee, MaxPriorityFee: target.MaxPriorityFee, GasPrice: target.GasPrice}
	if old.MaxFee == nil && old.GasPrice == nil {
		// Target never broadcast (still PENDING with no prior fee quote):
		// nothing to bump past, the oracle quote stands on its own.
		return oracleQuote.Clip(relayer.MaxGasPriceCap), nil
	}

	var baseFee *big.Int
	if relayer.EIP1559Enabled {
		baseFee, err = e.RPC.BaseFee(ctx)
		if err != nil {
			return gasoracle.Quote{}, relayerr.ProviderTransient("ERR_REPLACE_BASEFEE", "failed to fetch base fee", err)
		}
	}

	bumped := gasoracle.Bump(old, oracleQuote, baseFee, relayer.MaxGasPriceCap)
	if gasoracle.BumpBlocked(old, bumped) {
		return gasoracle.Quote{}, relayerr.InsufficientFunds("ERR_REPLACE_CAP_BLOCKED",
			"max_gas_price_cap prevents the required fee increase for this replacement")
	}
	return bumped, nil
}
