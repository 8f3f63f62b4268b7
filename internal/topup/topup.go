// Package topup implements the Auto-Top-Up Supervisor: a per-chain
// background scanner that keeps a relayer's native balance and configured
// ERC-20 balances above a floor by queuing funding transactions from a
// dedicated funder wallet.
//
// Grounded on internal/replace's pattern of synthesizing a new
// model.Transaction row and handing it to store.TransactionStore rather
// than building/signing/broadcasting itself: a top-up is "just another
// transaction" from the funder relayer's point of view, so internal/pipeline
// picks it up, estimates gas, signs, broadcasts, and bumps it exactly like
// any client-submitted one. ERC-20 balance reads and transfer() encoding are
// grounded on an abigen-generated binding's accounts/abi.JSON + Pack/Unpack
// usage, which is why this package reaches for go-ethereum's accounts/abi
// instead of hand-rolling selectors.
package topup

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/store"
	"github.com/relayforge/evmrelay/internal/webhook"
)

// erc20ABI covers only the two methods the supervisor needs. Unlike a full
// token integration there is no reason to carry the rest of the standard
// interface (name/symbol/decimals/approve/...).
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var parsedERC20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("topup: invalid embedded ERC-20 ABI: %v", err))
	}
	parsedERC20ABI = parsed
}

// nativeAsset is the debounce/metrics label for the native-currency trigger,
// distinguishing it from a token contract address.
const nativeAsset = "native"

// DefaultPollInterval is the scanner's default cadence.
const DefaultPollInterval = 60 * time.Second

// RelayerLookup resolves both the funder and the relayers being topped up.
type RelayerLookup interface {
	GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error)
}

// NonceAllocator allocates the funder's next nonce for a queued top-up
// transaction, the same internal/nonce.Manager critical section every
// other source of a new PENDING row goes through.
type NonceAllocator interface {
	Allocate(relayerID uuid.UUID) (uint64, error)
}

// TokenTarget is one ERC-20 the supervisor keeps funded for a relayer.
type TokenTarget struct {
	Address       common.Address
	MinBalance    *big.Int
	TargetBalance *big.Int
}

// Target is one relayer the supervisor keeps funded, plus its own
// native-currency floor and any ERC-20s it also tracks.
type Target struct {
	RelayerID        uuid.UUID
	MinBalanceNative *big.Int
	TargetNative     *big.Int
	Tokens           []TokenTarget
}

// Supervisor is the per-chain auto-top-up scanner. One Supervisor serves
// exactly one funder wallet and one chain, mirroring internal/pipeline and
// internal/watcher's per-relayer task shape: the funder is itself a relayer
// row, so its own pipeline worker broadcasts the transactions this package
// queues.
type Supervisor struct {
	FunderRelayerID uuid.UUID
	ChainID         uint64

	Targets []Target

	Txs      store.TransactionStore
	Relayers RelayerLookup
	Nonces   NonceAllocator
	RPC      *rpcclient.EVMClient
	Webhooks *webhook.Dispatcher
	Metrics  *obsmetrics.Metrics
	Logger   *zap.Logger

	PollInterval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
}

func (s *Supervisor) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func debounceKey(targetID uuid.UUID, asset string) string {
	return targetID.String() + ":" + asset
}

func (s *Supervisor) markInFlight(targetID uuid.UUID, asset string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]bool)
	}
	key := debounceKey(targetID, asset)
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Supervisor) clearInFlight(targetID uuid.UUID, asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, debounceKey(targetID, asset))
}

// externalID is the funder-scoped idempotency key a top-up transaction is
// created under, so a restart re-derives in-flight state from the store
// instead of trusting only the in-memory debounce map.
func externalID(targetID uuid.UUID, asset string) string {
	return fmt.Sprintf("topup:%s:%s", targetID, asset)
}

// Run drives the scanner loop until ctx is cancelled, ticking at
// pollInterval.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans every configured target once, queuing top-up transactions
// where a balance has dropped below its floor.
func (s *Supervisor) Tick(ctx context.Context) {
	funder, err := s.Relayers.GetRelayer(ctx, s.FunderRelayerID)
	if err != nil {
		s.log().Warn("topup: failed to load funder relayer", zap.Error(err))
		return
	}
	if funder == nil || funder.Deleted {
		s.log().Error("topup: funder relayer not found")
		return
	}

	for _, target := range s.Targets {
		relayer, err := s.Relayers.GetRelayer(ctx, target.RelayerID)
		if err != nil {
			s.log().Warn("topup: failed to load target relayer", zap.String("relayer", target.RelayerID.String()), zap.Error(err))
			continue
		}
		if relayer == nil || relayer.Deleted {
			continue
		}

		if target.MinBalanceNative != nil {
			s.checkNative(ctx, funder, relayer, target)
		}
		for _, token := range target.Tokens {
			s.checkToken(ctx, funder, relayer, target, token)
		}
	}
}

func (s *Supervisor) checkNative(ctx context.Context, funder, relayer *model.Relayer, target Target) {
	balance, err := s.RPC.GetBalance(ctx, relayer.Address, "latest")
	if err != nil {
		s.log().Warn("topup: native balance check failed", zap.Error(err))
		return
	}
	if balance.Cmp(target.MinBalanceNative) >= 0 {
		return
	}

	delta := new(big.Int).Sub(target.TargetNative, balance)
	if delta.Sign() <= 0 {
		return
	}

	s.queue(ctx, funder, relayer, target.RelayerID, nativeAsset, relayer.Address, delta, nil)
}

func (s *Supervisor) checkToken(ctx context.Context, funder, relayer *model.Relayer, target Target, token TokenTarget) {
	balance, err := s.tokenBalanceOf(ctx, token.Address, relayer.Address)
	if err != nil {
		s.log().Warn("topup: token balance check failed", zap.String("token", token.Address.Hex()), zap.Error(err))
		return
	}
	if balance.Cmp(token.MinBalance) >= 0 {
		return
	}

	delta := new(big.Int).Sub(token.TargetBalance, balance)
	if delta.Sign() <= 0 {
		return
	}

	data, err := parsedERC20ABI.Pack("transfer", relayer.Address, delta)
	if err != nil {
		s.log().Error("topup: failed to encode transfer calldata", zap.Error(err))
		return
	}

	s.queue(ctx, funder, relayer, target.RelayerID, token.Address.Hex(), token.Address, big.NewInt(0), data)
}

func (s *Supervisor) tokenBalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := parsedERC20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_TOPUP_ENCODE", "failed to encode balanceOf calldata", err)
	}
	raw, err := s.RPC.CallContract(ctx, rpcclient.CallMsg{To: &token, Data: data}, "latest")
	if err != nil {
		return nil, err
	}
	out, err := parsedERC20ABI.Unpack("balanceOf", raw)
	if err != nil || len(out) == 0 {
		return nil, relayerr.ProviderFatal("ERR_TOPUP_DECODE", "failed to decode balanceOf result", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, relayerr.ProviderFatal("ERR_TOPUP_DECODE", "balanceOf returned unexpected type", nil)
	}
	return balance, nil
}

// queue synthesizes and persists the PENDING top-up transaction, after
// checking the funder itself can cover it and the debounce allows it.
func (s *Supervisor) queue(ctx context.Context, funder, relayer *model.Relayer, targetID uuid.UUID, asset string, to common.Address, value *big.Int, data []byte) {
	extID := externalID(targetID, asset)

	existing, err := s.Txs.GetTransactionByExternalID(ctx, funder.ID, extID)
	if err != nil {
		s.log().Warn("topup: debounce lookup failed", zap.Error(err))
		return
	}
	if existing != nil && !existing.Status.Terminal() {
		return
	}

	if !s.markInFlight(targetID, asset) {
		return
	}
	queued := false
	defer func() {
		if !queued {
			s.clearInFlight(targetID, asset)
		}
	}()

	if ok := s.checkFunderFunds(ctx, funder, asset, to, value); !ok {
		s.emitFunderLow(ctx, funder, targetID, asset)
		return
	}

	nonce, err := s.Nonces.Allocate(funder.ID)
	if err != nil {
		s.log().Warn("topup: nonce allocation failed", zap.Error(err))
		return
	}

	now := time.Now()
	tx := &model.Transaction{
		ID:         uuid.New(),
		RelayerID:  funder.ID,
		From:       funder.Address,
		To:         to,
		Value:      value,
		Data:       data,
		Nonce:      nonce,
		Speed:      model.SpeedFast,
		Status:     model.StatusPending,
		QueuedAt:   now,
		ExpiresAt:  now.Add(24 * time.Hour),
		ExternalID: &extID,
	}
	if err := s.Txs.CreateTransaction(ctx, tx); err != nil {
		s.log().Error("topup: failed to queue top-up transaction", zap.Error(err))
		return
	}
	queued = true

	if s.Metrics != nil {
		s.Metrics.TopUpsTriggered.WithLabelValues(targetID.String(), asset).Inc()
	}
	if s.Webhooks != nil {
		if err := s.Webhooks.Emit(ctx, webhook.EventBalanceLow, targetID, map[string]interface{}{
			"asset":               asset,
			"top_up_transaction":  tx.ID,
			"amount":              value.String(),
		}); err != nil {
			s.log().Warn("topup: webhook emit failed", zap.Error(err))
		}
	}
}

// checkFunderFunds reports whether the funder can cover value of asset: a
// native balance must exceed value, with no amount set aside for gas; a
// token balance must be at least value. It never blocks a
// relayer's own transactions; an insufficient funder only skips this
// particular top-up.
func (s *Supervisor) checkFunderFunds(ctx context.Context, funder *model.Relayer, asset string, to common.Address, value *big.Int) bool {
	if asset == nativeAsset {
		balance, err := s.RPC.GetBalance(ctx, funder.Address, "latest")
		if err != nil {
			s.log().Warn("topup: funder balance check failed", zap.Error(err))
			return false
		}
		return balance.Cmp(value) > 0
	}

	token := to
	balance, err := s.tokenBalanceOf(ctx, token, funder.Address)
	if err != nil {
		s.log().Warn("topup: funder token balance check failed", zap.Error(err))
		return false
	}
	return balance.Cmp(value) >= 0
}

func (s *Supervisor) emitFunderLow(ctx context.Context, funder *model.Relayer, targetID uuid.UUID, asset string) {
	s.log().Error("topup: funder underfunded, skipping top-up", zap.String("funder", funder.ID.String()), zap.String("asset", asset))
	if s.Webhooks == nil {
		return
	}
	if err := s.Webhooks.Emit(ctx, webhook.EventFunderLow, targetID, map[string]interface{}{
		"funder_relayer_id": funder.ID,
		"asset":             asset,
	}); err != nil {
		s.log().Warn("topup: funder_low webhook emit failed", zap.Error(err))
	}
}
