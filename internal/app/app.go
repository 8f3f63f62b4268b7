// Package app wires every component package in this module into one
// running relay process: one signing provider, one store, and then a
// per-network rpcclient/gasoracle/nonce stack feeding a per-relayer
// pipeline.Worker and watcher.Watcher pair, plus a per-network
// topup.Supervisor where configured. It also exposes Submit, the
// transaction-intake entrypoint that owns admission rather than leaving it
// to any single component package: policy gate, rate limiter, and nonce
// allocation all run here before a row ever reaches store.TransactionStore.
//
// Grounded on arcsign's cmd/arcsign mode-detection + service
// construction in internal/app/config.go, generalized from a one-shot CLI
// wallet load into a long-running multi-relayer daemon the way
// certenIO-certen-validator/main.go builds and supervises its services
// (signal-driven shutdown via context cancellation, one goroutine per
// service).
package app

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/config"
	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/gasoracle/blocknative"
	"github.com/relayforge/evmrelay/internal/gasoracle/customendpoint"
	"github.com/relayforge/evmrelay/internal/gasoracle/etherscanoracle"
	"github.com/relayforge/evmrelay/internal/gasoracle/infuraoracle"
	"github.com/relayforge/evmrelay/internal/gasoracle/nativeoracle"
	"github.com/relayforge/evmrelay/internal/gasoracle/syntheticfallback"
	"github.com/relayforge/evmrelay/internal/gasoracle/tenderlyoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/nonce"
	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/pipeline"
	"github.com/relayforge/evmrelay/internal/policy"
	"github.com/relayforge/evmrelay/internal/ratelimit"
	"github.com/relayforge/evmrelay/internal/registry"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/replace"
	"github.com/relayforge/evmrelay/internal/rpcclient"
	"github.com/relayforge/evmrelay/internal/signing"
	"github.com/relayforge/evmrelay/internal/store"
	"github.com/relayforge/evmrelay/internal/topup"
	"github.com/relayforge/evmrelay/internal/watcher"
	"github.com/relayforge/evmrelay/internal/webhook"
)

// network bundles the per-chain component set app.go's constructor builds
// once per active config.NetworkConfig.
type network struct {
	chainID uint64

	rpc       *rpcclient.EVMClient
	gasOracle *gasoracle.Stack
	nonces    *nonce.Manager
	replace   *replace.Engine
	topup     *topup.Supervisor // nil when the network has no auto_topup block

	cfg config.NetworkConfig
}

// Service is the assembled relay process: every shared component plus the
// live set of per-relayer pipeline/watcher goroutines.
type Service struct {
	Config *config.Config
	Store  *store.Store
	Logger *zap.Logger

	Metrics   *obsmetrics.Metrics
	Registry  *registry.Registry
	Policy    *policy.Gate
	RateLimit *ratelimit.Limiter
	Webhooks  *webhook.Dispatcher

	networks map[uint64]*network

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs every shared and per-network component from cfg but does
// not yet start any per-relayer loops; call Run for that.
func New(ctx context.Context, cfg *config.Config, db *store.Store, logger *zap.Logger, metrics *obsmetrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = obsmetrics.NewUnregistered()
	}

	signer, err := signing.BuildFromConfig(cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("app: build signing provider: %w", err)
	}

	reg := &registry.Registry{
		Relayers: db,
		Txs:      db,
		APIKeys:  db,
		Audit:    db,
		Signers:  map[string]signing.Signer{cfg.Signing.Provider: signer},
		Logger:   logger,
	}

	gate := policy.NewGate(db)

	descriptors := map[string]model.RateLimitDescriptor{
		"transactions.submit": {MaxRequests: cfg.RateLimit.DefaultMaxRequests, Window: cfg.RateLimit.DefaultWindow},
		"sign.personal":       {MaxRequests: cfg.RateLimit.DefaultMaxRequests, Window: cfg.RateLimit.DefaultWindow},
		"sign.typed_data":     {MaxRequests: cfg.RateLimit.DefaultMaxRequests, Window: cfg.RateLimit.DefaultWindow},
	}
	limiter := ratelimit.NewLimiter(descriptors)

	endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks.Endpoints))
	for _, e := range cfg.Webhooks.Endpoints {
		events := make(map[webhook.EventType]bool, len(e.Events))
		for _, name := range e.Events {
			events[webhook.EventType(name)] = true
		}
		endpoints = append(endpoints, webhook.Endpoint{
			URL: e.URL, Secret: e.Secret, Events: events,
			Timeout: e.Timeout, MaxAttempts: e.MaxAttempts, MaxBackoff: e.MaxBackoff,
		})
	}
	dispatcher := webhook.NewDispatcher(endpoints, store.NewWebhookQueue(db), metrics, logger)

	svc := &Service{
		Config:    cfg,
		Store:     db,
		Logger:    logger,
		Metrics:   metrics,
		Registry:  reg,
		Policy:    gate,
		RateLimit: limiter,
		Webhooks:  dispatcher,
		networks:  make(map[uint64]*network),
	}

	for _, n := range cfg.Networks {
		if n.Disabled {
			continue
		}
		net, err := svc.buildNetwork(ctx, n, signer)
		if err != nil {
			return nil, fmt.Errorf("app: build network %d: %w", n.ChainID, err)
		}
		svc.networks[n.ChainID] = net
	}

	return svc, nil
}

func (s *Service) buildNetwork(ctx context.Context, n config.NetworkConfig, signer signing.Signer) (*network, error) {
	httpClient, err := rpcclient.NewHTTPClient(n.RPCURLs, 10*time.Second, rpcclient.WithMetrics(s.Metrics))
	if err != nil {
		return nil, fmt.Errorf("rpc client: %w", err)
	}
	rpc := rpcclient.NewEVMClient(httpClient)

	providers := make([]gasoracle.Provider, 0, len(n.GasOracles)+1)
	for _, oc := range n.GasOracles {
		p, err := buildGasOracleProvider(oc, rpc)
		if err != nil {
			return nil, fmt.Errorf("gas oracle %s: %w", oc.Type, err)
		}
		providers = append(providers, p)
	}
	providers = append(providers, syntheticfallback.New())
	stack := gasoracle.NewStack(providers, 12*time.Second, gasoracle.WithMetrics(s.Metrics))

	nonces := nonce.NewManager(rpc)

	replaceEngine := &replace.Engine{
		Txs:       s.Store,
		Relayers:  s.Registry,
		Policy:    s.Policy,
		GasOracle: stack,
		RPC:       rpc,
		Webhooks:  s.Webhooks,
		Logger:    s.Logger,
	}

	net := &network{
		chainID:   n.ChainID,
		rpc:       rpc,
		gasOracle: stack,
		nonces:    nonces,
		replace:   replaceEngine,
		cfg:       n,
	}

	if n.AutoTopUp != nil {
		sup, err := s.buildTopUp(ctx, n, rpc, nonces)
		if err != nil {
			return nil, fmt.Errorf("auto_topup: %w", err)
		}
		net.topup = sup
	}

	return net, nil
}

func buildGasOracleProvider(oc config.GasOracleConfig, rpc *rpcclient.EVMClient) (gasoracle.Provider, error) {
	switch oc.Type {
	case "native":
		return nativeoracle.New(rpc), nil
	case "blocknative":
		return blocknative.New(blocknative.Config{BaseURL: oc.Endpoint, APIKey: oc.APIKey, Timeout: oc.Timeout})
	case "infura":
		return infuraoracle.New(infuraoracle.Config{BaseURL: oc.Endpoint, APIKey: oc.APIKey, Timeout: oc.Timeout})
	case "tenderly":
		return tenderlyoracle.New(tenderlyoracle.Config{BaseURL: oc.Endpoint, APIKey: oc.APIKey, Timeout: oc.Timeout})
	case "etherscan":
		return etherscanoracle.New(etherscanoracle.Config{BaseURL: oc.Endpoint, APIKey: oc.APIKey, Timeout: oc.Timeout})
	case "custom":
		return customendpoint.New(customendpoint.Config{
			URL: oc.Endpoint, Timeout: oc.Timeout,
			BaseFeeField:     "baseFeePerGas",
			PriorityFeeField: "priorityFeePerGas",
		})
	case "synthetic":
		return syntheticfallback.New(), nil
	default:
		return nil, fmt.Errorf("unknown gas oracle type %q", oc.Type)
	}
}

func (s *Service) buildTopUp(ctx context.Context, n config.NetworkConfig, rpc *rpcclient.EVMClient, nonces *nonce.Manager) (*topup.Supervisor, error) {
	cfg := n.AutoTopUp

	minNative, ok := new(big.Int).SetString(cfg.MinBalanceNative, 10)
	if !ok {
		return nil, fmt.Errorf("min_balance_native %q is not a decimal integer", cfg.MinBalanceNative)
	}
	targetNative, ok := new(big.Int).SetString(cfg.TargetBalance, 10)
	if !ok {
		return nil, fmt.Errorf("target_balance_native %q is not a decimal integer", cfg.TargetBalance)
	}

	relayers, err := s.Registry.ListRelayers(ctx, n.ChainID, false)
	if err != nil {
		return nil, fmt.Errorf("list relayers: %w", err)
	}

	funder, err := findFunder(relayers, cfg.FunderWalletIndex)
	if err != nil {
		return nil, err
	}

	targets := make([]topup.Target, 0, len(relayers))
	for _, r := range relayers {
		if r.ID == funder.ID {
			continue
		}
		t := topup.Target{RelayerID: r.ID, MinBalanceNative: minNative, TargetNative: targetNative}
		for _, tc := range cfg.Tokens {
			minBal, ok := new(big.Int).SetString(tc.MinBalance, 10)
			if !ok {
				return nil, fmt.Errorf("token %s min_balance %q is not a decimal integer", tc.Address, tc.MinBalance)
			}
			targetBal, ok := new(big.Int).SetString(tc.TargetBalance, 10)
			if !ok {
				return nil, fmt.Errorf("token %s target_balance %q is not a decimal integer", tc.Address, tc.TargetBalance)
			}
			t.Tokens = append(t.Tokens, topup.TokenTarget{
				Address:       common.HexToAddress(tc.Address),
				MinBalance:    minBal,
				TargetBalance: targetBal,
			})
		}
		targets = append(targets, t)
	}

	return &topup.Supervisor{
		FunderRelayerID: funder.ID,
		ChainID:         n.ChainID,
		Targets:         targets,
		Txs:             s.Store,
		Relayers:        s.Registry,
		Nonces:          nonces,
		RPC:             rpc,
		Webhooks:        s.Webhooks,
		Metrics:         s.Metrics,
		Logger:          s.Logger,
		PollInterval:    cfg.PollInterval,
	}, nil
}

func findFunder(relayers []*model.Relayer, walletIndex uint32) (*model.Relayer, error) {
	for _, r := range relayers {
		if r.WalletIndex == walletIndex {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no relayer with wallet_index %d found to act as auto_topup funder", walletIndex)
}

// SubmitRequest is a client's intent to send a new transaction through a
// relayer, validated before any row is persisted.
type SubmitRequest struct {
	RelayerID uuid.UUID
	To        common.Address
	Value     *big.Int
	Data      []byte
	Speed     model.Speed
	Blobs     [][]byte
	APIKey    string
	ClientKey string // caller-supplied idempotency/rate-limit sub-key, optional
}

// Submit is the core's transaction-intake entrypoint: policy admission,
// rate limiting, nonce allocation, and persistence, in that order, so a
// rejected request never consumes a nonce or creates a row.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Transaction, error) {
	relayer, err := s.Registry.GetRelayer(ctx, req.RelayerID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_SUBMIT_RELAYER_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}

	if err := s.Policy.AdmitTransaction(ctx, req.RelayerID, req.To, req.Value, req.Data); err != nil {
		return nil, err
	}

	if err := s.RateLimit.Allow(ratelimit.Scope{APIKey: req.APIKey, EndpointClass: "transactions.submit", ClientKey: req.ClientKey}); err != nil {
		return nil, err
	}

	net, ok := s.networks[relayer.ChainID]
	if !ok {
		return nil, relayerr.Validation("ERR_SUBMIT_CHAIN_INACTIVE", fmt.Sprintf("chain %d is not active on this process", relayer.ChainID))
	}

	nonceVal, err := net.nonces.Allocate(relayer.ID)
	if err != nil {
		return nil, err
	}

	speed := req.Speed
	if speed == "" {
		speed = model.SpeedMedium
	}

	now := time.Now()
	tx := &model.Transaction{
		ID:        uuid.New(),
		RelayerID: relayer.ID,
		From:      relayer.Address,
		To:        req.To,
		Value:     req.Value,
		Data:      req.Data,
		Blobs:     req.Blobs,
		Nonce:     nonceVal,
		Speed:     speed,
		Status:    model.StatusPending,
		QueuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
		APIKey:    req.APIKey,
	}
	if err := s.Store.CreateTransaction(ctx, tx); err != nil {
		return nil, relayerr.ProviderTransient("ERR_SUBMIT_PERSIST", "failed to persist transaction", err)
	}
	if s.Metrics != nil {
		s.Metrics.NonceAllocations.WithLabelValues(relayer.ID.String(), "submit").Inc()
	}
	return tx, nil
}

// Replace delegates to the owning network's replace.Engine.
func (s *Service) Replace(ctx context.Context, chainID uint64, targetID uuid.UUID, req replace.Request, clientKey string) (*model.Transaction, error) {
	net, ok := s.networks[chainID]
	if !ok {
		return nil, relayerr.Validation("ERR_REPLACE_CHAIN_INACTIVE", fmt.Sprintf("chain %d is not active on this process", chainID))
	}
	return net.replace.Replace(ctx, targetID, req, clientKey)
}

// Cancel delegates to the owning network's replace.Engine.
func (s *Service) Cancel(ctx context.Context, chainID uint64, targetID uuid.UUID, clientKey string) (*model.Transaction, error) {
	net, ok := s.networks[chainID]
	if !ok {
		return nil, relayerr.Validation("ERR_CANCEL_CHAIN_INACTIVE", fmt.Sprintf("chain %d is not active on this process", chainID))
	}
	return net.replace.Cancel(ctx, targetID, clientKey)
}

// Run reconciles nonces for every active relayer and starts one
// pipeline.Worker and one watcher.Watcher loop per relayer, plus one
// topup.Supervisor loop per network that configured auto-topup. It blocks
// until ctx is cancelled, then waits for every loop to return.
func (s *Service) Run(ctx context.Context) error {
	for chainID, net := range s.networks {
		relayers, err := s.Registry.ListRelayers(ctx, chainID, false)
		if err != nil {
			return fmt.Errorf("app: list relayers for chain %d: %w", chainID, err)
		}
		for _, r := range relayers {
			if err := s.reconcile(ctx, net, r); err != nil {
				s.Logger.Error("app: nonce reconciliation failed", zap.Uint64("chain_id", chainID), zap.String("relayer_id", r.ID.String()), zap.Error(err))
				continue
			}
			s.startRelayer(ctx, net, r)
		}
		if net.topup != nil {
			s.startLoop(ctx, func(ctx context.Context) { net.topup.Run(ctx) })
		}
	}

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

func (s *Service) reconcile(ctx context.Context, net *network, r *model.Relayer) error {
	local, err := s.Store.ListLocalNonces(ctx, r.ID)
	if err != nil {
		return err
	}
	localTxs := make([]nonce.LocalTransaction, 0, len(local))
	for _, l := range local {
		localTxs = append(localTxs, nonce.LocalTransaction{Nonce: l.Nonce, Terminal: l.Terminal})
	}
	_, err = net.nonces.Reconcile(ctx, r.ID, *r, localTxs)
	return err
}

func (s *Service) startRelayer(ctx context.Context, net *network, r *model.Relayer) {
	signer, ok := s.Registry.Signers[r.ProviderTag]
	if !ok {
		s.Logger.Error("app: no signer registered for relayer's provider tag, skipping", zap.String("relayer_id", r.ID.String()), zap.String("provider_tag", r.ProviderTag))
		return
	}

	worker := &pipeline.Worker{
		RelayerID: r.ID,
		ChainID:   net.chainID,
		Txs:       s.Store,
		Relayers:  s.Registry,
		GasOracle: net.gasOracle,
		Signer:    signer,
		RPC:       net.rpc,
		Webhooks:  s.Webhooks,
		Metrics:   s.Metrics,
		Policy:    s.Policy,
		Logger:    s.Logger,
	}
	watch := &watcher.Watcher{
		RelayerID:         r.ID,
		ChainID:           net.chainID,
		Txs:               s.Store,
		Relayers:          s.Registry,
		RPC:               net.rpc,
		Webhooks:          s.Webhooks,
		Metrics:           s.Metrics,
		Logger:            s.Logger,
		ConfirmationDepth: net.cfg.ConfirmationDepth,
		DropGraceBlocks:   net.cfg.DropGraceBlocks,
	}

	s.startLoop(ctx, func(ctx context.Context) { worker.RunLoop(ctx, 2*time.Second) })
	s.startLoop(ctx, func(ctx context.Context) { watch.RunPolling(ctx, 12*time.Second) })
}

// startLoop runs fn in its own goroutine against a context derived from
// parent, tracked in wg so Run/Shutdown can wait for a clean stop. The
// derived cancel is also kept so Shutdown can stop every loop even if the
// caller's parent context is never itself cancelled.
func (s *Service) startLoop(parent context.Context, fn func(ctx context.Context)) {
	s.mu.Lock()
	loopCtx, cancel := context.WithCancel(parent)
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(loopCtx)
	}()
}

// Shutdown cancels every running loop and waits for them to return or for
// ctx to expire, whichever comes first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
