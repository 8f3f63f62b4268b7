// Package registry implements the Relayer Registry: creation, cloning,
// pause state, and policy storage for relayer rows, appending an audit
// log entry on every state-changing mutation so the audit log stays
// authoritative for historical reconstruction.
//
// Grounded on arcsign's internal/app/storage.go admin-surface pattern
// (load-mutate-persist around a store interface, generating an opaque
// token with crypto/rand the same way internal/services/crypto does),
// generalized from a single wallet's admin operations to a multi-tenant
// relayer registry.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/signing"
	"github.com/relayforge/evmrelay/internal/store"
)

// apiKeyTokenBytes is the entropy behind the opaque 32-char API key token
// (hex-encoded, so 16 random bytes yields exactly 32 characters).
const apiKeyTokenBytes = 16

// CreateRequest is the admin-supplied intent for a new relayer. A gas cap
// is set afterward via UpdateGasCap, not at creation time.
type CreateRequest struct {
	Name           string
	ChainID        uint64
	WalletIndex    uint32
	ProviderTag    string
	EIP1559Enabled bool
}

// Registry is the relayer lifecycle service: creation, cloning, pause
// state, and policy storage, backed by internal/store.
type Registry struct {
	Relayers store.RelayerStore
	Txs      store.TransactionStore
	APIKeys  store.APIKeyStore
	Audit    store.AuditStore
	Signers  map[string]signing.Signer // providerTag -> signer
	Logger   *zap.Logger
}

func (r *Registry) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Registry) signerFor(providerTag string) (signing.Signer, error) {
	s, ok := r.Signers[providerTag]
	if !ok {
		return nil, relayerr.Validation("ERR_UNKNOWN_PROVIDER", fmt.Sprintf("unknown signing provider %q", providerTag))
	}
	return s, nil
}

func (r *Registry) audit(ctx context.Context, relayerID uuid.UUID, snapshot *model.Relayer) {
	if r.Audit == nil {
		return
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		r.log().Warn("registry: failed to marshal audit snapshot", zap.Error(err))
		return
	}
	if err := r.Audit.AppendAuditLog(ctx, &model.AuditLogEntry{
		EntityType: "relayer",
		EntityID:   relayerID,
		Snapshot:   body,
		CreatedAt:  time.Now(),
	}); err != nil {
		r.log().Warn("registry: failed to append audit log", zap.Error(err))
	}
}

// CreateRelayer materializes a new relayer row: the address is resolved
// from the signing provider before the row is persisted.
func (r *Registry) CreateRelayer(ctx context.Context, req CreateRequest) (*model.Relayer, error) {
	signer, err := r.signerFor(req.ProviderTag)
	if err != nil {
		return nil, err
	}

	addr, err := signer.Address(ctx, req.WalletIndex)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_ADDRESS", "failed to resolve relayer address", err)
	}

	relayer := &model.Relayer{
		ID:             uuid.New(),
		Name:           req.Name,
		ChainID:        req.ChainID,
		Address:        addr,
		WalletIndex:    req.WalletIndex,
		EIP1559Enabled: req.EIP1559Enabled,
		ProviderTag:    req.ProviderTag,
		CreatedAt:      time.Now(),
	}
	if err := r.Relayers.CreateRelayer(ctx, relayer); err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_CREATE", "failed to persist relayer", err)
	}
	r.audit(ctx, relayer.ID, relayer)
	return relayer, nil
}

// Clone creates a new relayer on targetChainID reusing the same provider
// tag and wallet index as source: the signing key is shared, only the
// (chain, relayer id) coordinate is new.
func (r *Registry) Clone(ctx context.Context, sourceID uuid.UUID, targetChainID uint64, name string) (*model.Relayer, error) {
	source, err := r.Relayers.GetRelayer(ctx, sourceID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_LOAD", "failed to load source relayer", err)
	}
	if source == nil || source.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "source relayer not found")
	}

	return r.CreateRelayer(ctx, CreateRequest{
		Name:           name,
		ChainID:        targetChainID,
		WalletIndex:    source.WalletIndex,
		ProviderTag:    source.ProviderTag,
		EIP1559Enabled: source.EIP1559Enabled,
	})
}

// GetRelayer loads a relayer row, implementing the lookup interface every
// other package in this module depends on (pipeline.RelayerLookup,
// watcher.RelayerLookup, replace.RelayerLookup, topup.RelayerLookup).
func (r *Registry) GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error) {
	return r.Relayers.GetRelayer(ctx, id)
}

// ListRelayers returns every relayer on chainID.
func (r *Registry) ListRelayers(ctx context.Context, chainID uint64, includeDeleted bool) ([]*model.Relayer, error) {
	return r.Relayers.ListRelayers(ctx, chainID, includeDeleted)
}

// Pause flips a relayer's paused flag so internal/pipeline's next Tick
// becomes a no-op for it.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID) (*model.Relayer, error) {
	return r.setPaused(ctx, id, true)
}

// Unpause clears a relayer's paused flag.
func (r *Registry) Unpause(ctx context.Context, id uuid.UUID) (*model.Relayer, error) {
	return r.setPaused(ctx, id, false)
}

func (r *Registry) setPaused(ctx context.Context, id uuid.UUID, paused bool) (*model.Relayer, error) {
	relayer, err := r.Relayers.GetRelayer(ctx, id)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}
	relayer.Paused = paused
	if err := r.Relayers.UpdateRelayer(ctx, relayer); err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_UPDATE", "failed to persist pause state", err)
	}
	r.audit(ctx, relayer.ID, relayer)
	return relayer, nil
}

// UpdateGasCap sets or clears (nil) a relayer's max_gas_price_cap.
func (r *Registry) UpdateGasCap(ctx context.Context, id uuid.UUID, maxGasPriceCap *big.Int) (*model.Relayer, error) {
	relayer, err := r.Relayers.GetRelayer(ctx, id)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}
	relayer.MaxGasPriceCap = maxGasPriceCap
	if err := r.Relayers.UpdateRelayer(ctx, relayer); err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_UPDATE", "failed to persist gas cap", err)
	}
	r.audit(ctx, relayer.ID, relayer)
	return relayer, nil
}

// Delete soft-deletes a relayer. A relayer is never hard-deleted while
// transactions reference it, so this refuses when any non-terminal
// transaction still belongs to it.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	relayer, err := r.Relayers.GetRelayer(ctx, id)
	if err != nil {
		return relayerr.ProviderTransient("ERR_REGISTRY_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}

	txs, err := r.Txs.ListNonTerminal(ctx, id, 1)
	if err != nil {
		return relayerr.ProviderTransient("ERR_REGISTRY_CHECK", "failed to check for in-flight transactions", err)
	}
	if len(txs) > 0 {
		return relayerr.Validation("ERR_RELAYER_HAS_OPEN_TRANSACTIONS",
			fmt.Sprintf("relayer %s still has non-terminal transactions", id))
	}

	if err := r.Relayers.SoftDeleteRelayer(ctx, id); err != nil {
		return relayerr.ProviderTransient("ERR_REGISTRY_DELETE", "failed to soft-delete relayer", err)
	}
	relayer.Deleted = true
	r.audit(ctx, id, relayer)
	return nil
}

// GetPolicy loads a relayer's policy block, defaulting to an empty
// (allowlist-disabled, no capability restrictions) policy when none has
// been set yet.
func (r *Registry) GetPolicy(ctx context.Context, relayerID uuid.UUID) (*model.Policy, error) {
	policy, err := r.Relayers.GetPolicy(ctx, relayerID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_POLICY_LOAD", "failed to load policy", err)
	}
	if policy == nil {
		return &model.Policy{RelayerID: relayerID}, nil
	}
	return policy, nil
}

// SetPolicy replaces a relayer's policy block.
func (r *Registry) SetPolicy(ctx context.Context, policy *model.Policy) error {
	if err := r.Relayers.UpsertPolicy(ctx, policy); err != nil {
		return relayerr.ProviderTransient("ERR_REGISTRY_POLICY_SET", "failed to persist policy", err)
	}
	return nil
}

// IssueAPIKey mints a new opaque token scoped to operate exactly one
// relayer.
func (r *Registry) IssueAPIKey(ctx context.Context, relayerID uuid.UUID) (*model.APIKey, error) {
	relayer, err := r.Relayers.GetRelayer(ctx, relayerID)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}

	buf := make([]byte, apiKeyTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, relayerr.ProviderFatal("ERR_REGISTRY_TOKEN", "failed to generate api key token", err)
	}
	key := &model.APIKey{
		Token:     hex.EncodeToString(buf),
		RelayerID: relayerID,
		CreatedAt: time.Now(),
	}
	if err := r.APIKeys.CreateAPIKey(ctx, key); err != nil {
		return nil, relayerr.ProviderTransient("ERR_REGISTRY_APIKEY_CREATE", "failed to persist api key", err)
	}
	return key, nil
}

// RevokeAPIKey marks a token revoked; revoked tokens keep their history
// row and APIKey.Revoked reports the state. internal/policy does not check
// API keys.
func (r *Registry) RevokeAPIKey(ctx context.Context, token string) error {
	if err := r.APIKeys.RevokeAPIKey(ctx, token, time.Now()); err != nil {
		return relayerr.ProviderTransient("ERR_REGISTRY_APIKEY_REVOKE", "failed to revoke api key", err)
	}
	return nil
}
