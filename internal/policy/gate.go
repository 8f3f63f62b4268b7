// Package policy is the Allowlist / Permission Gate: an admission check run
// before a transaction row (or a sign request) is ever created. A rejected
// admission never creates a transaction row; the caller receives a typed
// *relayerr.RelayerError instead.
//
// The allowlist/native-transfer/transactions-disabled logic itself already
// lives in model.Policy.Allows; this package is the thin gate service that
// wraps it with the relayer-paused check and the two signing-endpoint
// capability flags (disable_personal_sign, disable_typed_data_sign), and
// loads policies from internal/store rather than requiring every caller to
// fetch one first.
package policy

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

// SignKind distinguishes the two signing endpoints gated separately from
// transaction submission.
type SignKind int

const (
	SignPersonal SignKind = iota
	SignTypedData
)

var errRelayerPaused = relayerr.PolicyReject("ERR_RELAYER_PAUSED", "relayer is paused and cannot accept new work")

// PolicyLookup resolves the relayer and its policy, the surface
// internal/store.RelayerStore already provides.
type PolicyLookup interface {
	GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error)
	GetPolicy(ctx context.Context, relayerID uuid.UUID) (*model.Policy, error)
}

// Gate is the admission checkpoint every transaction submission and signing
// request passes through before anything is persisted.
type Gate struct {
	store PolicyLookup
}

func NewGate(store PolicyLookup) *Gate {
	return &Gate{store: store}
}

// AdmitTransaction checks a relayer is not paused/deleted and that
// to/value/data clear its policy.
func (g *Gate) AdmitTransaction(ctx context.Context, relayerID uuid.UUID, to common.Address, value *big.Int, data []byte) error {
	relayer, policy, err := g.load(ctx, relayerID)
	if err != nil {
		return err
	}
	if relayer.Paused {
		return errRelayerPaused
	}
	return policy.Allows(to, value, data)
}

// AdmitSign checks a relayer is not paused and that the requested signing
// endpoint is not disabled by policy.
func (g *Gate) AdmitSign(ctx context.Context, relayerID uuid.UUID, kind SignKind) error {
	relayer, policy, err := g.load(ctx, relayerID)
	if err != nil {
		return err
	}
	if relayer.Paused {
		return errRelayerPaused
	}
	switch kind {
	case SignPersonal:
		if policy.DisablePersonalSign {
			return relayerr.PolicyReject("ERR_PERSONAL_SIGN_DISABLED", "personal_sign is disabled for this relayer")
		}
	case SignTypedData:
		if policy.DisableTypedDataSign {
			return relayerr.PolicyReject("ERR_TYPED_DATA_SIGN_DISABLED", "typed-data signing is disabled for this relayer")
		}
	}
	return nil
}

func (g *Gate) load(ctx context.Context, relayerID uuid.UUID) (*model.Relayer, *model.Policy, error) {
	relayer, err := g.store.GetRelayer(ctx, relayerID)
	if err != nil {
		return nil, nil, relayerr.ProviderTransient("ERR_POLICY_LOAD", "failed to load relayer", err)
	}
	if relayer == nil || relayer.Deleted {
		return nil, nil, relayerr.NotFound("ERR_RELAYER_NOT_FOUND", "relayer not found")
	}
	policy, err := g.store.GetPolicy(ctx, relayerID)
	if err != nil {
		return nil, nil, relayerr.ProviderTransient("ERR_POLICY_LOAD", "failed to load policy", err)
	}
	if policy == nil {
		policy = &model.Policy{RelayerID: relayerID}
	}
	return relayer, policy, nil
}
