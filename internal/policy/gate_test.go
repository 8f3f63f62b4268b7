package policy

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

type fakeLookup struct {
	relayer *model.Relayer
	policy  *model.Policy
}

func (f *fakeLookup) GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error) {
	return f.relayer, nil
}

func (f *fakeLookup) GetPolicy(ctx context.Context, relayerID uuid.UUID) (*model.Policy, error) {
	return f.policy, nil
}

func testRelayer() *model.Relayer {
	return &model.Relayer{ID: uuid.New()}
}

func TestAdmitTransaction_RejectsWhenPaused(t *testing.T) {
	relayer := testRelayer()
	relayer.Paused = true
	g := NewGate(&fakeLookup{relayer: relayer, policy: &model.Policy{RelayerID: relayer.ID}})

	err := g.AdmitTransaction(context.Background(), relayer.ID, common.Address{}, big.NewInt(0), nil)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindPolicyReject))
}

func TestAdmitTransaction_RejectsUnknownRelayer(t *testing.T) {
	g := NewGate(&fakeLookup{relayer: nil})
	err := g.AdmitTransaction(context.Background(), uuid.New(), common.Address{}, big.NewInt(0), nil)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindNotFound))
}

func TestAdmitTransaction_RejectsNotAllowlisted(t *testing.T) {
	relayer := testRelayer()
	to := common.HexToAddress("0x1")
	policy := &model.Policy{RelayerID: relayer.ID, AllowlistEnabled: true, Allowlist: map[common.Address]struct{}{}}
	g := NewGate(&fakeLookup{relayer: relayer, policy: policy})

	err := g.AdmitTransaction(context.Background(), relayer.ID, to, big.NewInt(1), nil)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindPolicyReject))
}

func TestAdmitTransaction_AllowsWhenNoPolicyConfigured(t *testing.T) {
	relayer := testRelayer()
	g := NewGate(&fakeLookup{relayer: relayer, policy: &model.Policy{RelayerID: relayer.ID}})

	err := g.AdmitTransaction(context.Background(), relayer.ID, common.HexToAddress("0x1"), big.NewInt(1), nil)
	require.NoError(t, err)
}

func TestAdmitSign_RejectsDisabledPersonalSign(t *testing.T) {
	relayer := testRelayer()
	policy := &model.Policy{RelayerID: relayer.ID, DisablePersonalSign: true}
	g := NewGate(&fakeLookup{relayer: relayer, policy: policy})

	err := g.AdmitSign(context.Background(), relayer.ID, SignPersonal)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindPolicyReject))
}

func TestAdmitSign_AllowsTypedDataWhenOnlyPersonalDisabled(t *testing.T) {
	relayer := testRelayer()
	policy := &model.Policy{RelayerID: relayer.ID, DisablePersonalSign: true}
	g := NewGate(&fakeLookup{relayer: relayer, policy: policy})

	require.NoError(t, g.AdmitSign(context.Background(), relayer.ID, SignTypedData))
}
