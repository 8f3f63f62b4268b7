package awssecrets

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeSecretsManager struct {
	values map[string]string
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.values[*params.SecretId]
	if !ok {
		return nil, assertNotFoundErr
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

var assertNotFoundErr = &fakeNotFoundErr{}

type fakeNotFoundErr struct{}

func (e *fakeNotFoundErr) Error() string { return "secret not found" }

func TestAddress_MatchesHexSecret(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{"relayer-0-key": testKeyHex}}
	p := newWithClient(fake, map[uint32]string{0: "relayer-0-key"})

	priv, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(priv.PublicKey)

	got, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAddress_Accepts0xPrefixedSecret(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{"relayer-0-key": "0x" + testKeyHex}}
	p := newWithClient(fake, map[uint32]string{0: "relayer-0-key"})

	_, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
}

func TestAddress_UnknownWalletIndex(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{}}
	p := newWithClient(fake, map[uint32]string{0: "relayer-0-key"})

	_, err := p.Address(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindNotFound))
}

func TestPrivateKey_CachesAfterFirstFetch(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{"relayer-0-key": testKeyHex}}
	p := newWithClient(fake, map[uint32]string{0: "relayer-0-key"})

	_, err := p.privateKey(context.Background(), 0)
	require.NoError(t, err)

	// Remove the backing secret; a cached provider must not need to refetch.
	delete(fake.values, "relayer-0-key")
	_, err = p.privateKey(context.Background(), 0)
	require.NoError(t, err)
}

func TestSignDigest_ProducesRecoverableSignature(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]string{"relayer-0-key": testKeyHex}}
	p := newWithClient(fake, map[uint32]string{0: "relayer-0-key"})

	var digest [32]byte
	copy(digest[:], mustDecodeHex(t, "aa"))

	sig, err := p.SignDigest(context.Background(), 0, digest)
	require.NoError(t, err)

	recovered, err := crypto.SigToPub(digest[:], sig[:])
	require.NoError(t, err)

	addr, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(*recovered))
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}
