package gcpsecrets

import (
	"context"
	"fmt"
	"testing"

	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeSecretManager struct {
	payloads map[string][]byte
}

func (f *fakeSecretManager) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	data, ok := f.payloads[req.Name]
	if !ok {
		return nil, errSecretNotFound
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	}, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "secret not found" }

var errSecretNotFound = notFoundErr{}

func TestAddress_MatchesHexSecret(t *testing.T) {
	fake := &fakeSecretManager{payloads: map[string][]byte{
		"projects/test-project/secrets/relayer-0/versions/latest": []byte(testKeyHex),
	}}
	p := newWithClient(fake, "test-project", map[uint32]string{0: "relayer-0"})

	priv, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(priv.PublicKey)

	got, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAddress_UnknownWalletIndex(t *testing.T) {
	fake := &fakeSecretManager{payloads: map[string][]byte{}}
	p := newWithClient(fake, "test-project", map[uint32]string{0: "relayer-0"})

	_, err := p.Address(context.Background(), 9)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindNotFound))
}

func TestSignPersonal_ProducesRecoverableSignature(t *testing.T) {
	fake := &fakeSecretManager{payloads: map[string][]byte{
		"projects/test-project/secrets/relayer-0/versions/latest": []byte("0x" + testKeyHex),
	}}
	p := newWithClient(fake, "test-project", map[uint32]string{0: "relayer-0"})

	msg := []byte("auto top-up notice")
	sig, err := p.SignPersonal(context.Background(), 0, msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	prefix := []byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg)))
	hash := crypto.Keccak256Hash(append(prefix, msg...))

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	sigCopy[64] -= 27

	pub, err := crypto.SigToPub(hash.Bytes(), sigCopy)
	require.NoError(t, err)

	addr, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(*pub))
}
