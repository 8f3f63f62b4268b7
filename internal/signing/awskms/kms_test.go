package awskms

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// fakeKMS implements kmsAPI over a single in-memory ECDSA key, encoding and
// signing exactly the way real KMS would for an ECC_SECG_P256K1 key.
type fakeKMS struct {
	priv *ecdsa.PrivateKey
}

func newFakeKMS(t *testing.T) (*fakeKMS, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeKMS{priv: priv}, priv
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	point := elliptic.Marshal(crypto.S256(), f.priv.PublicKey.X, f.priv.PublicKey.Y)
	der, err := asn1.Marshal(derEncodedPublicKey{
		Algorithm: asn1.RawValue{FullBytes: []byte{0x30, 0x00}},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{
		KeySpec:   kmstypes.KeySpecEccSecgP256k1,
		PublicKey: der,
	}, nil
}

func (f *fakeKMS) Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
	sig, err := crypto.Sign(params.Message, f.priv)
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	der, err := asn1.Marshal(derSignature{R: r, S: s})
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: der}, nil
}

func TestAddress_MatchesGeneratedKey(t *testing.T) {
	fake, priv := newFakeKMS(t)
	p := newWithClient(fake, map[uint32]string{0: "arn:aws:kms:key/test"})

	addr, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(priv.PublicKey), addr)
}

func TestAddress_UnknownWalletIndex(t *testing.T) {
	fake, _ := newFakeKMS(t)
	p := newWithClient(fake, map[uint32]string{0: "arn:aws:kms:key/test"})

	_, err := p.Address(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindNotFound))
}

func TestSignDigest_RecoversToKMSKeyAddress(t *testing.T) {
	fake, priv := newFakeKMS(t)
	p := newWithClient(fake, map[uint32]string{0: "arn:aws:kms:key/test"})

	var digest [32]byte
	for i := range digest {
		digest[i] = byte(i + 1)
	}

	sig, err := p.SignDigest(context.Background(), 0, digest)
	require.NoError(t, err)

	recovered, err := crypto.SigToPub(digest[:], sig[:])
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(priv.PublicKey), crypto.PubkeyToAddress(*recovered))

	// EIP-2 low-s must always hold for the returned signature.
	s := new(big.Int).SetBytes(sig[32:64])
	assert.True(t, s.Cmp(secp256k1HalfOrder) <= 0)
}

func TestSignTransaction_RecoversToKMSKeyAddress(t *testing.T) {
	fake, priv := newFakeKMS(t)
	p := newWithClient(fake, map[uint32]string{0: "arn:aws:kms:key/test"})

	chainID := big.NewInt(1337)
	to := crypto.PubkeyToAddress(priv.PublicKey)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1e9),
		GasFeeCap: big.NewInt(2e9),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})

	signed, err := p.SignTransaction(context.Background(), 0, tx, chainID)
	require.NoError(t, err)

	signer := types.NewLondonSigner(chainID)
	sender, err := types.Sender(signer, signed)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(priv.PublicKey), sender)
	assert.NotEqual(t, common.Address{}, sender)
}
