package rawkey

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNew_RejectsEmptyKeyMap(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindValidation))
}

func TestNew_RejectsMalformedHex(t *testing.T) {
	_, err := New(map[uint32]string{0: "not-hex"})
	require.Error(t, err)
}

func TestAddress_MatchesDerivedPublicKey(t *testing.T) {
	p, err := New(map[uint32]string{0: testKeyHex})
	require.NoError(t, err)

	priv, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(priv.PublicKey)

	got, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAddress_UnknownWalletIndex(t *testing.T) {
	p, err := New(map[uint32]string{0: testKeyHex})
	require.NoError(t, err)

	_, err = p.Address(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindNotFound))
}

func TestSignTransaction_RecoversToSignerAddress(t *testing.T) {
	p, err := New(map[uint32]string{0: testKeyHex})
	require.NoError(t, err)

	chainID := big.NewInt(1337)
	to := common.HexToAddress("0x00000000000000000000000000000000000001")
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

	want, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, want, sender)
}

func TestSignPersonal_ProducesRecoverableSignature(t *testing.T) {
	p, err := New(map[uint32]string{0: testKeyHex})
	require.NoError(t, err)

	msg := []byte("hello relay")
	sig, err := p.SignPersonal(context.Background(), 0, msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	prefix := []byte("\x19Ethereum Signed Message:\n" + "11")
	hash := crypto.Keccak256Hash(append(prefix, msg...))

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	sigCopy[64] -= 27

	pub, err := crypto.SigToPub(hash.Bytes(), sigCopy)
	require.NoError(t, err)

	want, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, want, crypto.PubkeyToAddress(*pub))
}
