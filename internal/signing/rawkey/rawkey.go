// Package rawkey implements the raw_private_keys signing provider: a fixed
// map of wallet_index to hex-encoded secp256k1 private keys held in
// process memory, parsed once at startup. Grounded directly on arcsign's
// chainadapter/ethereum.NewEthereumSigner/SignTransaction (hex-decode,
// crypto.ToECDSA, types.SignTx under a London signer).
package rawkey

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Provider is the raw_private_keys Signer implementation.
type Provider struct {
	keys map[uint32]*privKeyEntry
}

type privKeyEntry struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (e *privKeyEntry) privateKey() *ecdsa.PrivateKey { return e.key }

// New parses every configured hex private key up front; a malformed entry
// fails the whole provider at startup rather than lazily at first sign.
func New(hexKeys map[uint32]string) (*Provider, error) {
	if len(hexKeys) == 0 {
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "raw_private_keys.keys must contain at least one entry")
	}
	p := &Provider{keys: make(map[uint32]*privKeyEntry, len(hexKeys))}
	for walletIndex, rawHex := range hexKeys {
		rawHex = strings.TrimPrefix(rawHex, "0x")
		keyBytes, err := hex.DecodeString(rawHex)
		if err != nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", fmt.Sprintf("wallet_index %d: invalid private key hex", walletIndex))
		}
		priv, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", fmt.Sprintf("wallet_index %d: invalid private key", walletIndex))
		}
		p.keys[walletIndex] = &privKeyEntry{key: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}
	}
	return p, nil
}

func (p *Provider) entry(walletIndex uint32) (*privKeyEntry, error) {
	e, ok := p.keys[walletIndex]
	if !ok {
		return nil, relayerr.NotFound("ERR_SIGNER_UNKNOWN_WALLET", fmt.Sprintf("no raw private key configured for wallet_index %d", walletIndex))
	}
	return e, nil
}

func (p *Provider) Address(ctx context.Context, walletIndex uint32) (common.Address, error) {
	e, err := p.entry(walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	return e.address, nil
}

func (p *Provider) SignDigest(ctx context.Context, walletIndex uint32, digest [32]byte) ([65]byte, error) {
	e, err := p.entry(walletIndex)
	if err != nil {
		return [65]byte{}, err
	}
	sig, err := crypto.Sign(digest[:], e.privateKey())
	if err != nil {
		return [65]byte{}, relayerr.ProviderFatal("ERR_SIGN_FAILED", "ECDSA signing failed", err)
	}
	var out [65]byte
	copy(out[:], sig)
	return out, nil
}

func (p *Provider) SignPersonal(ctx context.Context, walletIndex uint32, message []byte) ([]byte, error) {
	e, err := p.entry(walletIndex)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	hash := crypto.Keccak256Hash(append([]byte(prefix), message...))
	sig, err := crypto.Sign(hash.Bytes(), e.privateKey())
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_FAILED", "EIP-191 signing failed", err)
	}
	sig[64] += 27
	return sig, nil
}

func (p *Provider) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	e, err := p.entry(walletIndex)
	if err != nil {
		return nil, err
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, relayerr.Validation("ERR_TYPED_DATA", fmt.Sprintf("hash domain: %v", err))
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, relayerr.Validation("ERR_TYPED_DATA", fmt.Sprintf("hash message: %v", err))
	}
	rawData := fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash))
	hash := crypto.Keccak256Hash([]byte(rawData))
	sig, err := crypto.Sign(hash.Bytes(), e.privateKey())
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_FAILED", "EIP-712 signing failed", err)
	}
	sig[64] += 27
	return sig, nil
}

func (p *Provider) SignTransaction(ctx context.Context, walletIndex uint32, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	e, err := p.entry(walletIndex)
	if err != nil {
		return nil, err
	}
	signer := types.NewLondonSigner(chainID)
	signedTx, err := types.SignTx(tx, signer, e.privateKey())
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_FAILED", "transaction signing failed", err)
	}
	return signedTx, nil
}
