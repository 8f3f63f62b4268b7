// Package localmnemonic implements the local_mnemonic signing provider: a
// single BIP-39 mnemonic held in process memory, with each relayer's key
// derived on demand via BIP-32 hierarchical deterministic derivation under
// the configured base path plus a per-relayer wallet_index as the final
// non-hardened component (e.g. "m/44'/60'/0'/0/<wallet_index>").
//
// Grounded directly on arcsign's
// chainadapter.MnemonicKeySource/derivePath/parsePath, generalized from a
// multi-chain key source into an EVM-only Signer and switched from
// btcsuite/btcd's path-derivation glue to github.com/tyler-smith/go-bip32,
// the library arcsign itself uses for the BIP-32 child-key-derivation
// arithmetic.
package localmnemonic

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Config is the provider's resolved configuration.
type Config struct {
	Mnemonic       string
	Passphrase     string
	DerivationBase string // defaults to "m/44'/60'/0'/0" if empty
}

// Provider is the local_mnemonic Signer implementation.
type Provider struct {
	seed           []byte
	derivationBase string

	mu        sync.RWMutex
	addresses map[uint32]common.Address
	keys      map[uint32]*ecdsa.PrivateKey
}

// New validates the mnemonic and builds the BIP-39 seed once; keys are
// derived lazily per wallet_index and cached.
func New(cfg Config) (*Provider, error) {
	if !bip39.IsMnemonicValid(cfg.Mnemonic) {
		return nil, relayerr.Validation("ERR_SIGNER_MNEMONIC", "invalid BIP39 mnemonic")
	}
	base := cfg.DerivationBase
	if base == "" {
		base = "m/44'/60'/0'/0"
	}
	return &Provider{
		seed:           bip39.NewSeed(cfg.Mnemonic, cfg.Passphrase),
		derivationBase: base,
		addresses:      make(map[uint32]common.Address),
		keys:           make(map[uint32]*ecdsa.PrivateKey),
	}, nil
}

func (p *Provider) privateKey(walletIndex uint32) (*ecdsa.PrivateKey, error) {
	p.mu.RLock()
	if k, ok := p.keys[walletIndex]; ok {
		p.mu.RUnlock()
		return k, nil
	}
	p.mu.RUnlock()

	path := fmt.Sprintf("%s/%d", p.derivationBase, walletIndex)
	indices, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	masterKey, err := bip32.NewMasterKey(p.seed)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_DERIVE", "failed to build BIP32 master key", err)
	}

	key := masterKey
	for i, idx := range indices {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, relayerr.ProviderFatal("ERR_SIGNER_DERIVE", fmt.Sprintf("failed to derive child key at level %d", i), err)
		}
	}

	privKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_DERIVE", "failed to convert derived key material to ECDSA", err)
	}

	p.mu.Lock()
	p.keys[walletIndex] = privKey
	p.mu.Unlock()
	return privKey, nil
}

func parsePath(path string) ([]uint32, error) {
	path = strings.TrimPrefix(path, "m/")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	indices := make([]uint32, len(parts))
	for i, part := range parts {
		hardened := strings.HasSuffix(part, "'")
		part = strings.TrimSuffix(part, "'")
		num, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, relayerr.Validation("ERR_SIGNER_PATH", fmt.Sprintf("invalid derivation path component %q", part))
		}
		idx := uint32(num)
		if hardened {
			idx += bip32.FirstHardenedChild
		}
		indices[i] = idx
	}
	return indices, nil
}

func (p *Provider) Address(ctx context.Context, walletIndex uint32) (common.Address, error) {
	p.mu.RLock()
	if addr, ok := p.addresses[walletIndex]; ok {
		p.mu.RUnlock()
		return addr, nil
	}
	p.mu.RUnlock()

	priv, err := p.privateKey(walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	p.mu.Lock()
	p.addresses[walletIndex] = addr
	p.mu.Unlock()
	return addr, nil
}

func (p *Provider) SignDigest(ctx context.Context, walletIndex uint32, digest [32]byte) ([65]byte, error) {
	priv, err := p.privateKey(walletIndex)
	if err != nil {
		return [65]byte{}, err
	}
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return [65]byte{}, relayerr.ProviderFatal("ERR_SIGN_FAILED", "ECDSA signing failed", err)
	}
	var out [65]byte
	copy(out[:], sig)
	return out, nil
}

func (p *Provider) SignPersonal(ctx context.Context, walletIndex uint32, message []byte) ([]byte, error) {
	priv, err := p.privateKey(walletIndex)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	hash := crypto.Keccak256Hash(append([]byte(prefix), message...))
	sig, err := crypto.Sign(hash.Bytes(), priv)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_FAILED", "EIP-191 signing failed", err)
	}
	sig[64] += 27
	return sig, nil
}

func (p *Provider) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	priv, err := p.privateKey(walletIndex)
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
	sig, err := crypto.Sign(hash.Bytes(), priv)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_FAILED", "EIP-712 signing failed", err)
	}
	sig[64] += 27
	return sig, nil
}

func (p *Provider) SignTransaction(ctx context.Context, walletIndex uint32, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	priv, err := p.privateKey(walletIndex)
	if err != nil {
		return nil, err
	}
	signer := types.NewLondonSigner(chainID)
	signedTx, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_FAILED", "transaction signing failed", err)
	}
	return signedTx, nil
}
