// Package signing abstracts transaction, personal-message, and typed-data
// signing behind a single interface with nine tagged-variant
// implementations, resolved once at startup from internal/config.SigningConfig
// as a tagged union rather than through runtime reflection or a plugin
// mechanism.
//
// Every concrete provider is grounded on arcsign's
// chainadapter/ethereum.EthereumSigner: ECDSA secp256k1 over Keccak256,
// EIP-155 v-byte adjustment, and RLP transaction signing via
// types.NewLondonSigner. Providers that hold the key remotely (AWS KMS,
// secret managers, custodial HTTP APIs, PKCS#11) reproduce the same
// digest-construction and v-byte logic locally and only delegate the raw
// ECDSA operation.
package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// WalletIndex identifies one key within a provider: an HD derivation index
// for local_mnemonic, a map key into raw_private_keys/aws_kms/... in
// config, or the wallet number a custodial API is addressed with
// (/wallets/{index}).
type WalletIndex = uint32

// Signer is the capability every provider variant implements.
type Signer interface {
	// Address returns the checksummed address controlled by walletIndex.
	// Every provider resolves it once per walletIndex and returns the
	// cached value on later calls; none resolves it again, so none returns
	// ErrProviderAddressMismatch.
	Address(ctx context.Context, walletIndex WalletIndex) (common.Address, error)

	// SignDigest signs an arbitrary 32-byte digest and returns a 65-byte
	// [R || S || V] signature with V normalized to {0, 1} (no EIP-155
	// offset applied — callers needing EIP-155 transaction signatures use
	// SignTransaction instead).
	SignDigest(ctx context.Context, walletIndex WalletIndex, digest [32]byte) ([65]byte, error)

	// SignPersonal signs message under EIP-191 ("\x19Ethereum Signed
	// Message:\n" + len(message) + message).
	SignPersonal(ctx context.Context, walletIndex WalletIndex, message []byte) ([]byte, error)

	// SignTypedData signs an EIP-712 typed-data payload.
	SignTypedData(ctx context.Context, walletIndex WalletIndex, typedData apitypes.TypedData) ([]byte, error)

	// SignTransaction signs tx for chainID under EIP-155/EIP-1559 replay
	// protection and returns the fully signed transaction.
	SignTransaction(ctx context.Context, walletIndex WalletIndex, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ErrProviderAddressMismatch builds the KindProviderFatal error that
// addressCache.resolve returns when a walletIndex resolves to a different
// address than the one cached at first resolution.
func ErrProviderAddressMismatch(walletIndex WalletIndex, cached, resolved common.Address) error {
	return relayerr.ProviderFatal("ERR_SIGNER_ADDRESS_MISMATCH",
		fmt.Sprintf("wallet_index %d: signer now resolves to %s, cached address was %s (key rotated or misconfigured)",
			walletIndex, resolved.Hex(), cached.Hex()), nil)
}

// addressCache implements resolve-once-and-pin with a mismatch check. No
// provider in this module embeds or calls it.
type addressCache struct {
	mu        sync.RWMutex
	addresses map[WalletIndex]common.Address
}

func newAddressCache() addressCache {
	return addressCache{addresses: make(map[WalletIndex]common.Address)}
}

// resolve returns the cached address for walletIndex, or calls fetch to
// resolve and cache it. If fetch returns a different address than what is
// already cached, it is a fatal mismatch.
func (c *addressCache) resolve(walletIndex WalletIndex, fetch func() (common.Address, error)) (common.Address, error) {
	c.mu.RLock()
	cached, ok := c.addresses[walletIndex]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resolved, err := fetch()
	if err != nil {
		return common.Address{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.addresses[walletIndex]; ok {
		if existing != resolved {
			return common.Address{}, ErrProviderAddressMismatch(walletIndex, existing, resolved)
		}
		return existing, nil
	}
	c.addresses[walletIndex] = resolved
	return resolved, nil
}

// signDigestWithKey performs a local ECDSA signature over digest and
// returns a 65-byte [R || S || V] signature with V in {0, 1}. No provider
// in this module calls it.
func signDigestWithKey(priv *ecdsa.PrivateKey, digest [32]byte) ([65]byte, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return [65]byte{}, relayerr.ProviderFatal("ERR_SIGN_FAILED", "ECDSA signing failed", err)
	}
	var out [65]byte
	copy(out[:], sig)
	return out, nil
}

// applyEIP155 rewrites a recovery-id V byte in {0, 1} into its EIP-155
// replay-protected form: V = chainID*2 + 35 + {0,1}.
func applyEIP155(sig [65]byte, chainID *big.Int) [65]byte {
	v := sig[64]
	offset := new(big.Int).Mul(chainID, big.NewInt(2))
	offset.Add(offset, big.NewInt(35))
	sig[64] = byte(offset.Int64()) + v
	return sig
}

// personalMessageHash computes the EIP-191 digest for an arbitrary message.
func personalMessageHash(message []byte) [32]byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256Hash(append([]byte(prefix), message...))
}

// typedDataHash computes the EIP-712 digest for a typed-data payload.
func typedDataHash(typedData apitypes.TypedData) ([32]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return [32]byte{}, relayerr.Validation("ERR_TYPED_DATA", fmt.Sprintf("hash domain: %v", err))
	}
	typedDataHashStruct, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return [32]byte{}, relayerr.Validation("ERR_TYPED_DATA", fmt.Sprintf("hash message: %v", err))
	}
	rawData := fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHashStruct))
	return crypto.Keccak256Hash([]byte(rawData)), nil
}

// signTransactionWithRawSigner hashes tx under the London signer rules,
// delegates to signDigest, and rebuilds the signed transaction with the
// {0, 1} V byte as returned (no EIP-155 offset is applied here). No
// provider in this module calls it.
func signTransactionWithRawSigner(tx *types.Transaction, chainID *big.Int, signDigest func([32]byte) ([65]byte, error)) (*types.Transaction, error) {
	londonSigner := types.NewLondonSigner(chainID)
	hash := londonSigner.Hash(tx)

	sig, err := signDigest(hash)
	if err != nil {
		return nil, err
	}

	// crypto.Sign / KMS-derived signatures return V in {0,1}; go-ethereum's
	// signer.SignatureValues expects the same for a london/EIP-1559
	// signer (it applies its own chain-id offset internally for legacy
	// txs only), so we pass sig[:] unmodified here.
	signedTx, err := tx.WithSignature(londonSigner, sig[:])
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_APPLY", "failed to apply signature to transaction", err)
	}
	return signedTx, nil
}
