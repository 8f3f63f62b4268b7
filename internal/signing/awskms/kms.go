// Package awskms implements the aws_kms signing provider: each relayer's
// key lives in AWS KMS as an ECC_SECG_P256K1 asymmetric signing key, keyed
// by ARN or alias per wallet_index. KMS returns signatures as ASN.1
// DER-encoded (r, s) pairs with no recovery id, so this provider derives
// the expected public key once from GetPublicKey, enforces low-s per
// EIP-2, and then brute-forces the recovery id by re-deriving the public
// key from both {0,1} candidates against it before returning the 65-byte
// signature.
//
// There is no KMS usage in arcsign itself (arcsign's signers all hold
// key material locally); this provider follows arcsign's
// EthereumSigner.Sign digest-and-v-byte contract exactly, substituting a
// network round-trip to KMS for the local crypto.Sign call. The AWS SDK
// itself is grounded on the aws-sdk-go-v2 usage visible in the multi-chain
// relayer manifest at other_examples/manifests/lyfeloopinc-awm-relayer/go.mod.
package awskms

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// secp256k1HalfOrder is n/2; a canonical (low-s) ECDSA signature has
// s <= secp256k1HalfOrder, per EIP-2 and the behavior go-ethereum's own
// crypto.Sign already produces locally. KMS does not guarantee this, so it
// must be enforced here.
var secp256k1HalfOrder = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// kmsAPI is the subset of the KMS client this provider calls, narrowed for
// testability.
type kmsAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Config is the provider's resolved configuration.
type Config struct {
	Region string
	KeyIDs map[uint32]string // wallet_index -> KMS key ARN or alias
}

// Provider is the aws_kms Signer implementation.
type Provider struct {
	client kmsAPI
	keyIDs map[uint32]string

	mu        sync.RWMutex
	addresses map[uint32]common.Address
	pubkeys   map[uint32]*ecdsa.PublicKey
}

// New builds the AWS SDK v2 config for cfg.Region and wraps the resulting
// KMS client.
func New(cfg Config) (*Provider, error) {
	if len(cfg.KeyIDs) == 0 {
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "aws_kms.key_ids must contain at least one entry")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_AWS_CONFIG", "failed to load AWS SDK configuration", err)
	}
	return newWithClient(kms.NewFromConfig(awsCfg), cfg.KeyIDs), nil
}

func newWithClient(client kmsAPI, keyIDs map[uint32]string) *Provider {
	return &Provider{
		client:    client,
		keyIDs:    keyIDs,
		addresses: make(map[uint32]common.Address),
		pubkeys:   make(map[uint32]*ecdsa.PublicKey),
	}
}

func (p *Provider) keyID(walletIndex uint32) (string, error) {
	id, ok := p.keyIDs[walletIndex]
	if !ok {
		return "", relayerr.NotFound("ERR_SIGNER_UNKNOWN_WALLET", fmt.Sprintf("no KMS key configured for wallet_index %d", walletIndex))
	}
	return id, nil
}

// derEncodedPublicKey is the ASN.1 SubjectPublicKeyInfo structure KMS
// returns from GetPublicKey.
type derEncodedPublicKey struct {
	Algorithm asn1.RawValue
	PublicKey asn1.BitString
}

func (p *Provider) publicKey(ctx context.Context, walletIndex uint32) (*ecdsa.PublicKey, error) {
	p.mu.RLock()
	if pk, ok := p.pubkeys[walletIndex]; ok {
		p.mu.RUnlock()
		return pk, nil
	}
	p.mu.RUnlock()

	keyID, err := p.keyID(walletIndex)
	if err != nil {
		return nil, err
	}

	out, err := p.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_SIGNER_KMS_GETKEY", "KMS GetPublicKey failed", err)
	}
	if out.KeySpec != kmstypes.KeySpecEccSecgP256k1 {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_KMS_KEYSPEC", fmt.Sprintf("KMS key %s is not ECC_SECG_P256K1", keyID), nil)
	}

	var der derEncodedPublicKey
	if _, err := asn1.Unmarshal(out.PublicKey, &der); err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_KMS_PARSE", "failed to parse KMS public key DER", err)
	}

	x, y := elliptic.Unmarshal(crypto.S256(), der.PublicKey.Bytes)
	if x == nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_KMS_PARSE", "failed to unmarshal KMS public key point", nil)
	}
	pubKey := &ecdsa.PublicKey{Curve: crypto.S256(), X: x, Y: y}

	p.mu.Lock()
	p.pubkeys[walletIndex] = pubKey
	p.mu.Unlock()
	return pubKey, nil
}

func (p *Provider) Address(ctx context.Context, walletIndex uint32) (common.Address, error) {
	p.mu.RLock()
	if addr, ok := p.addresses[walletIndex]; ok {
		p.mu.RUnlock()
		return addr, nil
	}
	p.mu.RUnlock()

	pubKey, err := p.publicKey(ctx, walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(*pubKey)

	p.mu.Lock()
	p.addresses[walletIndex] = addr
	p.mu.Unlock()
	return addr, nil
}

// derSignature is the ASN.1 structure KMS's Sign response's Signature
// field decodes into for ECC keys.
type derSignature struct {
	R *big.Int
	S *big.Int
}

// signRaw calls KMS Sign over digest (already hashed; KMS is told the
// message type is DIGEST) and returns a 65-byte [R || S || V] signature
// with V normalized to {0, 1} and S canonicalized to the lower half of the
// curve order.
func (p *Provider) signRaw(ctx context.Context, walletIndex uint32, digest [32]byte) ([65]byte, error) {
	keyID, err := p.keyID(walletIndex)
	if err != nil {
		return [65]byte{}, err
	}
	pubKey, err := p.publicKey(ctx, walletIndex)
	if err != nil {
		return [65]byte{}, err
	}

	out, err := p.client.Sign(ctx, &kms.SignInput{
		KeyId:            &keyID,
		Message:          digest[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return [65]byte{}, relayerr.ProviderTransient("ERR_SIGNER_KMS_SIGN", "KMS Sign failed", err)
	}

	var sig derSignature
	if _, err := asn1.Unmarshal(out.Signature, &sig); err != nil {
		return [65]byte{}, relayerr.ProviderFatal("ERR_SIGNER_KMS_PARSE", "failed to parse KMS signature DER", err)
	}

	// Enforce low-s (EIP-2): if s is in the upper half of the curve order,
	// replace it with n - s. recoverID below runs against this canonical s,
	// so the recovery id it returns already matches the returned signature.
	if sig.S.Cmp(secp256k1HalfOrder) > 0 {
		sig.S = new(big.Int).Sub(crypto.S256().Params().N, sig.S)
	}

	rBytes := leftPad32(sig.R.Bytes())
	sBytes := leftPad32(sig.S.Bytes())

	var out65 [65]byte
	copy(out65[0:32], rBytes)
	copy(out65[32:64], sBytes)

	recID, err := recoverID(digest, rBytes, sBytes, pubKey)
	if err != nil {
		return [65]byte{}, err
	}
	out65[64] = recID
	return out65, nil
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// recoverID brute-forces the {0,1} recovery id by re-deriving the public
// key from each candidate and comparing against expected.
func recoverID(digest [32]byte, rBytes, sBytes []byte, expected *ecdsa.PublicKey) (byte, error) {
	sig := make([]byte, 65)
	copy(sig[0:32], rBytes)
	copy(sig[32:64], sBytes)

	for v := byte(0); v < 2; v++ {
		sig[64] = v
		recovered, err := crypto.SigToPub(digest[:], sig)
		if err != nil {
			continue
		}
		if recovered.X.Cmp(expected.X) == 0 && recovered.Y.Cmp(expected.Y) == 0 {
			return v, nil
		}
	}
	return 0, relayerr.ProviderFatal("ERR_SIGNER_KMS_RECOVERY", "failed to determine signature recovery id from KMS signature", nil)
}

func (p *Provider) SignDigest(ctx context.Context, walletIndex uint32, digest [32]byte) ([65]byte, error) {
	return p.signRaw(ctx, walletIndex, digest)
}

func (p *Provider) SignPersonal(ctx context.Context, walletIndex uint32, message []byte) ([]byte, error) {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	hash := crypto.Keccak256Hash(append([]byte(prefix), message...))
	sig, err := p.signRaw(ctx, walletIndex, hash)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out, sig[:])
	out[64] += 27
	return out, nil
}

func (p *Provider) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
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
	sig, err := p.signRaw(ctx, walletIndex, hash)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out, sig[:])
	out[64] += 27
	return out, nil
}

func (p *Provider) SignTransaction(ctx context.Context, walletIndex uint32, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.NewLondonSigner(chainID)
	hash := signer.Hash(tx)

	sig, err := p.signRaw(ctx, walletIndex, hash)
	if err != nil {
		return nil, err
	}

	signedTx, err := tx.WithSignature(signer, sig[:])
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_APPLY", "failed to apply KMS signature to transaction", err)
	}
	return signedTx, nil
}
