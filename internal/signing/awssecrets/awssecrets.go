// Package awssecrets implements the aws_secret_manager signing provider:
// each relayer's private key is stored as a hex secret string (optionally
// 0x-prefixed) in AWS Secrets Manager, fetched once at first use and
// cached in memory for the process lifetime — the same "resolve once, hold
// in memory" shape as raw_private_keys, with the secret's origin moved
// behind a managed secrets store instead of the config file. Mnemonic
// secrets are not supported: Config.DerivationBase is not read.
//
// Grounded on arcsign's internal/app/config.go pattern of resolving
// sensitive material through a dedicated loader at startup, combined with
// chainadapter/ethereum.NewEthereumSigner for the actual ECDSA operations
// once key material is in hand.
package awssecrets

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// secretsAPI narrows the Secrets Manager client to the one call this
// provider needs, for testability.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Config is the provider's resolved configuration.
type Config struct {
	Region         string
	SecretIDs      map[uint32]string // wallet_index -> secret name/ARN holding a hex private key
	DerivationBase string            // not read by this provider
}

// Provider is the aws_secret_manager Signer implementation.
type Provider struct {
	client    secretsAPI
	secretIDs map[uint32]string

	mu   sync.RWMutex
	keys map[uint32]*ecdsa.PrivateKey
	addr map[uint32]common.Address
}

// New builds the AWS SDK v2 config for cfg.Region and wraps the resulting
// Secrets Manager client. Secrets are fetched lazily, not at construction,
// so a transient Secrets Manager outage at startup does not block process
// boot for relayers that are not yet needed.
func New(cfg Config) (*Provider, error) {
	if len(cfg.SecretIDs) == 0 {
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "aws_secret_manager.secret_ids must contain at least one entry")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_AWS_CONFIG", "failed to load AWS SDK configuration", err)
	}
	return newWithClient(secretsmanager.NewFromConfig(awsCfg), cfg.SecretIDs), nil
}

func newWithClient(client secretsAPI, secretIDs map[uint32]string) *Provider {
	return &Provider{
		client:    client,
		secretIDs: secretIDs,
		keys:      make(map[uint32]*ecdsa.PrivateKey),
		addr:      make(map[uint32]common.Address),
	}
}

func (p *Provider) privateKey(ctx context.Context, walletIndex uint32) (*ecdsa.PrivateKey, error) {
	p.mu.RLock()
	if k, ok := p.keys[walletIndex]; ok {
		p.mu.RUnlock()
		return k, nil
	}
	p.mu.RUnlock()

	secretID, ok := p.secretIDs[walletIndex]
	if !ok {
		return nil, relayerr.NotFound("ERR_SIGNER_UNKNOWN_WALLET", fmt.Sprintf("no secret configured for wallet_index %d", walletIndex))
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretID})
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_SIGNER_SECRETS_FETCH", "Secrets Manager GetSecretValue failed", err)
	}
	if out.SecretString == nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_SECRETS_EMPTY", fmt.Sprintf("secret %s has no string value", secretID), nil)
	}

	hexKey := strings.TrimPrefix(strings.TrimSpace(*out.SecretString), "0x")
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_SECRETS_PARSE", fmt.Sprintf("secret %s is not a hex private key", secretID), err)
	}
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_SECRETS_PARSE", fmt.Sprintf("secret %s is not a valid private key", secretID), err)
	}

	p.mu.Lock()
	p.keys[walletIndex] = priv
	p.mu.Unlock()
	return priv, nil
}

func (p *Provider) Address(ctx context.Context, walletIndex uint32) (common.Address, error) {
	p.mu.RLock()
	if addr, ok := p.addr[walletIndex]; ok {
		p.mu.RUnlock()
		return addr, nil
	}
	p.mu.RUnlock()

	priv, err := p.privateKey(ctx, walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	p.mu.Lock()
	p.addr[walletIndex] = addr
	p.mu.Unlock()
	return addr, nil
}

func (p *Provider) SignDigest(ctx context.Context, walletIndex uint32, digest [32]byte) ([65]byte, error) {
	priv, err := p.privateKey(ctx, walletIndex)
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
	priv, err := p.privateKey(ctx, walletIndex)
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
	priv, err := p.privateKey(ctx, walletIndex)
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
	priv, err := p.privateKey(ctx, walletIndex)
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
