// Package gcpsecrets implements the gcp_secret_manager signing provider:
// structurally identical to internal/signing/awssecrets (a hex private key
// per wallet_index, fetched once and cached), but sourced from Google
// Cloud Secret Manager's "latest" version via
// cloud.google.com/go/secretmanager and authenticated through
// google.golang.org/api's default application credentials.
package gcpsecrets

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Config is the provider's resolved configuration.
type Config struct {
	ProjectID      string
	SecretNames    map[uint32]string // wallet_index -> secret short name (resolved to "latest" version)
	DerivationBase string            // reserved for a future mnemonic-in-secret-manager variant
}

// Provider is the gcp_secret_manager Signer implementation.
type Provider struct {
	client      secretManagerAccessor
	projectID   string
	secretNames map[uint32]string

	mu   sync.RWMutex
	keys map[uint32]*ecdsa.PrivateKey
	addr map[uint32]common.Address
}

// secretManagerAccessor is satisfied by *secretmanager.Client and by test
// fakes; it drops the variadic call-option parameter the real client's
// method takes, since no test seam here needs to set call options.
type secretManagerAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

type realClient struct {
	*secretmanager.Client
}

func (r realClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return r.Client.AccessSecretVersion(ctx, req)
}

// New dials Secret Manager using default application credentials.
func New(cfg Config) (*Provider, error) {
	if len(cfg.SecretNames) == 0 {
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "gcp_secret_manager.secret_names must contain at least one entry")
	}
	client, err := secretmanager.NewClient(context.Background())
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_GCP_CONFIG", "failed to build Secret Manager client", err)
	}
	return newWithClient(realClient{client}, cfg.ProjectID, cfg.SecretNames), nil
}

func newWithClient(client secretManagerAccessor, projectID string, secretNames map[uint32]string) *Provider {
	return &Provider{
		client:      client,
		projectID:   projectID,
		secretNames: secretNames,
		keys:        make(map[uint32]*ecdsa.PrivateKey),
		addr:        make(map[uint32]common.Address),
	}
}

func (p *Provider) privateKey(ctx context.Context, walletIndex uint32) (*ecdsa.PrivateKey, error) {
	p.mu.RLock()
	if k, ok := p.keys[walletIndex]; ok {
		p.mu.RUnlock()
		return k, nil
	}
	p.mu.RUnlock()

	name, ok := p.secretNames[walletIndex]
	if !ok {
		return nil, relayerr.NotFound("ERR_SIGNER_UNKNOWN_WALLET", fmt.Sprintf("no secret configured for wallet_index %d", walletIndex))
	}

	fqName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", p.projectID, name)
	resp, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: fqName})
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_SIGNER_GCP_FETCH", "Secret Manager AccessSecretVersion failed", err)
	}

	hexKey := strings.TrimPrefix(strings.TrimSpace(string(resp.Payload.Data)), "0x")
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_GCP_PARSE", fmt.Sprintf("secret %s is not a hex private key", name), err)
	}
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_GCP_PARSE", fmt.Sprintf("secret %s is not a valid private key", name), err)
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
