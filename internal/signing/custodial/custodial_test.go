package custodial

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_FetchesAndCaches(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	wantAddr := crypto.PubkeyToAddress(priv.PublicKey)

	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/wallets/0", func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(walletResponse{Address: wantAddr.Hex()})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{Variant: VariantTurnkey, BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	got, err := p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, wantAddr, got)

	_, err = p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a resolved address must be cached, not refetched")
}

func TestSignDigest_RecoversToCustodianKey(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	mux := http.NewServeMux()
	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		var req signDigestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		digest, err := hex.DecodeString(trim0x(req.Digest))
		require.NoError(t, err)
		sig, err := crypto.Sign(digest, priv)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(signDigestResponse{Signature: "0x" + hex.EncodeToString(sig)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{Variant: VariantFireblocks, BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	var digest [32]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	sig, err := p.SignDigest(context.Background(), 0, digest)
	require.NoError(t, err)

	recovered, err := crypto.SigToPub(digest[:], sig[:])
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(*recovered))
}

func TestNew_RequiresBaseURLAndAPIKey(t *testing.T) {
	_, err := New(Config{Variant: VariantPrivy})
	require.Error(t, err)

	_, err = New(Config{Variant: VariantPrivy, BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestDo_PropagatesHMACWhenAPISecretSet(t *testing.T) {
	var gotSig string
	mux := http.NewServeMux()
	mux.HandleFunc("/wallets/0", func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Request-Signature")
		_ = json.NewEncoder(w).Encode(walletResponse{Address: "0x0000000000000000000000000000000000000001"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{Variant: VariantFireblocks, BaseURL: srv.URL, APIKey: "test-key", APISecret: "s3cr3t"})
	require.NoError(t, err)

	_, err = p.Address(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, gotSig, "an HMAC signature header must be set when api_secret is configured")
}

func TestAddress_RejectsMalformedAddress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wallets/0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(walletResponse{Address: "not-an-address"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{Variant: VariantPrivy, BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	_, err = p.Address(context.Background(), 0)
	require.Error(t, err)
}

func TestDo_ReturnsProviderTransientOn5xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wallets/0", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{Variant: VariantPrivy, BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	_, err = p.Address(context.Background(), 0)
	require.Error(t, err)
}
