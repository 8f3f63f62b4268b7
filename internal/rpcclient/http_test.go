package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

func TestHTTPClient_FailsOverToHealthyEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"0x2a"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer good.Close()

	client, err := NewHTTPClient([]string{bad.URL, good.URL}, time.Second)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.Equal(t, `"0x2a"`, string(result))
}

func TestHTTPClient_AllEndpointsFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	client, err := NewHTTPClient([]string{bad.URL}, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "eth_blockNumber")
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindProviderTransient))
}

func TestHTTPClient_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonRPCError{Code: -32000, Message: "execution reverted"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := NewHTTPClient([]string{srv.URL}, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "eth_estimateGas")
	require.Error(t, err)
}

func TestHTTPClient_NoEndpoints(t *testing.T) {
	_, err := NewHTTPClient(nil, time.Second)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindValidation))
}
