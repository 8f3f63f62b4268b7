// Package tenderlyoracle implements the gas-oracle provider for
// Tenderly's hosted Web3 Gateway: unlike internal/gasoracle/nativeoracle
// (which talks to the relayer's own configured node), this provider calls
// Tenderly's API-keyed gateway as an independent, out-of-band fee source
// for the fallback chain.
//
// Directly grounded on arcsign's
// internal/provider/alchemy.AlchemyProvider.rpcCall: a
// POST-per-call JSON-RPC 2.0 client over plain net/http, carried over
// unchanged since Tenderly's gateway speaks the same JSON-RPC dialect.
package tenderlyoracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Config is the provider's resolved configuration.
type Config struct {
	BaseURL string // e.g. https://mainnet.gateway.tenderly.co
	APIKey  string
	Timeout time.Duration
}

// Provider is the tenderly gas-oracle implementation.
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "tenderly gas oracle requires an api_key")
	}
	if cfg.BaseURL == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "tenderly gas oracle requires a base_url (per-chain gateway endpoint)")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Provider{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, http: &http.Client{Timeout: timeout}}, nil
}

func (p *Provider) Name() string { return "tenderly" }

// rpcCall mirrors arcsign's AlchemyProvider.rpcCall request/response
// shape exactly: same envelope, same error classification.
func (p *Provider) rpcCall(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s", p.baseURL, p.apiKey)

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_REQUEST", "failed to marshal tenderly request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_REQUEST", "failed to build tenderly request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "tenderly request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "failed to read tenderly response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", fmt.Sprintf("tenderly returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "failed to parse tenderly response", err)
	}
	if rpcResp.Error != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_RPC", rpcResp.Error.Message, nil)
	}
	return rpcResp.Result, nil
}

// tierMultiplier widens Tenderly's single gasPrice/priorityFee reading into
// four speed tiers the same way nativeoracle widens its own node's
// reading.
var tierMultiplier = map[model.Speed]int64{
	model.SpeedSlow:   1,
	model.SpeedMedium: 2,
	model.SpeedFast:   3,
	model.SpeedSuper:  4,
}

func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	gasPriceRaw, err := p.rpcCall(ctx, "eth_gasPrice", []interface{}{})
	if err != nil {
		return nil, err
	}
	var gasPriceHex string
	if err := json.Unmarshal(gasPriceRaw, &gasPriceHex); err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "failed to parse tenderly eth_gasPrice", err)
	}
	gasPrice, ok := new(big.Int).SetString(trimHexPrefix(gasPriceHex), 16)
	if !ok {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "tenderly returned a non-hex gas price", nil)
	}

	priorityRaw, err := p.rpcCall(ctx, "eth_maxPriorityFeePerGas", []interface{}{})
	priorityFee := big.NewInt(1e9)
	if err == nil {
		var priorityHex string
		if json.Unmarshal(priorityRaw, &priorityHex) == nil {
			if v, ok := new(big.Int).SetString(trimHexPrefix(priorityHex), 16); ok {
				priorityFee = v
			}
		}
	}

	out := make(gasoracle.SpeedQuotes, len(tierMultiplier))
	for speed, mult := range tierMultiplier {
		maxPriority := new(big.Int).Mul(priorityFee, big.NewInt(mult))
		maxFee := new(big.Int).Mul(gasPrice, big.NewInt(mult))
		out[speed] = gasoracle.Quote{
			MaxFee:         maxFee,
			MaxPriorityFee: maxPriority,
			GasPrice:       maxFee,
		}
	}
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

var _ gasoracle.Provider = (*Provider)(nil)
