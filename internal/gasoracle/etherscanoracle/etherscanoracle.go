// Package etherscanoracle implements the gas-oracle provider for
// Etherscan-family block explorer APIs (Etherscan, Polygonscan, Arbiscan,
// etc., all sharing the same "gastracker" module): a legacy
// gasPrice-only REST endpoint, no EIP-1559 fields.
//
// Grounded the same way as internal/gasoracle/blocknative: a plain
// net/http.Client per internal/provider/alchemy.AlchemyProvider's
// shape, with the response schema modeled on Etherscan's published
// gastracker/gasoracle action.
package etherscanoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"math/big"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Config is the provider's resolved configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Provider is the etherscan-family gas-oracle implementation. It only
// ever produces legacy GasPrice quotes, since that is all the gastracker
// API publishes.
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "etherscan gas oracle requires an api_key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/api"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Provider{baseURL: baseURL, apiKey: cfg.APIKey, http: &http.Client{Timeout: timeout}}, nil
}

func (p *Provider) Name() string { return "etherscan" }

type gasOracleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
	} `json:"result"`
}

func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	url := fmt.Sprintf("%s?module=gastracker&action=gasoracle&apikey=%s", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_REQUEST", "failed to build etherscan request", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "etherscan request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "failed to read etherscan response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", fmt.Sprintf("etherscan returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var parsed gasOracleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "failed to parse etherscan response", err)
	}
	if parsed.Status != "1" {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_RPC", fmt.Sprintf("etherscan gasoracle error: %s", parsed.Message), nil)
	}

	safe, err := gweiStringToWei(parsed.Result.SafeGasPrice)
	if err != nil {
		return nil, err
	}
	propose, err := gweiStringToWei(parsed.Result.ProposeGasPrice)
	if err != nil {
		return nil, err
	}
	fast, err := gweiStringToWei(parsed.Result.FastGasPrice)
	if err != nil {
		return nil, err
	}

	return gasoracle.SpeedQuotes{
		model.SpeedSlow:   {GasPrice: safe},
		model.SpeedMedium: {GasPrice: propose},
		model.SpeedFast:   {GasPrice: fast},
		model.SpeedSuper:  {GasPrice: bumpedFast(fast)},
	}, nil
}

// bumpedFast synthesizes a SUPER tier above Etherscan's published Fast
// tier, since gastracker only publishes three levels.
func bumpedFast(fast *big.Int) *big.Int {
	bumped := new(big.Int).Mul(fast, big.NewInt(3))
	return bumped.Div(bumped, big.NewInt(2))
}

func gweiStringToWei(s string) (*big.Int, error) {
	gwei, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "etherscan returned a non-numeric gas price", err)
	}
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out, nil
}

var _ gasoracle.Provider = (*Provider)(nil)
