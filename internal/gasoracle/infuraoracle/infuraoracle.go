// Package infuraoracle implements the "infura-style API" gas-oracle
// provider: Infura's Gas API returns a fixed low/medium/high tier object
// per chain rather than Blocknative's confidence-array shape, so it gets
// its own small client instead of being folded into
// internal/gasoracle/blocknative.
//
// Grounded the same way as internal/gasoracle/blocknative: a plain
// net/http.Client per internal/provider/alchemy.AlchemyProvider's shape.
package infuraoracle

import (
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
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Provider is the infura-style gas-oracle implementation.
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "infura gas oracle requires an api_key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://gas.api.infura.io/v3"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Provider{baseURL: baseURL, apiKey: cfg.APIKey, http: &http.Client{Timeout: timeout}}, nil
}

func (p *Provider) Name() string { return "infura" }

type suggestedFeesResponse struct {
	Low struct {
		SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
		SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	} `json:"low"`
	Medium struct {
		SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
		SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	} `json:"medium"`
	High struct {
		SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
		SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	} `json:"high"`
}

func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	url := fmt.Sprintf("%s/%s/networks/%d/suggestedGasFees", p.baseURL, p.apiKey, chainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_REQUEST", "failed to build infura request", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "infura request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "failed to read infura response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", fmt.Sprintf("infura returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var parsed suggestedFeesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "failed to parse infura response", err)
	}

	low, err := toQuote(parsed.Low.SuggestedMaxFeePerGas, parsed.Low.SuggestedMaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	medium, err := toQuote(parsed.Medium.SuggestedMaxFeePerGas, parsed.Medium.SuggestedMaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	high, err := toQuote(parsed.High.SuggestedMaxFeePerGas, parsed.High.SuggestedMaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}

	return gasoracle.SpeedQuotes{
		model.SpeedSlow:   low,
		model.SpeedMedium: medium,
		model.SpeedFast:   high,
		model.SpeedSuper:  bumpedAboveHigh(high),
	}, nil
}

// bumpedAboveHigh synthesizes a SUPER tier from Infura's highest published
// tier, since Infura's API only documents three levels against this
// package's four-tier output.
func bumpedAboveHigh(high gasoracle.Quote) gasoracle.Quote {
	return gasoracle.Quote{
		MaxFee:         new(big.Int).Mul(high.MaxFee, big.NewInt(2)),
		MaxPriorityFee: new(big.Int).Mul(high.MaxPriorityFee, big.NewInt(2)),
	}
}

func toQuote(maxFeeDecimalGwei, maxPriorityDecimalGwei string) (gasoracle.Quote, error) {
	maxFee, ok := new(big.Float).SetString(maxFeeDecimalGwei)
	if !ok {
		return gasoracle.Quote{}, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "infura returned a non-numeric max fee", nil)
	}
	maxPriority, ok := new(big.Float).SetString(maxPriorityDecimalGwei)
	if !ok {
		return gasoracle.Quote{}, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "infura returned a non-numeric priority fee", nil)
	}
	maxFeeWei, _ := new(big.Float).Mul(maxFee, big.NewFloat(1e9)).Int(nil)
	maxPriorityWei, _ := new(big.Float).Mul(maxPriority, big.NewFloat(1e9)).Int(nil)
	return gasoracle.Quote{MaxFee: maxFeeWei, MaxPriorityFee: maxPriorityWei}, nil
}

var _ gasoracle.Provider = (*Provider)(nil)
