// Package blocknative implements the "block-native API" gas-oracle
// provider: a third-party gas-estimation HTTP API returning
// confidence-tiered fee suggestions, queried per chain.
//
// Grounded on arcsign's internal/provider/alchemy.AlchemyProvider
// HTTP-client shape (a plain net/http.Client, request-per-call, no SDK),
// with the response schema modeled on Blocknative's published Gas
// Platform API (an array of block estimates, each carrying
// estimatedPrices keyed by confidence level).
package blocknative

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

// Provider is the blocknative gas-oracle implementation.
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Provider. An empty BaseURL defaults to Blocknative's
// published Gas Platform endpoint.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "blocknative gas oracle requires an api_key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.blocknative.com/gasprices/blockprices"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Provider{baseURL: baseURL, apiKey: cfg.APIKey, http: &http.Client{Timeout: timeout}}, nil
}

func (p *Provider) Name() string { return "blocknative" }

type blockPricesResponse struct {
	BlockPrices []struct {
		EstimatedPrices []struct {
			Confidence            int     `json:"confidence"`
			Price                 float64 `json:"price"` // gwei
			MaxPriorityFeePerGas  float64 `json:"maxPriorityFeePerGas"`
			MaxFeePerGas          float64 `json:"maxFeePerGas"`
		} `json:"estimatedPrices"`
	} `json:"blockPrices"`
}

// confidenceBySpeed maps this package's symbolic speed tiers onto
// Blocknative's published confidence levels (99 = highest certainty of
// next-block inclusion).
var confidenceBySpeed = map[model.Speed]int{
	model.SpeedSlow:   70,
	model.SpeedMedium: 80,
	model.SpeedFast:   90,
	model.SpeedSuper:  99,
}

func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	url := fmt.Sprintf("%s?chainid=%d", p.baseURL, chainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_REQUEST", "failed to build blocknative request", err)
	}
	req.Header.Set("Authorization", p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "blocknative request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "failed to read blocknative response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", fmt.Sprintf("blocknative returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var parsed blockPricesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "failed to parse blocknative response", err)
	}
	if len(parsed.BlockPrices) == 0 || len(parsed.BlockPrices[0].EstimatedPrices) == 0 {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_EMPTY", "blocknative returned no estimates", nil)
	}

	out := make(gasoracle.SpeedQuotes, len(confidenceBySpeed))
	for speed, wantConfidence := range confidenceBySpeed {
		best := parsed.BlockPrices[0].EstimatedPrices[0]
		bestDist := abs(best.Confidence - wantConfidence)
		for _, candidate := range parsed.BlockPrices[0].EstimatedPrices {
			if d := abs(candidate.Confidence - wantConfidence); d < bestDist {
				best, bestDist = candidate, d
			}
		}
		out[speed] = gasoracle.Quote{
			MaxFee:         gweiToWei(best.MaxFeePerGas),
			MaxPriorityFee: gweiToWei(best.MaxPriorityFeePerGas),
		}
	}
	return out, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func gweiToWei(v float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}

var _ gasoracle.Provider = (*Provider)(nil)
