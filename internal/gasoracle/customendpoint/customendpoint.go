// Package customendpoint implements a gas-oracle provider for gas APIs
// that aren't one of the named integrations: a single configurable JSON
// field mapping applied to one HTTP response and then fanned out across
// all four speed tiers with fixed multipliers, the same widening
// technique internal/gasoracle/nativeoracle and
// internal/gasoracle/tenderlyoracle use for single-reading sources.
//
// Grounded on internal/provider/alchemy.AlchemyProvider's plain
// net/http.Client shape, generalized with configurable JSON field
// names since a custom endpoint's schema isn't known ahead of time.
package customendpoint

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

// Config describes an operator-supplied gas endpoint: a GET URL
// returning a flat JSON object, plus the field names carrying the base
// fee and priority fee in gwei.
type Config struct {
	URL               string
	Headers           map[string]string
	BaseFeeField      string // JSON field carrying gwei base/gas fee, required
	PriorityFeeField  string // JSON field carrying gwei priority fee, optional
	Timeout           time.Duration
}

// Provider is the operator-configured custom gas-endpoint implementation.
type Provider struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "custom gas endpoint requires a url")
	}
	if cfg.BaseFeeField == "" {
		return nil, relayerr.Validation("ERR_CONFIG_GASORACLE", "custom gas endpoint requires a base_fee_field")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	cfg.Timeout = timeout
	return &Provider{cfg: cfg, http: &http.Client{Timeout: timeout}}, nil
}

func (p *Provider) Name() string { return "custom_endpoint" }

// tierMultiplier widens the endpoint's single reading into four speed
// tiers, the same technique nativeoracle and tenderlyoracle use.
var tierMultiplier = map[model.Speed]int64{
	model.SpeedSlow:   1,
	model.SpeedMedium: 2,
	model.SpeedFast:   3,
	model.SpeedSuper:  4,
}

func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_REQUEST", "failed to build custom endpoint request", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "custom endpoint request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", "failed to read custom endpoint response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.ProviderTransient("ERR_GASORACLE_HTTP", fmt.Sprintf("custom endpoint returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var fields map[string]json.Number
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "failed to parse custom endpoint response", err)
	}

	baseFeeNum, ok := fields[p.cfg.BaseFeeField]
	if !ok {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", fmt.Sprintf("custom endpoint response missing field %q", p.cfg.BaseFeeField), nil)
	}
	baseFee, err := gweiToWei(baseFeeNum)
	if err != nil {
		return nil, err
	}

	priorityFee := big.NewInt(1e9)
	if p.cfg.PriorityFeeField != "" {
		if num, ok := fields[p.cfg.PriorityFeeField]; ok {
			if v, err := gweiToWei(num); err == nil {
				priorityFee = v
			}
		}
	}

	out := make(gasoracle.SpeedQuotes, len(tierMultiplier))
	for speed, mult := range tierMultiplier {
		maxPriority := new(big.Int).Mul(priorityFee, big.NewInt(mult))
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(mult))
		maxFee.Add(maxFee, maxPriority)
		out[speed] = gasoracle.Quote{MaxFee: maxFee, MaxPriorityFee: maxPriority, GasPrice: maxFee}
	}
	return out, nil
}

func gweiToWei(n json.Number) (*big.Int, error) {
	f, ok := new(big.Float).SetString(n.String())
	if !ok {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_PARSE", "custom endpoint returned a non-numeric fee field", nil)
	}
	wei := new(big.Float).Mul(f, big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out, nil
}

var _ gasoracle.Provider = (*Provider)(nil)
