package infuraoracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
)

const samplePayload = `{
  "low": {"suggestedMaxFeePerGas": "20.5", "suggestedMaxPriorityFeePerGas": "1"},
  "medium": {"suggestedMaxFeePerGas": "30.5", "suggestedMaxPriorityFeePerGas": "1.5"},
  "high": {"suggestedMaxFeePerGas": "45.25", "suggestedMaxPriorityFeePerGas": "2"}
}`

func TestEstimate_ParsesThreeTiersAndSynthesizesSuper(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL, APIKey: "abc123"})
	require.NoError(t, err)

	quotes, err := p.Estimate(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, strings.Contains(gotPath, "abc123"))
	assert.True(t, strings.Contains(gotPath, "/networks/1/suggestedGasFees"))

	assert.Equal(t, gweiToWei(20.5), quotes[model.SpeedSlow].MaxFee)
	assert.Equal(t, gweiToWei(30.5), quotes[model.SpeedMedium].MaxFee)
	assert.Equal(t, gweiToWei(45.25), quotes[model.SpeedFast].MaxFee)
	assert.True(t, quotes[model.SpeedSuper].MaxFee.Cmp(quotes[model.SpeedFast].MaxFee) > 0)
}

func TestEstimate_RejectsNonNumericFee(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"low":{"suggestedMaxFeePerGas":"not-a-number","suggestedMaxPriorityFeePerGas":"1"},"medium":{},"high":{}}`))
	}))
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL, APIKey: "abc123"})
	require.NoError(t, err)

	_, err = p.Estimate(context.Background(), 1)
	require.Error(t, err)
}

func TestEstimate_PropagatesNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL, APIKey: "abc123"})
	require.NoError(t, err)

	_, err = p.Estimate(context.Background(), 1)
	require.Error(t, err)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
