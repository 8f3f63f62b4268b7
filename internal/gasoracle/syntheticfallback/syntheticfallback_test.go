package syntheticfallback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
)

func TestEstimate_AlwaysSucceedsWithAllFourTiers(t *testing.T) {
	p := New()
	quotes, err := p.Estimate(context.Background(), 0)
	require.NoError(t, err)

	require.Contains(t, quotes, model.SpeedSlow)
	require.Contains(t, quotes, model.SpeedMedium)
	require.Contains(t, quotes, model.SpeedFast)
	require.Contains(t, quotes, model.SpeedSuper)

	assert.True(t, quotes[model.SpeedMedium].MaxFee.Cmp(quotes[model.SpeedSlow].MaxFee) > 0)
	assert.True(t, quotes[model.SpeedFast].MaxFee.Cmp(quotes[model.SpeedMedium].MaxFee) > 0)
	assert.True(t, quotes[model.SpeedSuper].MaxFee.Cmp(quotes[model.SpeedFast].MaxFee) > 0)
}

func TestEstimate_IgnoresCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New()
	_, err := p.Estimate(ctx, 1)
	require.NoError(t, err, "the fallback provider must never fail, even with a cancelled context")
}
