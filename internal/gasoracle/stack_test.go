package gasoracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
)

type fakeProvider struct {
	name   string
	calls  int
	fail   bool
	quotes SpeedQuotes
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Estimate(ctx context.Context, chainID uint64) (SpeedQuotes, error) {
	f.calls++
	if f.fail {
		return nil, assertErr
	}
	return f.quotes, nil
}

type stubErr struct{}

func (stubErr) Error() string { return "provider failed" }

var assertErr = stubErr{}

func quotesWithFee(gweiVal int64) SpeedQuotes {
	return SpeedQuotes{
		model.SpeedMedium: {MaxFee: gwei(gweiVal), MaxPriorityFee: gwei(1)},
	}
}

func TestStack_FallsThroughToNextProviderOnFailure(t *testing.T) {
	first := &fakeProvider{name: "primary", fail: true}
	second := &fakeProvider{name: "fallback", quotes: quotesWithFee(30)}

	stack := NewStack([]Provider{first, second}, time.Minute)
	quotes, err := stack.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, gwei(30), quotes[model.SpeedMedium].MaxFee)
}

func TestStack_CachesWithinTTL(t *testing.T) {
	p := &fakeProvider{name: "only", quotes: quotesWithFee(10)}
	stack := NewStack([]Provider{p}, time.Minute)

	_, err := stack.Estimate(context.Background(), 1)
	require.NoError(t, err)
	_, err = stack.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls, "a second call within the TTL must not re-invoke the provider")
}

func TestStack_ExpiresCacheAfterTTL(t *testing.T) {
	p := &fakeProvider{name: "only", quotes: quotesWithFee(10)}
	stack := NewStack([]Provider{p}, time.Second)

	_, err := stack.Estimate(context.Background(), 1)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = stack.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestStack_ReturnsErrorWhenEveryProviderFails(t *testing.T) {
	p1 := &fakeProvider{name: "a", fail: true}
	p2 := &fakeProvider{name: "b", fail: true}
	stack := NewStack([]Provider{p1, p2}, time.Minute)

	_, err := stack.Estimate(context.Background(), 1)
	require.Error(t, err)
}

func TestStack_ReturnsErrorWithNoProviders(t *testing.T) {
	stack := NewStack(nil, time.Minute)
	_, err := stack.Estimate(context.Background(), 1)
	require.Error(t, err)
}

func TestStack_ForRelayerClipsToCap(t *testing.T) {
	p := &fakeProvider{name: "only", quotes: quotesWithFee(100)}
	stack := NewStack([]Provider{p}, time.Minute)

	q, err := stack.ForRelayer(context.Background(), 1, model.SpeedMedium, gwei(50))
	require.NoError(t, err)
	assert.Equal(t, gwei(50), q.MaxFee)
}

func TestStack_ForRelayerMissingSpeedErrors(t *testing.T) {
	p := &fakeProvider{name: "only", quotes: quotesWithFee(10)}
	stack := NewStack([]Provider{p}, time.Minute)

	_, err := stack.ForRelayer(context.Background(), 1, model.SpeedSuper, nil)
	require.Error(t, err)
}
