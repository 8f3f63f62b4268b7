package nativeoracle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/rpcclient"
)

// fakeRaw implements rpcclient.RawClient with canned responses for exactly
// the two methods nativeoracle calls.
type fakeRaw struct {
	baseFeeHex string
	rewardHex  string
}

func (f *fakeRaw) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	switch method {
	case "eth_getBlockByNumber":
		return json.Marshal(map[string]string{"baseFeePerGas": f.baseFeeHex})
	case "eth_feeHistory":
		return json.Marshal(map[string]interface{}{
			"baseFeePerGas": []string{f.baseFeeHex},
			"reward":        [][]string{{f.rewardHex}},
		})
	default:
		return nil, assertUnexpectedMethod{method}
	}
}

func (f *fakeRaw) Close() error { return nil }

type assertUnexpectedMethod struct{ method string }

func (e assertUnexpectedMethod) Error() string { return "unexpected method: " + e.method }

func TestEstimate_DerivesAllFourSpeedTiers(t *testing.T) {
	raw := &fakeRaw{baseFeeHex: "0x3b9aca00", rewardHex: "0x77359400"} // 1 Gwei base, 2 Gwei reward
	p := New(rpcclient.NewEVMClient(raw))

	quotes, err := p.Estimate(context.Background(), 1)
	require.NoError(t, err)

	require.Contains(t, quotes, model.SpeedSlow)
	require.Contains(t, quotes, model.SpeedMedium)
	require.Contains(t, quotes, model.SpeedFast)
	require.Contains(t, quotes, model.SpeedSuper)

	// Higher speeds must carry strictly higher max fees.
	assert.True(t, quotes[model.SpeedMedium].MaxFee.Cmp(quotes[model.SpeedSlow].MaxFee) > 0)
	assert.True(t, quotes[model.SpeedFast].MaxFee.Cmp(quotes[model.SpeedMedium].MaxFee) > 0)
	assert.True(t, quotes[model.SpeedSuper].MaxFee.Cmp(quotes[model.SpeedFast].MaxFee) > 0)
}

func TestEstimate_RejectsZeroChainID(t *testing.T) {
	raw := &fakeRaw{baseFeeHex: "0x0", rewardHex: "0x0"}
	p := New(rpcclient.NewEVMClient(raw))

	_, err := p.Estimate(context.Background(), 0)
	require.Error(t, err)
}

func TestEstimate_FallsBackToDefaultPriorityFeeWhenFeeHistoryEmpty(t *testing.T) {
	raw := &emptyHistoryRaw{baseFeeHex: "0x3b9aca00"}
	p := New(rpcclient.NewEVMClient(raw))

	quotes, err := p.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, quotes[model.SpeedMedium].MaxPriorityFee)
}

type emptyHistoryRaw struct {
	baseFeeHex string
}

func (f *emptyHistoryRaw) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	switch method {
	case "eth_getBlockByNumber":
		return json.Marshal(map[string]string{"baseFeePerGas": f.baseFeeHex})
	case "eth_feeHistory":
		return json.Marshal(map[string]interface{}{
			"baseFeePerGas": []string{},
			"reward":        [][]string{},
		})
	default:
		return nil, assertUnexpectedMethod{method}
	}
}

func (f *emptyHistoryRaw) Close() error { return nil }
