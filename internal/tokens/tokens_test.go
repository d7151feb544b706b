package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAnthropicCacheAware(t *testing.T) {
	rec := Normalize(Source{
		Provider:               ProviderAnthropic,
		RawInputTokens:         604,
		RawOutputTokens:        150,
		RawCacheReadTokens:     8266,
		RawCacheCreationTokens: 0,
	}, 8500, Meta{Turn: 2}, nil)

	require.Equal(t, CalculationMethodAnthropicCacheAware, rec.Computed.CalculationMethod)
	assert.Equal(t, 8870, rec.Computed.ContextWindowTokens)
	assert.Equal(t, 370, rec.Computed.NewInputTokens)
}

func TestNormalizeDirectFirstTurn(t *testing.T) {
	rec := Normalize(Source{Provider: "openai", RawInputTokens: 10}, 0, Meta{Turn: 1}, nil)
	require.Equal(t, CalculationMethodDirect, rec.Computed.CalculationMethod)
	assert.Equal(t, 10, rec.Computed.ContextWindowTokens)
	assert.Equal(t, 10, rec.Computed.NewInputTokens)
}

func TestNormalizeShrinkYieldsZeroNewInputTokens(t *testing.T) {
	rec := Normalize(Source{Provider: "openai", RawInputTokens: 100}, 500, Meta{Turn: 3}, nil)
	assert.Equal(t, 0, rec.Computed.NewInputTokens)
}

func TestNormalizeNewInputTokensZeroExactlyOnShrink(t *testing.T) {
	cases := []struct {
		contextWindow, baseline int
		wantZero                bool
	}{
		{100, 500, true},
		{500, 500, false}, // equal: not "<", falls to subtraction branch (0)
		{600, 500, false},
	}
	for _, c := range cases {
		rec := Normalize(Source{Provider: "openai", RawInputTokens: c.contextWindow}, c.baseline, Meta{}, nil)
		if c.wantZero {
			assert.Equal(t, 0, rec.Computed.NewInputTokens)
		}
		assert.True(t, rec.Computed.NewInputTokens >= 0)
	}
}

func TestWindowSnapshotCapsAndFloors(t *testing.T) {
	w := Window{CurrentSize: 1200, MaxSize: 1000}
	snap := w.Snapshot()
	assert.Equal(t, 100.0, snap.PercentUsed)
	assert.Equal(t, 0, snap.TokensRemaining)

	w2 := Window{CurrentSize: 250, MaxSize: 1000}
	snap2 := w2.Snapshot()
	assert.Equal(t, 25.0, snap2.PercentUsed)
	assert.Equal(t, 750, snap2.TokensRemaining)
}
