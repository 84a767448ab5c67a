package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neuroroute/neuroroute/config"
)

func TestDefaultRoutingOptions(t *testing.T) {
	def := config.RoutingConfig{
		CostOptimize:     true,
		FallbackEnabled:  true,
		ChainEnabled:     true,
		CacheStrategy:    CacheStrategyAggressive,
		FallbackLevels:   3,
		RequestTimeoutMs: 15000,
		MonitorFallbacks: true,
	}

	opts := DefaultRoutingOptions(def)

	assert.True(t, opts.CostOptimize)
	assert.False(t, opts.QualityOptimize)
	assert.True(t, opts.FallbackEnabled)
	assert.True(t, opts.ChainEnabled)
	assert.Equal(t, CacheStrategyAggressive, opts.CacheStrategy)
	assert.Equal(t, 3, opts.FallbackLevels)
	assert.Equal(t, 15000, opts.TimeoutMs)
	assert.True(t, opts.MonitorFallbacks)
}

// A caller overriding one field from the defaults must not lose the rest,
// which a bare literal would zero out.
func TestDefaultRoutingOptions_OverrideKeepsDefaults(t *testing.T) {
	def := config.RoutingConfig{
		QualityOptimize:  true,
		FallbackEnabled:  true,
		FallbackLevels:   2,
		MonitorFallbacks: true,
	}

	opts := DefaultRoutingOptions(def)
	opts.DegradedMode = true

	assert.True(t, opts.DegradedMode)
	assert.True(t, opts.FallbackEnabled)
	assert.True(t, opts.MonitorFallbacks)
	assert.Equal(t, 2, opts.FallbackLevels)
}
