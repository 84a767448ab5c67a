package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 300, cfg.Redis.CacheTTL)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Providers.LMStudioURL)
	assert.True(t, cfg.Routing.QualityOptimize)
	assert.True(t, cfg.Routing.FallbackEnabled)
	assert.Equal(t, 2, cfg.Routing.FallbackLevels)
	assert.Equal(t, "default", cfg.Routing.CacheStrategy)
	assert.Equal(t, 30000, cfg.Routing.RequestTimeoutMs)
	assert.True(t, cfg.Features.EnableCache)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("COST_OPTIMIZE", "true")
	t.Setenv("CACHE_STRATEGY", "aggressive")
	t.Setenv("FALLBACK_LEVELS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Routing.CostOptimize)
	assert.Equal(t, "aggressive", cfg.Routing.CacheStrategy)
	assert.Equal(t, 3, cfg.Routing.FallbackLevels)
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddress())
}

func TestLoadConfig_AllowedOrigins(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com,https://admin.example.com")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	t.Setenv("NODE_ENV", "staging")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_InvalidCacheStrategy(t *testing.T) {
	t.Setenv("CACHE_STRATEGY", "sometimes")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_AuthRequiresSecret(t *testing.T) {
	t.Setenv("ENABLE_JWT_AUTH", "true")
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "shhh")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
}
