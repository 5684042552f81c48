package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"symbol": "BTCUSDT",
	"gamma": 0.5,
	"sigma_floor": 0.001,
	"min_spread": 0.0002,
	"max_spread": 0.02,
	"order_size": 0.01,
	"position_limit": 0.1,
	"max_daily_loss": 100,
	"max_drawdown": 0.2,
	"take_profit_rate": 0.01,
	"stop_loss_rate": 0.005
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.InDelta(t, 0.1, cfg.KappaBounds.Min, 1e-9)
	assert.InDelta(t, 5.0, cfg.KappaBounds.Max, 1e-9)
	assert.InDelta(t, 0.10, cfg.MaxPriceDeviation, 1e-9)
	assert.Equal(t, 2000, cfg.QuoteIntervalMs)
	assert.Equal(t, 480, cfg.SessionLengthMin)
	assert.Equal(t, 3, cfg.CancelRetryAttempts)
	assert.Equal(t, 30, cfg.ReconcileIntervalSec)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing symbol", `{"gamma": 0.5, "order_size": 1, "position_limit": 1, "max_daily_loss": 1, "max_drawdown": 0.2, "take_profit_rate": 0.01, "stop_loss_rate": 0.01}`},
		{"zero gamma", `{"symbol": "BTCUSDT", "order_size": 1, "position_limit": 1, "max_daily_loss": 1, "max_drawdown": 0.2, "take_profit_rate": 0.01, "stop_loss_rate": 0.01}`},
		{"drawdown out of range", `{"symbol": "BTCUSDT", "gamma": 0.5, "order_size": 1, "position_limit": 1, "max_daily_loss": 1, "max_drawdown": 1.5, "take_profit_rate": 0.01, "stop_loss_rate": 0.01}`},
		{"inverted spread bounds", `{"symbol": "BTCUSDT", "gamma": 0.5, "min_spread": 0.05, "max_spread": 0.01, "order_size": 1, "position_limit": 1, "max_daily_loss": 1, "max_drawdown": 0.2, "take_profit_rate": 0.01, "stop_loss_rate": 0.01}`},
		{"missing stop loss", `{"symbol": "BTCUSDT", "gamma": 0.5, "order_size": 1, "position_limit": 1, "max_daily_loss": 1, "max_drawdown": 0.2, "take_profit_rate": 0.01}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.json))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("does-not-exist.json")
	assert.Error(t, err)
}
