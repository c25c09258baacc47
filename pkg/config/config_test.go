package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
clickhouse:
  enabled: true
analytics:
  service_url: http://localhost:8000
trading:
  symbols: [EURUSD, XAUUSD]
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "paper", c.Broker.Mode)
	assert.Equal(t, "clickhouse", c.MarketData.Source)
	assert.InDelta(t, 0.55, c.Agent.MinProbability, 1e-9)
	assert.InDelta(t, 0.6, c.Agent.MinConfluence, 1e-9)
	assert.True(t, c.Agent.HTFEnabled)
	assert.Equal(t, 50, c.Trading.HistorySize)
	assert.Equal(t, 7, c.Risk.Session.StartHour)
	assert.Equal(t, 20, c.Risk.Session.EndHour)
	assert.True(t, c.Risk.Session.SkipWeekends)
	assert.False(t, c.Debate.Enabled)

	require.Len(t, c.Risk.Sizing.Tiers, 4)
	assert.InDelta(t, 1.0, c.Risk.Sizing.Tiers[0].RiskPercent, 1e-9)
	assert.InDelta(t, 3, c.Risk.MaxSpreadBps["forex"], 1e-9)
	assert.InDelta(t, 15, c.Risk.MaxSpreadBps["crypto"], 1e-9)
}

func TestParseExplicitValuesWin(t *testing.T) {
	c, err := Parse([]byte(minimal + `
agent:
  htf_enabled: false
risk:
  max_spread_bps:
    forex: 2
  sizing:
    tiers:
      - {min_confluence: 0, risk_percent: 0.3}
`))
	require.NoError(t, err)

	assert.False(t, c.Agent.HTFEnabled)
	assert.Equal(t, map[string]float64{"forex": 2}, c.Risk.MaxSpreadBps)
	require.Len(t, c.Risk.Sizing.Tiers, 1)
	assert.InDelta(t, 0.3, c.Risk.Sizing.Tiers[0].RiskPercent, 1e-9)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{"bridge without url", "broker:\n  mode: bridge\n", "broker.base_url"},
		{"correlation weight", "risk:\n  correlation:\n    groups:\n      - name: usd\n        members: {EURUSD: 2}\n", "must be 1 or -1"},
		{"ema order", "agent:\n  secondary:\n    ema_fast: 50\n    ema_slow: 20\n", "ema_fast"},
		{"reward risk", "agent:\n  target_atr_multiplier: 2\n", "R:R"},
		{"unknown level", "log:\n  level: loud\n", "Level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(minimal + tc.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"duplicate symbol",
			"clickhouse: {enabled: true}\nanalytics: {service_url: \"http://a:1\"}\ntrading: {symbols: [EURUSD, EURUSD]}\n",
			"duplicate",
		},
		{
			"bars without clickhouse",
			"analytics: {service_url: \"http://a:1\"}\ntrading: {symbols: [EURUSD]}\n",
			"requires clickhouse.enabled",
		},
		{
			"bridge bars with paper broker",
			"market_data: {source: bridge}\nanalytics: {service_url: \"http://a:1\"}\ntrading: {symbols: [EURUSD]}\n",
			"requires broker.mode=bridge",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseRequiresSymbolsAndAnalytics(t *testing.T) {
	_, err := Parse([]byte("clickhouse:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Symbols")
	assert.Contains(t, err.Error(), "ServiceURL")
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	t.Setenv("FINGATE_SYMBOLS", "GBPUSD, USDJPY ,")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"GBPUSD", "USDJPY"}, c.Trading.Symbols)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoadWithEnvRevalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))
	t.Setenv("BROKER_MODE", "bridge")

	_, err := LoadWithEnv(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.base_url")
}

func TestAssetClass(t *testing.T) {
	tc := TradingConfig{AssetClasses: map[string]string{"GER40": "index", "EURUSD": "exotic"}}

	assert.Equal(t, "exotic", tc.AssetClass("EURUSD"))
	assert.Equal(t, "forex", tc.AssetClass("GBPJPY"))
	assert.Equal(t, "metal", tc.AssetClass("XAUUSD"))
	assert.Equal(t, "crypto", tc.AssetClass("BTCUSD"))
	assert.Equal(t, "crypto", tc.AssetClass("SOLUSDT"))
	assert.Equal(t, "index", tc.AssetClass("GER40"))
	assert.Equal(t, "index", tc.AssetClass("us500"))
}
