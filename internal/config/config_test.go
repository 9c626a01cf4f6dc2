package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
broker:
  kind: paper
`

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Broker.Kind)
	assert.Equal(t, 8, cfg.Broker.TimeoutSeconds)
	assert.Equal(t, 10, cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 5, cfg.Scheduler.BreakerThreshold)
	assert.Equal(t, 5.0, cfg.Matching.VolumeTolerancePercent)
	assert.Equal(t, 2.0, cfg.Matching.EntryTolerancePips)
	assert.Equal(t, 5.0, cfg.Divergence.SlippagePips)
	assert.Equal(t, 10.0, cfg.Divergence.VolumeMismatchPercent)
	assert.Equal(t, 15.0, cfg.Drawdown.WarningThresholdPercent)
	assert.Equal(t, 20.0, cfg.Drawdown.MaxDrawdownPercent)
	assert.Equal(t, 100.0, cfg.Drawdown.MinEquityFloor)
	assert.Equal(t, 10, cfg.Drawdown.WarningSeconds)
	assert.True(t, cfg.MarketGuard.Enabled)
	assert.Equal(t, 0.5, cfg.MarketGuard.SpreadPercent)
	assert.Equal(t, 3, cfg.Executor.MaxCloseAttempts)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "lock:reconcile:", cfg.Lock.Prefix)
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guards.yaml", `
drawdown:
  warning_threshold_percent: 10
  max_drawdown_percent: 12
matching:
  pip_sizes:
    XAUUSD: 0.1
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - guards.yaml
broker:
  kind: paper
drawdown:
  max_drawdown_percent: 18
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.Drawdown.WarningThresholdPercent)
	assert.Equal(t, 18.0, cfg.Drawdown.MaxDrawdownPercent, "including file wins")
	assert.Equal(t, 0.1, cfg.Matching.PipSizes["XAUUSD"])
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
broker:
  kind: http
  base_url: http://bridge:8080
`)
	t.Setenv("TRADEGUARD_BROKER_API_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Broker.APIToken)
	assert.Equal(t, "http://bridge:8080", cfg.Broker.BaseURL)
}

func TestLoad_InvalidThresholdsAreFatal(t *testing.T) {
	cases := map[string]string{
		"timeout out of range": `
broker:
  kind: paper
  timeout_seconds: 45
`,
		"explicit zero drawdown": `
broker:
  kind: paper
drawdown:
  max_drawdown_percent: 0
`,
		"warning above max": `
broker:
  kind: paper
drawdown:
  warning_threshold_percent: 25
  max_drawdown_percent: 20
`,
		"http connector without url": `
broker:
  kind: http
`,
		"unknown market source": `
broker:
  kind: paper
market:
  source: reuters
`,
		"telegram without token": `
broker:
  kind: paper
notify:
  telegram:
    enabled: true
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}
