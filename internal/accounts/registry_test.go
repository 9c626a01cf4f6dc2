package accounts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/gateway/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDrawdown() config.DrawdownConfig {
	return config.DrawdownConfig{WarningThresholdPercent: 15, MaxDrawdownPercent: 20, MinEquityFloor: 100, WarningSeconds: 10}
}

const sampleAccounts = `
accounts:
  - user_id: alice
    chat_id: 1001
    broker:
      account_id: 5001
      token: t-alice
    overrides:
      drawdown:
        warning_threshold_percent: 10
        max_drawdown_percent: 12
      market_guard:
        enabled: false
  - user_id: bob
    active: false
    broker:
      account_id: "5002"
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), sampleAccounts)
	r, err := load(path, baseDrawdown())
	require.NoError(t, err)

	active := r.Active()
	require.Len(t, active, 1)
	alice := active[0]
	assert.Equal(t, "alice", alice.UserID)
	assert.Equal(t, "5001", alice.Broker.AccountID)
	assert.Equal(t, "t-alice", alice.Broker.Token)

	dd := alice.Drawdown(baseDrawdown())
	assert.Equal(t, 10.0, dd.WarningThresholdPercent)
	assert.Equal(t, 12.0, dd.MaxDrawdownPercent)
	assert.Equal(t, 100.0, dd.MinEquityFloor)
	assert.False(t, alice.MarketGuard(config.MarketGuardConfig{Enabled: true, GapPercent: 5}).Enabled)

	chat, ok := r.ChatID("alice")
	assert.True(t, ok)
	assert.Equal(t, "1001", chat)
	_, ok = r.ChatID("bob")
	assert.False(t, ok)

	bob, ok := r.Get("bob")
	require.True(t, ok)
	assert.False(t, bob.IsActive())
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"schema: missing broker": "accounts:\n  - user_id: x\n",
		"schema: unknown field":  "accounts:\n  - user_id: x\n    broker: {account_id: 1}\n    colour: red\n",
		"schema: bad threshold":  "accounts:\n  - user_id: x\n    broker: {account_id: 1}\n    overrides: {drawdown: {max_drawdown_percent: 150}}\n",
		"duplicate user":         "accounts:\n  - user_id: x\n    broker: {account_id: 1}\n  - user_id: x\n    broker: {account_id: 2}\n",
		"warning above max":      "accounts:\n  - user_id: x\n    broker: {account_id: 1}\n    overrides: {drawdown: {warning_threshold_percent: 25}}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), body)
			_, err := load(path, baseDrawdown())
			assert.Error(t, err)
		})
	}
	_, err := load("", baseDrawdown())
	assert.Error(t, err)
}

func TestRegistry_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sampleAccounts)
	r, err := NewRegistry(path, baseDrawdown())
	require.NoError(t, err)

	changed := make(chan Snapshot, 1)
	r.OnChange(func(s Snapshot) {
		select {
		case changed <- s:
		default:
		}
	})

	updated := sampleAccounts + "  - user_id: carol\n    broker:\n      account_id: 5003\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case snap := <-changed:
		assert.Contains(t, snap.Accounts, "carol")
		assert.Greater(t, snap.Version, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("registry did not reload")
	}
	assert.Len(t, r.Active(), 2)
}

func TestRegistry_InvalidReloadKeepsSnapshot(t *testing.T) {
	path := writeFile(t, t.TempDir(), sampleAccounts)
	r, err := load(path, baseDrawdown())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("accounts: [{user_id: ''}]"), 0o600))
	assert.Error(t, r.reload())
	assert.Equal(t, int64(1), r.Snapshot().Version)
	assert.Len(t, r.Active(), 1)
}

func TestNewStatic(t *testing.T) {
	r, err := NewStatic(baseDrawdown(), Account{UserID: "u1", Broker: brokerCreds("1")})
	require.NoError(t, err)
	assert.Len(t, r.Active(), 1)

	_, err = NewStatic(baseDrawdown(), Account{UserID: "u1"})
	assert.Error(t, err)
}

func brokerCreds(id string) broker.Credentials { return broker.Credentials{AccountID: id} }
