// Package accounts loads the set of synced users, their broker credentials,
// chat ids and per-user guard overrides, and reloads it when the file
// changes.
package accounts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type DrawdownOverride struct {
	WarningThresholdPercent *float64 `yaml:"warning_threshold_percent"`
	MaxDrawdownPercent      *float64 `yaml:"max_drawdown_percent"`
	MinEquityFloor          *float64 `yaml:"min_equity_floor"`
}

type MarketGuardOverride struct {
	Enabled                *bool    `yaml:"enabled"`
	GapPercent             *float64 `yaml:"gap_percent"`
	SpreadPercent          *float64 `yaml:"spread_percent"`
	MinLiquidityVolumeLots *float64 `yaml:"min_liquidity_volume_lots"`
}

type Overrides struct {
	Drawdown    *DrawdownOverride    `yaml:"drawdown"`
	MarketGuard *MarketGuardOverride `yaml:"market_guard"`
}

// Account is one synced user.
type Account struct {
	UserID    string             `yaml:"user_id"`
	Active    *bool              `yaml:"active"`
	ChatID    string             `yaml:"chat_id"`
	Broker    broker.Credentials `yaml:"broker"`
	Overrides Overrides          `yaml:"overrides"`
}

// IsActive defaults to true when the flag is omitted.
func (a Account) IsActive() bool { return a.Active == nil || *a.Active }

// Drawdown applies the user's overrides to the global drawdown section.
func (a Account) Drawdown(base config.DrawdownConfig) config.DrawdownConfig {
	o := a.Overrides.Drawdown
	if o == nil {
		return base
	}
	if o.WarningThresholdPercent != nil {
		base.WarningThresholdPercent = *o.WarningThresholdPercent
	}
	if o.MaxDrawdownPercent != nil {
		base.MaxDrawdownPercent = *o.MaxDrawdownPercent
	}
	if o.MinEquityFloor != nil {
		base.MinEquityFloor = *o.MinEquityFloor
	}
	return base
}

// MarketGuard applies the user's overrides to the global market guard section.
func (a Account) MarketGuard(base config.MarketGuardConfig) config.MarketGuardConfig {
	o := a.Overrides.MarketGuard
	if o == nil {
		return base
	}
	if o.Enabled != nil {
		base.Enabled = *o.Enabled
	}
	if o.GapPercent != nil {
		base.GapPercent = *o.GapPercent
	}
	if o.SpreadPercent != nil {
		base.SpreadPercent = *o.SpreadPercent
	}
	if o.MinLiquidityVolumeLots != nil {
		base.MinLiquidityVolumeLots = *o.MinLiquidityVolumeLots
	}
	return base
}

// FileConfig maps the accounts file.
type FileConfig struct {
	Accounts []Account `yaml:"accounts"`
}

type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Accounts map[string]Account
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

// Registry holds the current accounts snapshot. A reload that fails
// validation keeps the previous snapshot.
type Registry struct {
	path     string
	drawdown config.DrawdownConfig
	schema   *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry reads path and watches it for changes. base is used to check
// that per-user drawdown overrides keep warning below max.
func NewRegistry(path string, base config.DrawdownConfig) (*Registry, error) {
	r, err := load(path, base)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		if err := r.reload(); err != nil {
			logger.Errorf("accounts: reload failed, keeping version %d: %v", r.Snapshot().Version, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// load reads path once without watching it.
func load(path string, base config.DrawdownConfig) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("accounts registry requires path")
	}
	schema, err := compileSchema(accountsSchema)
	if err != nil {
		return nil, fmt.Errorf("compile accounts schema: %w", err)
	}
	r := &Registry{path: path, drawdown: base, schema: schema}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic builds a registry from accounts already in memory.
func NewStatic(base config.DrawdownConfig, accounts ...Account) (*Registry, error) {
	snap, err := buildSnapshot(accounts, base)
	if err != nil {
		return nil, err
	}
	snap.Version = 1
	return &Registry{drawdown: base, snapshot: snap}, nil
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Active returns active accounts ordered by user id.
func (r *Registry) Active() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.snapshot.Accounts))
	for _, acct := range r.snapshot.Accounts {
		if acct.IsActive() {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Get(userID string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.snapshot.Accounts[strings.TrimSpace(userID)]
	return acct, ok
}

func (r *Registry) ChatID(userID string) (string, bool) {
	acct, ok := r.Get(userID)
	if !ok || acct.ChatID == "" {
		return "", false
	}
	return acct.ChatID, true
}

func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) reload() error {
	cfg, err := readAccountsFile(r.path, r.schema)
	if err != nil {
		return err
	}
	snap, err := buildSnapshot(cfg.Accounts, r.drawdown)
	if err != nil {
		return fmt.Errorf("accounts file %s: %w", filepath.Base(r.path), err)
	}
	r.mu.Lock()
	snap.Version = r.snapshot.Version + 1
	r.snapshot = snap
	r.mu.Unlock()
	logger.Infof("accounts: loaded %d accounts from %s (version %d)", len(snap.Accounts), filepath.Base(r.path), snap.Version)
	return nil
}

func buildSnapshot(accounts []Account, base config.DrawdownConfig) (Snapshot, error) {
	out := make(map[string]Account, len(accounts))
	for _, acct := range accounts {
		acct.UserID = strings.TrimSpace(acct.UserID)
		acct.ChatID = strings.TrimSpace(acct.ChatID)
		acct.Broker.AccountID = strings.TrimSpace(acct.Broker.AccountID)
		if acct.UserID == "" {
			return Snapshot{}, fmt.Errorf("account with empty user_id")
		}
		if _, dup := out[acct.UserID]; dup {
			return Snapshot{}, fmt.Errorf("duplicate user_id %q", acct.UserID)
		}
		if acct.Broker.AccountID == "" {
			return Snapshot{}, fmt.Errorf("user %s: broker.account_id is required", acct.UserID)
		}
		dd := acct.Drawdown(base)
		if dd.WarningThresholdPercent >= dd.MaxDrawdownPercent {
			return Snapshot{}, fmt.Errorf("user %s: warning_threshold_percent (%v) must be below max_drawdown_percent (%v)",
				acct.UserID, dd.WarningThresholdPercent, dd.MaxDrawdownPercent)
		}
		out[acct.UserID] = acct
	}
	return Snapshot{LoadedAt: time.Now(), Accounts: out}, nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer safeRecover("accounts listener")
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Accounts: make(map[string]Account, len(src.Accounts)),
	}
	for id, acct := range src.Accounts {
		dst.Accounts[id] = acct
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("accounts.json", strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("accounts.json")
}

func readAccountsFile(path string, schema *jsonschema.Schema) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read accounts file: %w", err)
	}
	if schema != nil {
		if err := validateDocument(raw, schema); err != nil {
			return FileConfig{}, fmt.Errorf("accounts file %s: %w", filepath.Base(path), err)
		}
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse accounts file: %w", err)
	}
	return cfg, nil
}

// validateDocument round-trips the YAML tree through JSON so the schema sees
// plain JSON values.
func validateDocument(raw []byte, schema *jsonschema.Schema) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert accounts file: %w", err)
	}
	var generic any
	if err := json.Unmarshal(js, &generic); err != nil {
		return err
	}
	return schema.Validate(generic)
}
