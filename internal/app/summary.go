package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"tradeguard/internal/accounts"
	"tradeguard/internal/config"
)

type StartupSummary struct {
	Broker    BrokerSummary
	Scheduler config.SchedulerConfig
	Accounts  []AccountSummary
	HTTPAddr  string
	Lock      string
}

type BrokerSummary struct {
	Kind         string
	BaseURL      string
	MarketSource string
	MarketGuard  bool
}

// AccountSummary shows the effective guard settings of one active account.
type AccountSummary struct {
	UserID      string
	ChatID      string
	Drawdown    config.DrawdownConfig
	MarketGuard config.MarketGuardConfig
}

func buildSummary(cfg *config.Config, registry *accounts.Registry, quotes bool) *StartupSummary {
	s := &StartupSummary{
		Broker: BrokerSummary{
			Kind:         cfg.Broker.Kind,
			BaseURL:      cfg.Broker.BaseURL,
			MarketSource: cfg.Market.Source,
			MarketGuard:  quotes,
		},
		Scheduler: cfg.Scheduler,
		HTTPAddr:  cfg.App.HTTPAddr,
		Lock:      "local",
	}
	if cfg.Lock.Enabled {
		s.Lock = "redis " + cfg.Lock.Redis.Addr
	}
	for _, acct := range registry.Active() {
		s.Accounts = append(s.Accounts, AccountSummary{
			UserID:      acct.UserID,
			ChatID:      acct.ChatID,
			Drawdown:    acct.Drawdown(cfg.Drawdown),
			MarketGuard: acct.MarketGuard(cfg.MarketGuard),
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "STARTUP SUMMARY"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[BROKER]")
	fmt.Fprintf(w, "  kind:          %s\n", orDash(s.Broker.Kind))
	fmt.Fprintf(w, "  base url:      %s\n", orDash(s.Broker.BaseURL))
	fmt.Fprintf(w, "  market source: %s\n", orDash(s.Broker.MarketSource))
	if !s.Broker.MarketGuard {
		fmt.Fprintln(w, "  market guard:  off (no quote feed)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[SCHEDULER]")
	fmt.Fprintf(w, "  interval:      %s\n", s.Scheduler.Interval())
	fmt.Fprintf(w, "  cycle timeout: %s\n", s.Scheduler.CycleTimeout())
	fmt.Fprintf(w, "  concurrency:   %d\n", s.Scheduler.MaxConcurrent)
	fmt.Fprintf(w, "  breaker:       %d failures\n", s.Scheduler.BreakerThreshold)
	fmt.Fprintf(w, "  lock:          %s\n", s.Lock)
	fmt.Fprintf(w, "  status api:    %s\n", orDash(s.HTTPAddr))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[ACCOUNTS]")
	if len(s.Accounts) == 0 {
		fmt.Fprintln(w, "  (none active)")
	}
	for _, a := range s.Accounts {
		fmt.Fprintf(w, "  > %s (chat: %s)\n", a.UserID, orDash(a.ChatID))
		fmt.Fprintf(w, "    drawdown: warn %.2f%% / max %.2f%% / floor %.2f\n",
			a.Drawdown.WarningThresholdPercent, a.Drawdown.MaxDrawdownPercent, a.Drawdown.MinEquityFloor)
		if a.MarketGuard.Enabled {
			fmt.Fprintf(w, "    market:   gap %.2f%% / spread %.2f%% / min %.2f lots\n",
				a.MarketGuard.GapPercent, a.MarketGuard.SpreadPercent, a.MarketGuard.MinLiquidityVolumeLots)
		} else {
			fmt.Fprintln(w, "    market:   off")
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
