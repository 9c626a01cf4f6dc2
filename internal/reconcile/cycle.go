package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradeguard/internal/accounts"
	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/executor"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/gateway/notifier"
	"tradeguard/internal/guard"
	"tradeguard/internal/logger"
	"tradeguard/internal/metrics"
	"tradeguard/internal/pkg/symbol"
	"tradeguard/internal/store"

	"github.com/google/uuid"
)

// Closer is the auto-close executor as seen by the cycle.
type Closer interface {
	Close(ctx context.Context, userID string, req executor.CloseRequest) (*executor.ClosedResult, error)
	RetryFailed(ctx context.Context, userID string, creds broker.Credentials, cycleID string) ([]string, error)
}

// CycleReport summarizes one user cycle for the status board.
type CycleReport struct {
	CycleID         string
	UserID          string
	Equity          float64
	PeakEquity      float64
	DrawdownPercent float64
	GuardState      domain.GuardState
	Events          int
	Divergent       int
	Unmatched       int
	ClosedByBroker  int
	DrawdownAlert   domain.DrawdownAlertType
	MarketAlerts    int
	Closed          []string
	FailedCloses    []string
	ManualAction    bool
	Duration        time.Duration
}

// Syncer runs one reconciliation cycle for one user:
// fetch, match, classify, record, guard, notify, close.
type Syncer struct {
	fetcher    *Fetcher
	store      store.Store
	recorder   *Recorder
	matcher    *Matcher
	classifier *Classifier
	quotes     broker.QuoteSource
	closer     Closer
	notifier   notifier.Notifier
	metrics    *metrics.Metrics

	drawdown     config.DrawdownConfig
	market       config.MarketGuardConfig
	quoteTimeout time.Duration
	quoteMaxAge  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncer wires a Syncer. quotes may be nil, which disables the market
// guard.
func NewSyncer(cfg *config.Config, fetcher *Fetcher, st store.Store, rec *Recorder, quotes broker.QuoteSource,
	closer Closer, n notifier.Notifier, m *metrics.Metrics) *Syncer {
	if n == nil {
		n = notifier.Nop{}
	}
	quoteTimeout := cfg.Market.Timeout()
	if quoteTimeout <= 0 {
		quoteTimeout = 5 * time.Second
	}
	return &Syncer{
		fetcher:      fetcher,
		store:        st,
		recorder:     rec,
		matcher:      NewMatcher(cfg.Matching),
		classifier:   NewClassifier(cfg.Divergence, cfg.Matching),
		quotes:       quotes,
		closer:       closer,
		notifier:     n,
		metrics:      m,
		drawdown:     cfg.Drawdown,
		market:       cfg.MarketGuard,
		quoteTimeout: quoteTimeout,
		quoteMaxAge:  time.Duration(cfg.Market.QuoteMaxAgeSecs) * time.Second,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Sync runs one cycle. Errors are BrokerUnavailable (fetch), ValidationError
// (nothing written) or RecordingFailure. Close failures are reported in the
// CycleReport and do not fail the cycle.
func (s *Syncer) Sync(ctx context.Context, acct accounts.Account) (report CycleReport, err error) {
	start := s.now()
	userID := acct.UserID
	report = CycleReport{CycleID: uuid.NewString(), UserID: userID}
	log := logger.With("user_id", userID, "cycle_id", report.CycleID)
	defer func() { report.Duration = s.now().Sub(start) }()

	brokerAcct, err := s.fetcher.Fetch(ctx, acct.Broker)
	if err != nil {
		return report, err
	}

	prev, err := s.store.Accounts().Get(ctx, userID)
	if err != nil {
		return report, domain.NewRecordingFailure(userID, "load_state", err)
	}
	trades, err := s.store.Trades().ListPending(ctx, userID)
	if err != nil {
		return report, domain.NewRecordingFailure(userID, "load_trades", err)
	}
	prevPeak, prevState := 0.0, domain.GuardNormal
	if prev != nil {
		prevPeak, prevState = prev.PeakEquity, prev.GuardState
	}

	rec := s.reconcile(s.matcher.Match(brokerAcct.Positions, trades))

	peak := guard.NextPeak(prevPeak, brokerAcct.Equity)
	in := guard.DrawdownInput{
		Previous:      prevState,
		Peak:          peak,
		Equity:        brokerAcct.Equity,
		OpenPositions: len(brokerAcct.Positions),
	}
	decision, err := guard.NewDrawdownGuard(acct.Drawdown(s.drawdown)).Evaluate(in)
	if err != nil {
		return report, err
	}

	batch := CycleBatch{
		CycleID:     report.CycleID,
		Events:      rec.events,
		Transitions: rec.transitions,
		Snapshot: domain.AccountSnapshot{
			Equity:            brokerAcct.Equity,
			Balance:           brokerAcct.Balance,
			PeakEquity:        peak,
			DrawdownPercent:   decision.DrawdownPercent,
			OpenPositionCount: len(brokerAcct.Positions),
			TotalOpenVolume:   brokerAcct.TotalVolume(),
			UnrealizedPnL:     brokerAcct.UnrealizedPnL(),
			MarginUsedPercent: brokerAcct.MarginUsedPercent,
			GuardState:        decision.State,
			SyncedAt:          brokerAcct.FetchedAt,
		},
		State:       domain.AccountState{PeakEquity: peak, GuardState: decision.State},
		OpenTickets: brokerAcct.Tickets(),
	}
	if err := s.recorder.Record(ctx, userID, batch); err != nil {
		return report, err
	}
	report.Equity = brokerAcct.Equity
	report.PeakEquity = peak
	report.DrawdownPercent = decision.DrawdownPercent
	report.GuardState = decision.State
	report.Events = len(rec.events)
	report.Divergent = rec.divergent
	report.Unmatched = rec.unmatched
	report.ClosedByBroker = rec.closedByBroker
	for _, reason := range rec.reasons {
		s.metrics.Divergence(string(reason))
	}
	s.metrics.SetAccount(userID, brokerAcct.Equity, decision.DrawdownPercent)

	market := s.evaluateMarket(ctx, log, acct, brokerAcct.Positions)
	report.MarketAlerts = len(market.alerts)

	var ddAlert *domain.DrawdownAlert
	if decision.Alerting() {
		report.DrawdownAlert = decision.AlertType
		ddAlert = &domain.DrawdownAlert{
			AlertType:       decision.AlertType,
			DrawdownPercent: decision.DrawdownPercent,
			Equity:          brokerAcct.Equity,
			PeakEquity:      peak,
			PositionsCount:  len(brokerAcct.Positions),
			ActionTaken:     domain.ActionWarningSent,
			Reason:          decision.Reason,
		}
	}
	var recordErr error
	immediate := ddAlert
	if decision.CloseAll {
		// recorded below with the close outcome
		immediate = nil
	}
	if err := s.recorder.RecordAlerts(ctx, userID, report.CycleID, immediate, market.alerts); err != nil {
		log.Errorf("cycle: record alerts: %v", err)
		recordErr = err
	}

	s.notifyGuards(userID, decision, in, market)

	// closes must run to completion once decided
	closeCtx := context.WithoutCancel(ctx)
	retried, err := s.closer.RetryFailed(closeCtx, userID, acct.Broker, report.CycleID)
	if err != nil {
		log.Warnf("cycle: retry failed closes: %v", err)
	}

	items := closeItems(decision, brokerAcct.Positions, market.closes, rec.tradeByTicket, retried)
	if decision.CloseAll && decision.Countdown > 0 && len(items) > 0 {
		log.Warnf("cycle: %s critical, closing %d position(s) in %s",
			decision.Reason, len(items), decision.Countdown)
		if err := s.sleep(ctx, decision.Countdown); err != nil {
			log.Warnf("cycle: countdown cut short: %v", err)
		}
	}
	drawdownFailed := false
	for _, item := range items {
		item.req.Credentials = acct.Broker
		item.req.CycleID = report.CycleID
		_, err := s.closer.Close(closeCtx, userID, item.req)
		switch {
		case err == nil:
			report.Closed = append(report.Closed, item.req.TicketID)
			s.metrics.AutoClose(item.kind)
		case errors.Is(err, domain.ErrAlreadyClosed), errors.Is(err, domain.ErrConflict):
			log.Debugf("cycle: close skipped ticket=%s: %v", item.req.TicketID, err)
		default:
			report.FailedCloses = append(report.FailedCloses, item.req.TicketID)
			if item.drawdown {
				drawdownFailed = true
			}
			log.Errorf("cycle: close failed ticket=%s: %v", item.req.TicketID, err)
		}
	}

	if ddAlert != nil && decision.CloseAll {
		ddAlert.ActionTaken = domain.ActionPositionsClosed
		if drawdownFailed {
			ddAlert.ActionTaken = domain.ActionFailed
		}
		if err := s.recorder.RecordAlerts(closeCtx, userID, report.CycleID, ddAlert, nil); err != nil {
			log.Errorf("cycle: record drawdown outcome: %v", err)
			if recordErr == nil {
				recordErr = err
			}
		}
	}

	escalated, err := s.store.Claims().ListEscalated(closeCtx, userID)
	if err != nil {
		log.Warnf("cycle: list escalated claims: %v", err)
	}
	report.ManualAction = len(escalated) > 0

	log.Infof("cycle: equity=%.2f peak=%.2f dd=%.2f%% state=%s events=%d divergent=%d unmatched=%d closed=%d failed=%d",
		report.Equity, report.PeakEquity, report.DrawdownPercent, report.GuardState,
		report.Events, report.Divergent, report.Unmatched, len(report.Closed), len(report.FailedCloses))
	return report, recordErr
}

type reconciled struct {
	events         []domain.ReconciliationEvent
	transitions    []domain.TradeTransition
	tradeByTicket  map[string]*domain.TrackedTrade
	reasons        []domain.DivergenceReason
	divergent      int
	unmatched      int
	closedByBroker int
}

// reconcile turns matcher pairs into events and trade transitions. Every
// broker position yields exactly one event.
func (s *Syncer) reconcile(pairs []Pair) reconciled {
	out := reconciled{tradeByTicket: make(map[string]*domain.TrackedTrade)}
	for _, pair := range pairs {
		switch {
		case pair.Matched():
			out.bind(pair, s.classifier.Classify(pair))

		case pair.Orphan():
			if pair.Suspected {
				// a fill outside matching tolerance that still diverges
				// reportably is bound to its trade as a divergence
				if set := s.classifier.Classify(pair); !set.Clean() {
					out.bind(pair, set)
					continue
				}
			}
			evt := positionEvent(*pair.Position)
			evt.EventType = domain.EventUnmatchedPosition
			if pair.Suspected {
				t := pair.Trade
				evt.TradeID = t.TradeID
				evt.ExpectedVolume = t.ExpectedVolume
				evt.ExpectedEntryPrice = t.ExpectedEntryPrice
				if t.State != domain.TradeUnmatched {
					out.transitions = append(out.transitions, domain.TradeTransition{
						TradeID: t.TradeID, From: t.State, To: domain.TradeUnmatched,
					})
				}
			}
			out.unmatched++
			out.events = append(out.events, evt)

		case pair.Missing():
			t := pair.Trade
			out.events = append(out.events, domain.ReconciliationEvent{
				EventType:          domain.EventClosedByBroker,
				TicketID:           t.BrokerTicket,
				TradeID:            t.TradeID,
				Symbol:             t.Symbol,
				Direction:          t.Direction,
				ExpectedVolume:     t.ExpectedVolume,
				ExpectedEntryPrice: t.ExpectedEntryPrice,
			})
			out.transitions = append(out.transitions, domain.TradeTransition{
				TradeID: t.TradeID, From: t.State, To: domain.TradeClosed,
			})
			out.closedByBroker++
		}
	}
	return out
}

// bind records a position paired with its trade as matched or divergent and
// binds the trade to the position's ticket.
func (out *reconciled) bind(pair Pair, set domain.DivergenceSet) {
	p, t := pair.Position, *pair.Trade
	evt := positionEvent(*p)
	evt.TradeID = t.TradeID
	evt.Reasons = set
	evt.ExpectedVolume = t.ExpectedVolume
	evt.ExpectedEntryPrice = t.ExpectedEntryPrice
	next := domain.TradeMatched
	evt.EventType = domain.EventMatched
	if !set.Clean() {
		next = domain.TradeDivergent
		evt.EventType = domain.EventDivergence
		out.divergent++
		out.reasons = append(out.reasons, set...)
	}
	if t.State != next || !t.Bound() {
		tr := domain.TradeTransition{TradeID: t.TradeID, From: t.State, To: next}
		if !t.Bound() {
			tr.BrokerTicket = p.TicketID
		}
		out.transitions = append(out.transitions, tr)
	}
	t.State, t.BrokerTicket = next, p.TicketID
	out.tradeByTicket[p.TicketID] = &t
	out.events = append(out.events, evt)
}

func positionEvent(p domain.BrokerPosition) domain.ReconciliationEvent {
	return domain.ReconciliationEvent{
		TicketID:           p.TicketID,
		Symbol:             p.Symbol,
		Direction:          p.Direction,
		ObservedVolume:     p.Volume,
		ObservedOpenPrice:  p.OpenPrice,
		CurrentPrice:       p.CurrentPrice,
		ObservedTakeProfit: p.TakeProfit,
		ObservedStopLoss:   p.StopLoss,
	}
}

type marketOutcome struct {
	closes  map[string]string
	alerts  []domain.MarketConditionAlert
	reasons []string
}

// evaluateMarket runs the market guard per symbol. A symbol whose quote is
// unavailable, stale or malformed is skipped for this cycle.
func (s *Syncer) evaluateMarket(ctx context.Context, log *logger.Scoped, acct accounts.Account, positions []domain.BrokerPosition) marketOutcome {
	out := marketOutcome{closes: make(map[string]string)}
	cfg := acct.MarketGuard(s.market)
	if !cfg.Enabled || s.quotes == nil || len(positions) == 0 {
		return out
	}
	mg := guard.NewMarketGuard(cfg)

	bySymbol := make(map[string][]domain.BrokerPosition)
	var symbols []string
	for _, p := range positions {
		key := symbol.Canonical(p.Symbol)
		if _, ok := bySymbol[key]; !ok {
			symbols = append(symbols, key)
		}
		bySymbol[key] = append(bySymbol[key], p)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		group := bySymbol[sym]
		qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
		q, err := s.quotes.Quote(qctx, acct.Broker, group[0].Symbol)
		cancel()
		if err != nil {
			log.Warnf("cycle: quote unavailable symbol=%s: %v", sym, err)
			continue
		}
		if s.quoteMaxAge > 0 && !q.At.IsZero() && s.now().Sub(q.At) > s.quoteMaxAge {
			log.Warnf("cycle: stale quote symbol=%s age=%s", sym, s.now().Sub(q.At).Round(time.Second))
			continue
		}
		refs := make([]guard.PositionRef, 0, len(group))
		for _, p := range group {
			refs = append(refs, guard.PositionRef{PositionID: p.TicketID, Volume: p.Volume, OpenedAt: p.OpenTime})
		}
		dec, err := mg.EvaluateSymbol(guard.SymbolMarket{
			Symbol:      group[0].Symbol,
			Bid:         q.Bid,
			Ask:         q.Ask,
			LastClose:   q.LastClose,
			CurrentOpen: q.CurrentOpen,
			SessionOpen: q.SessionOpen,
			Positions:   refs,
		})
		if err != nil {
			log.Warnf("cycle: market guard skipped symbol=%s: %v", sym, err)
			continue
		}
		for ticket, reason := range dec.Close {
			out.closes[ticket] = reason
		}
		out.alerts = append(out.alerts, dec.Alerts...)
		if len(dec.Reasons) > 0 {
			msg := fmt.Sprintf("%s: %s", sym, strings.Join(uniqueStrings(dec.Reasons), "; "))
			if n := len(dec.Close); n > 0 {
				msg += fmt.Sprintf(". Closing %d position(s).", n)
			}
			out.reasons = append(out.reasons, msg)
		}
	}
	return out
}

func (s *Syncer) notifyGuards(userID string, decision guard.DrawdownDecision, in guard.DrawdownInput, market marketOutcome) {
	switch {
	case decision.AlertType == domain.DrawdownCritical:
		s.notifier.Notify(userID, decision.Message(in), domain.SeverityCritical)
		s.metrics.GuardTrigger("drawdown_critical")
	case decision.AlertType == domain.DrawdownWarning:
		s.notifier.Notify(userID, decision.Message(in), domain.SeverityWarning)
		s.metrics.GuardTrigger("drawdown_warning")
	case decision.Recovered:
		s.notifier.Notify(userID, decision.Message(in), domain.SeverityInfo)
	}
	for _, a := range market.alerts {
		s.metrics.GuardTrigger("market_" + string(a.AlertType))
	}
	for _, msg := range market.reasons {
		sev := domain.SeverityWarning
		if len(market.closes) > 0 {
			sev = domain.SeverityCritical
		}
		s.notifier.Notify(userID, "Market condition: "+msg, sev)
	}
}

type closeItem struct {
	req      executor.CloseRequest
	kind     string
	drawdown bool
}

// closeItems orders closes: drawdown closes first, then market closes not
// already queued. Tickets just handled by the retry pass are skipped.
func closeItems(decision guard.DrawdownDecision, positions []domain.BrokerPosition, marketCloses map[string]string,
	trades map[string]*domain.TrackedTrade, skip []string) []closeItem {
	skipped := make(map[string]bool, len(skip))
	for _, t := range skip {
		skipped[t] = true
	}
	sorted := make([]domain.BrokerPosition, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool { return lessID(sorted[i].TicketID, sorted[j].TicketID) })

	queued := make(map[string]bool)
	var out []closeItem
	add := func(p domain.BrokerPosition, reason, kind string, drawdown bool) {
		if queued[p.TicketID] || skipped[p.TicketID] {
			return
		}
		queued[p.TicketID] = true
		out = append(out, closeItem{
			req: executor.CloseRequest{
				TicketID: p.TicketID,
				Trade:    trades[p.TicketID],
				Symbol:   p.Symbol,
				Reason:   reason,
			},
			kind:     kind,
			drawdown: drawdown,
		})
	}
	if decision.CloseAll {
		for _, p := range sorted {
			add(p, decision.Reason, decision.Reason, true)
		}
	}
	for _, p := range sorted {
		if reason, ok := marketCloses[p.TicketID]; ok {
			add(p, "market: "+reason, "market", false)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
