// Package scheduler drives reconciliation cycles on a fixed interval with a
// bounded worker pool, per-user serialization, backoff and circuit breakers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/accounts"
	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/gateway/notifier"
	"tradeguard/internal/lock"
	"tradeguard/internal/logger"
	"tradeguard/internal/metrics"
	"tradeguard/internal/pkg/circuit"
	"tradeguard/internal/reconcile"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownUser is returned by admin operations for users not in the
// accounts file.
var ErrUnknownUser = errors.New("unknown user")

type Syncer interface {
	Sync(ctx context.Context, acct accounts.Account) (reconcile.CycleReport, error)
}

type AccountSource interface {
	Active() []accounts.Account
	Get(userID string) (accounts.Account, bool)
}

// Prober runs the out-of-band health check for an open breaker.
type Prober interface {
	Fetch(ctx context.Context, creds broker.Credentials) (domain.BrokerAccount, error)
}

type PeakResetter interface {
	ResetPeak(ctx context.Context, userID string) (domain.AccountState, error)
}

type Deps struct {
	Syncer   Syncer
	Accounts AccountSource
	Prober   Prober
	Peaks    PeakResetter
	Lock     lock.DistributedLock
	Notifier notifier.Notifier
	Metrics  *metrics.Metrics
}

type userState struct {
	breaker     *circuit.CircuitBreaker
	status      UserStatus
	nextAttempt time.Time
}

type Scheduler struct {
	deps         Deps
	interval     time.Duration
	cycleTimeout time.Duration
	lockTTL      time.Duration
	threshold    int
	probeEvery   time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	now          func() time.Time

	pool *errgroup.Group
	// dispatchers tracks tick goroutines still queuing into the pool.
	dispatchers sync.WaitGroup

	mu       sync.Mutex
	users    map[string]*userState
	inFlight map[string]bool
	stopping bool
}

func New(cfg config.SchedulerConfig, lockCfg config.LockConfig, deps Deps) *Scheduler {
	if deps.Lock == nil {
		deps.Lock = lock.NewNopLock()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	s := &Scheduler{
		deps:         deps,
		interval:     orDefault(cfg.Interval(), 10*time.Second),
		cycleTimeout: orDefault(cfg.CycleTimeout(), 60*time.Second),
		threshold:    cfg.BreakerThreshold,
		probeEvery:   cfg.ProbeInterval(),
		backoffBase:  orDefault(cfg.BackoffBase(), 10*time.Second),
		backoffMax:   orDefault(cfg.BackoffMax(), 80*time.Second),
		now:          time.Now,
		pool:         new(errgroup.Group),
		users:        make(map[string]*userState),
		inFlight:     make(map[string]bool),
	}
	if s.threshold <= 0 {
		s.threshold = 5
	}
	s.lockTTL = orDefault(lockCfg.TTL(), 2*s.cycleTimeout)
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 5
	}
	s.pool.SetLimit(limit)
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run ticks until ctx is cancelled, then waits for in-flight cycles. The
// first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Infof("scheduler: started interval=%s cycle_timeout=%s breaker_threshold=%d",
		s.interval, s.cycleTimeout, s.threshold)
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every eligible active account. Users already in flight or
// backing off are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	accts := s.deps.Accounts.Active()
	now := s.now()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	var batch []accounts.Account
	for _, acct := range accts {
		st := s.stateLocked(acct.UserID)
		if s.inFlight[acct.UserID] {
			logger.Debugf("scheduler: skip user=%s, previous cycle in flight", acct.UserID)
			continue
		}
		if st.breaker.State() == circuit.StateClosed && now.Before(st.nextAttempt) {
			logger.Debugf("scheduler: skip user=%s, backing off until %s", acct.UserID, st.nextAttempt.Format(time.RFC3339))
			continue
		}
		s.inFlight[acct.UserID] = true
		batch = append(batch, acct)
	}
	if len(batch) == 0 {
		s.mu.Unlock()
		return
	}
	s.dispatchers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.dispatchers.Done()
		for _, acct := range batch {
			acct := acct
			s.pool.Go(func() error {
				s.runUser(ctx, acct)
				return nil
			})
		}
	}()
}

// Shutdown stops new dispatches and waits for in-flight cycles.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	s.wait()
	logger.Infof("scheduler: stopped")
}

// wait blocks until every dispatched cycle has returned.
func (s *Scheduler) wait() {
	s.dispatchers.Wait()
	_ = s.pool.Wait()
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Scheduler) release(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

// stateLocked returns the user's state, creating it on first sight.
func (s *Scheduler) stateLocked(userID string) *userState {
	st, ok := s.users[userID]
	if ok {
		return st
	}
	cb := circuit.NewCircuitBreaker(userID, s.threshold, s.probeEvery)
	cb.SetStateChangeHandler(s.onBreakerChange)
	st = &userState{breaker: cb, status: UserStatus{UserID: userID}}
	s.users[userID] = st
	return st
}

func (s *Scheduler) state(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(userID)
}

func (s *Scheduler) onBreakerChange(userID string, from, to circuit.State) {
	logger.Warnf("scheduler: breaker user=%s %s -> %s", userID, from, to)
	s.deps.Metrics.SetBreakerOpen(userID, to != circuit.StateClosed)
	switch {
	case to == circuit.StateOpen && from == circuit.StateClosed:
		s.deps.Notifier.Notify(userID, "Account sync paused: the broker has been unreachable for several cycles.", domain.SeverityCritical)
	case to == circuit.StateClosed && from == circuit.StateHalfOpen:
		s.deps.Notifier.Notify(userID, "Account sync resumed.", domain.SeverityInfo)
	}
}

// runUser executes one cycle. It never panics and only touches the user's
// own status entry.
func (s *Scheduler) runUser(parent context.Context, acct accounts.Account) {
	userID := acct.UserID
	defer s.release(userID)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("scheduler: cycle panic user=%s: %v\n%s", userID, r, debug.Stack())
			s.finish(userID, reconcile.CycleReport{}, fmt.Errorf("cycle panic: %v", r), 0)
		}
	}()
	if s.isStopping() {
		return
	}

	// in-flight cycles outlive shutdown, bounded by the cycle timeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cycleTimeout)
	defer cancel()

	st := s.state(userID)
	if !st.breaker.Allow() {
		if !st.breaker.BeginProbe() {
			s.deps.Metrics.ObserveCycle(metrics.ResultSkipped, 0)
			return
		}
		if !s.probe(ctx, acct, st) {
			return
		}
	}

	locked, err := s.deps.Lock.TryLock(ctx, userID, s.lockTTL)
	if err != nil {
		logger.Warnf("scheduler: lock user=%s: %v", userID, err)
		s.deps.Metrics.ObserveCycle(metrics.ResultSkipped, 0)
		return
	}
	if !locked {
		logger.Debugf("scheduler: user=%s locked by another replica", userID)
		s.deps.Metrics.ObserveCycle(metrics.ResultSkipped, 0)
		return
	}
	defer func() {
		if err := s.deps.Lock.Unlock(context.WithoutCancel(ctx), userID); err != nil {
			logger.Warnf("scheduler: unlock user=%s: %v", userID, err)
		}
	}()

	start := s.now()
	report, err := s.deps.Syncer.Sync(ctx, acct)
	s.finish(userID, report, err, s.now().Sub(start))
}

// probe checks broker reachability for a half-open breaker. On success the
// breaker closes and the regular cycle runs.
func (s *Scheduler) probe(ctx context.Context, acct accounts.Account, st *userState) bool {
	if s.deps.Prober == nil {
		st.breaker.RecordFailure()
		return false
	}
	_, err := s.deps.Prober.Fetch(ctx, acct.Broker)
	if err != nil && !domain.IsValidation(err) {
		st.breaker.RecordFailure()
		s.mu.Lock()
		st.status.LastSync = s.now()
		st.status.LastError = "probe: " + err.Error()
		s.mu.Unlock()
		logger.Warnf("scheduler: probe failed user=%s: %v", acct.UserID, err)
		return false
	}
	st.breaker.RecordSuccess()
	logger.Infof("scheduler: probe succeeded user=%s", acct.UserID)
	return true
}

func (s *Scheduler) finish(userID string, report reconcile.CycleReport, err error, took time.Duration) {
	now := s.now()
	result := resultOf(err)
	s.deps.Metrics.ObserveCycle(result, took.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(userID)
	st.status.LastSync = now
	if report.CycleID != "" {
		st.status.LastCycleID = report.CycleID
	}

	if err == nil {
		st.breaker.RecordSuccess()
		st.nextAttempt = time.Time{}
		st.status.LastSuccess = now
		st.status.ConsecutiveFailures = 0
		st.status.LastError = ""
		st.status.GuardState = report.GuardState
		st.status.Equity = report.Equity
		st.status.PeakEquity = report.PeakEquity
		st.status.DrawdownPercent = report.DrawdownPercent
		st.status.ManualAction = report.ManualAction
		st.status.LastDuration = took
		return
	}

	st.status.ConsecutiveFailures++
	st.status.LastError = err.Error()
	if result == metrics.ResultBrokerUnavailable {
		st.breaker.RecordFailure()
		st.nextAttempt = now.Add(Backoff(s.backoffBase, s.backoffMax, st.breaker.Failures()))
	}
	logger.Errorf("scheduler: cycle failed user=%s result=%s failures=%d: %v",
		userID, result, st.status.ConsecutiveFailures, err)
}

func resultOf(err error) string {
	var rf *domain.RecordingFailure
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return metrics.ResultBrokerUnavailable
	case domain.IsValidation(err):
		return metrics.ResultValidation
	case errors.As(err, &rf):
		return metrics.ResultRecording
	default:
		return metrics.ResultError
	}
}

// Backoff is min(base*2^(n-1), max) for n consecutive broker failures.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ResetBreaker closes the user's breaker and clears backoff.
func (s *Scheduler) ResetBreaker(userID string) error {
	if _, ok := s.deps.Accounts.Get(userID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	s.mu.Lock()
	st := s.stateLocked(userID)
	st.nextAttempt = time.Time{}
	st.status.ConsecutiveFailures = 0
	s.mu.Unlock()
	st.breaker.Reset()
	s.deps.Metrics.SetBreakerOpen(userID, false)
	logger.Infof("scheduler: breaker reset user=%s", userID)
	return nil
}

// ResetPeak resets the user's peak equity to the last synced equity. It
// takes the same per-user locks as a cycle and returns ErrConflict while a
// cycle is running.
func (s *Scheduler) ResetPeak(ctx context.Context, userID string) (domain.AccountState, error) {
	if _, ok := s.deps.Accounts.Get(userID); !ok {
		return domain.AccountState{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	s.mu.Lock()
	if s.inFlight[userID] {
		s.mu.Unlock()
		return domain.AccountState{}, fmt.Errorf("cycle in flight for %s: %w", userID, domain.ErrConflict)
	}
	s.inFlight[userID] = true
	s.mu.Unlock()
	defer s.release(userID)

	locked, err := s.deps.Lock.TryLock(ctx, userID, s.lockTTL)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("lock %s: %w", userID, err)
	}
	if !locked {
		return domain.AccountState{}, fmt.Errorf("user %s locked by another replica: %w", userID, domain.ErrConflict)
	}
	defer func() {
		if err := s.deps.Lock.Unlock(context.WithoutCancel(ctx), userID); err != nil {
			logger.Warnf("scheduler: unlock user=%s: %v", userID, err)
		}
	}()

	state, err := s.deps.Peaks.ResetPeak(ctx, userID)
	if err != nil {
		return domain.AccountState{}, err
	}
	s.mu.Lock()
	st := s.stateLocked(userID)
	st.status.PeakEquity = state.PeakEquity
	st.status.GuardState = state.GuardState
	st.status.DrawdownPercent = 0
	s.mu.Unlock()
	return state, nil
}

// Status returns the board for every active account plus any user seen
// earlier, ordered by user id.
func (s *Scheduler) Status() Status {
	active := s.deps.Accounts.Active()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range active {
		s.stateLocked(acct.UserID)
	}
	out := Status{GeneratedAt: s.now(), Users: make([]UserStatus, 0, len(s.users))}
	for userID, st := range s.users {
		us := st.status
		us.UserID = userID
		us.BreakerState = st.breaker.State().String()
		us.InFlight = s.inFlight[userID]
		if !st.nextAttempt.IsZero() && st.nextAttempt.After(out.GeneratedAt) {
			us.NextAttempt = st.nextAttempt
		}
		out.Users = append(out.Users, us)
	}
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].UserID < out.Users[j].UserID })
	out.Health = healthOf(out.Users)
	return out
}

// UserStatus returns one user's entry.
func (s *Scheduler) UserStatus(userID string) (UserStatus, bool) {
	if _, ok := s.deps.Accounts.Get(userID); !ok {
		return UserStatus{}, false
	}
	for _, us := range s.Status().Users {
		if us.UserID == userID {
			return us, true
		}
	}
	return UserStatus{}, false
}
