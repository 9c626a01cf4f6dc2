package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeguard/internal/accounts"
	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/metrics"
	"tradeguard/internal/pkg/circuit"
	"tradeguard/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, acct accounts.Account) (reconcile.CycleReport, error)
}

func (f *fakeSyncer) Sync(ctx context.Context, acct accounts.Account) (reconcile.CycleReport, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[acct.UserID]++
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return reconcile.CycleReport{CycleID: "c", UserID: acct.UserID, GuardState: domain.GuardNormal}, nil
	}
	return fn(ctx, acct)
}

func (f *fakeSyncer) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

type MockProber struct {
	mock.Mock
}

func (m *MockProber) Fetch(ctx context.Context, creds broker.Credentials) (domain.BrokerAccount, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(domain.BrokerAccount), args.Error(1)
}

type MockPeaks struct {
	mock.Mock
}

func (m *MockPeaks) ResetPeak(ctx context.Context, userID string) (domain.AccountState, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.AccountState), args.Error(1)
}

func testAccounts(t *testing.T, ids ...string) *accounts.Registry {
	t.Helper()
	var list []accounts.Account
	for _, id := range ids {
		list = append(list, accounts.Account{UserID: id, Broker: broker.Credentials{AccountID: "acc-" + id}})
	}
	reg, err := accounts.NewStatic(config.DrawdownConfig{WarningThresholdPercent: 15, MaxDrawdownPercent: 20}, list...)
	require.NoError(t, err)
	return reg
}

func newTestScheduler(t *testing.T, syncer Syncer, deps Deps, ids ...string) *Scheduler {
	t.Helper()
	deps.Syncer = syncer
	deps.Accounts = testAccounts(t, ids...)
	return New(config.SchedulerConfig{
		IntervalSeconds:     1,
		MaxConcurrent:       2,
		CycleTimeoutSeconds: 5,
		BreakerThreshold:    5,
		BackoffBaseSeconds:  10,
		BackoffMaxSeconds:   80,
	}, config.LockConfig{}, deps)
}

func brokerDown() error {
	return fmt.Errorf("fetch: %w", domain.ErrBrokerUnavailable)
}

func TestBackoff(t *testing.T) {
	base, max := 10*time.Second, 80*time.Second
	want := []time.Duration{0, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 80 * time.Second}
	for n, w := range want {
		assert.Equal(t, w, Backoff(base, max, n), "failures=%d", n)
	}
}

func TestRunUser_BreakerOpensOnBrokerFailuresOnly(t *testing.T) {
	syncer := &fakeSyncer{fn: func(context.Context, accounts.Account) (reconcile.CycleReport, error) {
		return reconcile.CycleReport{}, brokerDown()
	}}
	s := newTestScheduler(t, syncer, Deps{}, "u1")
	acct, _ := s.deps.Accounts.Get("u1")

	for i := 0; i < 4; i++ {
		s.runUser(context.Background(), acct)
	}
	st := s.state("u1")
	assert.Equal(t, circuit.StateClosed, st.breaker.State())
	assert.Equal(t, HealthDegraded, s.Status().Health)

	s.runUser(context.Background(), acct)
	assert.Equal(t, circuit.StateOpen, st.breaker.State())
	assert.Equal(t, HealthDown, s.Status().Health)

	// open breaker without probing: cycles are skipped
	s.runUser(context.Background(), acct)
	assert.Equal(t, 5, syncer.count("u1"))

	require.NoError(t, s.ResetBreaker("u1"))
	assert.Equal(t, circuit.StateClosed, st.breaker.State())
	assert.ErrorIs(t, s.ResetBreaker("nobody"), ErrUnknownUser)

	t.Run("validation errors never trip the breaker", func(t *testing.T) {
		syncer.mu.Lock()
		syncer.fn = func(context.Context, accounts.Account) (reconcile.CycleReport, error) {
			return reconcile.CycleReport{}, domain.NewValidationError("equity", -1, "bad")
		}
		syncer.mu.Unlock()
		for i := 0; i < 6; i++ {
			s.runUser(context.Background(), acct)
		}
		assert.Equal(t, circuit.StateClosed, st.breaker.State())
		us, ok := s.UserStatus("u1")
		require.True(t, ok)
		assert.Equal(t, 6, us.ConsecutiveFailures)
		assert.Contains(t, us.LastError, "equity")
	})
}

func TestRunUser_ProbeClosesBreaker(t *testing.T) {
	fail := true
	var mu sync.Mutex
	syncer := &fakeSyncer{fn: func(context.Context, accounts.Account) (reconcile.CycleReport, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return reconcile.CycleReport{}, brokerDown()
		}
		return reconcile.CycleReport{CycleID: "ok", Equity: 1000, GuardState: domain.GuardNormal}, nil
	}}
	prober := new(MockProber)
	s := newTestScheduler(t, syncer, Deps{Prober: prober}, "u1")
	s.threshold = 1
	s.probeEvery = time.Millisecond
	acct, _ := s.deps.Accounts.Get("u1")

	s.runUser(context.Background(), acct)
	st := s.state("u1")
	require.Equal(t, circuit.StateOpen, st.breaker.State())

	prober.On("Fetch", mock.Anything, acct.Broker).Return(domain.BrokerAccount{}, brokerDown()).Once()
	time.Sleep(5 * time.Millisecond)
	s.runUser(context.Background(), acct)
	assert.Equal(t, circuit.StateOpen, st.breaker.State())
	assert.Equal(t, 1, syncer.count("u1"))

	mu.Lock()
	fail = false
	mu.Unlock()
	prober.On("Fetch", mock.Anything, acct.Broker).Return(domain.BrokerAccount{Equity: 1000}, nil).Once()
	time.Sleep(5 * time.Millisecond)
	s.runUser(context.Background(), acct)
	assert.Equal(t, circuit.StateClosed, st.breaker.State())
	assert.Equal(t, 2, syncer.count("u1"))
	prober.AssertExpectations(t)

	us, ok := s.UserStatus("u1")
	require.True(t, ok)
	assert.Equal(t, "ok", us.LastCycleID)
	assert.Zero(t, us.ConsecutiveFailures)
}

func TestTick_BacksOffAfterBrokerFailure(t *testing.T) {
	syncer := &fakeSyncer{fn: func(context.Context, accounts.Account) (reconcile.CycleReport, error) {
		return reconcile.CycleReport{}, brokerDown()
	}}
	s := newTestScheduler(t, syncer, Deps{}, "u1")
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	s.wait()
	require.Equal(t, 1, syncer.count("u1"))

	s.Tick(context.Background())
	s.wait()
	assert.Equal(t, 1, syncer.count("u1"), "still backing off")

	us, _ := s.UserStatus("u1")
	assert.Equal(t, now.Add(10*time.Second), us.NextAttempt)

	now = now.Add(11 * time.Second)
	s.Tick(context.Background())
	s.wait()
	assert.Equal(t, 2, syncer.count("u1"))
}

func TestTick_BoundsConcurrentCycles(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	syncer := &fakeSyncer{fn: func(_ context.Context, acct accounts.Account) (reconcile.CycleReport, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return reconcile.CycleReport{CycleID: "c-" + acct.UserID, GuardState: domain.GuardNormal}, nil
	}}
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	s := newTestScheduler(t, syncer, Deps{}, users...)

	s.Tick(context.Background())
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	// the other three stay queued behind the pool
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	s.wait()
	assert.Equal(t, int32(2), peak.Load())
	for _, id := range users {
		assert.Equal(t, 1, syncer.count(id), "user %s", id)
	}
}

func TestTick_SkipsUserInFlightAndIsolatesPanics(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	syncer := &fakeSyncer{fn: func(ctx context.Context, acct accounts.Account) (reconcile.CycleReport, error) {
		switch acct.UserID {
		case "slow":
			started <- struct{}{}
			<-release
		case "boom":
			panic("bad payload")
		}
		return reconcile.CycleReport{CycleID: "c-" + acct.UserID, GuardState: domain.GuardNormal}, nil
	}}
	s := newTestScheduler(t, syncer, Deps{}, "slow", "boom", "fine")

	ctx, cancel := context.WithCancel(context.Background())
	s.Tick(ctx)
	<-started
	s.Tick(ctx)
	assert.Eventually(t, func() bool { return syncer.count("fine") >= 1 }, time.Second, 5*time.Millisecond)

	// the slow user's cycle survives the caller going away
	cancel()
	close(release)
	s.Shutdown()
	assert.Equal(t, 1, syncer.count("slow"))

	status := s.Status()
	byUser := map[string]UserStatus{}
	for _, u := range status.Users {
		byUser[u.UserID] = u
	}
	assert.Equal(t, "c-slow", byUser["slow"].LastCycleID)
	assert.Contains(t, byUser["boom"].LastError, "bad payload")
	assert.Zero(t, byUser["fine"].ConsecutiveFailures)
	assert.Equal(t, HealthDegraded, status.Health)
}

func TestResetPeak(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	syncer := &fakeSyncer{fn: func(context.Context, accounts.Account) (reconcile.CycleReport, error) {
		started <- struct{}{}
		<-release
		return reconcile.CycleReport{CycleID: "c", GuardState: domain.GuardCritical, PeakEquity: 10000}, nil
	}}
	peaks := new(MockPeaks)
	s := newTestScheduler(t, syncer, Deps{Peaks: peaks}, "u1")
	ctx := context.Background()

	_, err := s.ResetPeak(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)

	s.Tick(ctx)
	<-started
	_, err = s.ResetPeak(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrConflict)
	close(release)
	s.wait()

	peaks.On("ResetPeak", mock.Anything, "u1").Return(domain.AccountState{UserID: "u1", PeakEquity: 7900, GuardState: domain.GuardNormal}, nil).Once()
	state, err := s.ResetPeak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7900.0, state.PeakEquity)
	us, _ := s.UserStatus("u1")
	assert.Equal(t, domain.GuardNormal, us.GuardState)
	assert.Equal(t, 7900.0, us.PeakEquity)

	peaks.On("ResetPeak", mock.Anything, "u1").Return(domain.AccountState{}, domain.NewValidationError("user_id", "u1", "no snapshot")).Once()
	_, err = s.ResetPeak(ctx, "u1")
	assert.True(t, domain.IsValidation(err))
	peaks.AssertExpectations(t)
}

func TestRun_StopsOnCancel(t *testing.T) {
	syncer := &fakeSyncer{}
	s := newTestScheduler(t, syncer, Deps{}, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return syncer.count("u1") >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, HealthOK, s.Status().Health)
}

func TestHealthOf(t *testing.T) {
	closed, open := circuit.StateClosed.String(), circuit.StateOpen.String()
	assert.Equal(t, HealthOK, healthOf(nil))
	assert.Equal(t, HealthOK, healthOf([]UserStatus{{BreakerState: closed}}))
	assert.Equal(t, HealthDegraded, healthOf([]UserStatus{{BreakerState: closed}, {BreakerState: open}}))
	assert.Equal(t, HealthDegraded, healthOf([]UserStatus{{BreakerState: closed, ManualAction: true}}))
	assert.Equal(t, HealthDown, healthOf([]UserStatus{{BreakerState: open}, {BreakerState: open}}))
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, metrics.ResultSuccess, resultOf(nil))
	assert.Equal(t, metrics.ResultBrokerUnavailable, resultOf(brokerDown()))
	assert.Equal(t, metrics.ResultValidation, resultOf(domain.NewValidationError("x", 1, "bad")))
	assert.Equal(t, metrics.ResultRecording, resultOf(domain.NewRecordingFailure("u1", "record", errors.New("disk full"))))
	assert.Equal(t, metrics.ResultError, resultOf(errors.New("boom")))
}
