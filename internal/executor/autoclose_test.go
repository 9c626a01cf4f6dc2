package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) GetAccountSnapshot(ctx context.Context, creds broker.Credentials) (domain.BrokerAccount, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(domain.BrokerAccount), args.Error(1)
}

func (m *MockConnector) ClosePosition(ctx context.Context, creds broker.Credentials, ticketID string) (domain.CloseOutcome, error) {
	args := m.Called(ctx, creds, ticketID)
	return args.Get(0).(domain.CloseOutcome), args.Error(1)
}

type MockClaims struct {
	mock.Mock
}

func (m *MockClaims) ClaimClose(ctx context.Context, userID, ticketID, tradeID, reason string, maxAttempts int, staleAfter time.Duration) (domain.CloseClaim, error) {
	args := m.Called(ctx, userID, ticketID, tradeID, reason, maxAttempts, staleAfter)
	return args.Get(0).(domain.CloseClaim), args.Error(1)
}

func (m *MockClaims) CompleteClose(ctx context.Context, userID string, claim domain.CloseClaim, evt domain.ReconciliationEvent) error {
	return m.Called(ctx, userID, claim, evt).Error(0)
}

func (m *MockClaims) FailClose(ctx context.Context, userID string, claim domain.CloseClaim, lastErr string, escalated bool) error {
	return m.Called(ctx, userID, claim, lastErr, escalated).Error(0)
}

func (m *MockClaims) ReleaseClose(ctx context.Context, userID string, claim domain.CloseClaim) error {
	return m.Called(ctx, userID, claim).Error(0)
}

func (m *MockClaims) RetryableClaims(ctx context.Context, userID string, maxAttempts int) ([]domain.CloseClaim, error) {
	args := m.Called(ctx, userID, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CloseClaim), args.Error(1)
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
	sevs []domain.Severity
}

func (c *captureNotifier) Notify(_ string, msg string, sev domain.Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	c.sevs = append(c.sevs, sev)
}

var (
	testCreds = broker.Credentials{AccountID: "acc-1"}
	testCfg   = config.ExecutorConfig{MaxCloseAttempts: 3, CloseTimeoutSeconds: 5}
)

func openTrade() *domain.TrackedTrade {
	return &domain.TrackedTrade{TradeID: "T1", UserID: "u1", State: domain.TradeMatched, BrokerTicket: "100"}
}

func TestClose_AlreadyClosedTradeMakesNoBrokerCall(t *testing.T) {
	conn := new(MockConnector)
	claims := new(MockClaims)
	ex := New(conn, claims, nil, testCfg)

	trade := openTrade()
	trade.State = domain.TradeClosed
	_, err := ex.Close(context.Background(), "u1", CloseRequest{Credentials: testCreds, TicketID: "100", Trade: trade})
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	conn.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything)
	claims.AssertNotCalled(t, "ClaimClose", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestClose_ClaimRefusalsMakeNoBrokerCall(t *testing.T) {
	for _, claimErr := range []error{domain.ErrConflict, domain.ErrAlreadyClosed} {
		conn := new(MockConnector)
		claims := new(MockClaims)
		claims.On("ClaimClose", mock.Anything, "u1", "100", "T1", "drawdown", 3, 10*time.Second).
			Return(domain.CloseClaim{}, claimErr)
		ex := New(conn, claims, nil, testCfg)

		_, err := ex.Close(context.Background(), "u1", CloseRequest{Credentials: testCreds, TicketID: "100", Trade: openTrade(), Reason: "drawdown"})
		assert.ErrorIs(t, err, claimErr)
		conn.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestClose_Success(t *testing.T) {
	conn := new(MockConnector)
	claims := new(MockClaims)
	n := &captureNotifier{}
	claim := domain.CloseClaim{UserID: "u1", TicketID: "100", TradeID: "T1", Reason: "drawdown", Status: domain.ClaimInProgress, Attempts: 1}
	outcome := domain.CloseOutcome{ClosePrice: 1961.3, RealizedPnL: -420, ClosedAt: time.Unix(1700000000, 0)}

	claims.On("ClaimClose", mock.Anything, "u1", "100", "T1", "drawdown", 3, 10*time.Second).Return(claim, nil)
	conn.On("ClosePosition", mock.Anything, testCreds, "100").Return(outcome, nil)
	claims.On("CompleteClose", mock.Anything, "u1", claim, mock.MatchedBy(func(evt domain.ReconciliationEvent) bool {
		return evt.EventType == domain.EventGuardClose && evt.TicketID == "100" && evt.TradeID == "T1" &&
			evt.CloseReason == "drawdown" && evt.ClosePrice == 1961.3 && evt.CycleID == "c1" && evt.Symbol == "XAUUSD"
	})).Return(nil)

	ex := New(conn, claims, n, testCfg)
	res, err := ex.Close(context.Background(), "u1", CloseRequest{
		Credentials: testCreds, TicketID: "100", Trade: openTrade(), Symbol: "XAUUSD", Reason: "drawdown", CycleID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "T1", res.TradeID)
	assert.Equal(t, -420.0, res.Outcome.RealizedPnL)
	claims.AssertExpectations(t)
	conn.AssertExpectations(t)
	require.Len(t, n.msgs, 1)
	assert.Equal(t, domain.SeverityInfo, n.sevs[0])
}

func TestClose_BrokerCallSurvivesCallerCancellation(t *testing.T) {
	conn := new(MockConnector)
	claims := new(MockClaims)
	claim := domain.CloseClaim{UserID: "u1", TicketID: "100", Attempts: 1}
	claims.On("ClaimClose", mock.Anything, "u1", "100", "", "market", 3, 10*time.Second).Return(claim, nil)
	conn.On("ClosePosition", mock.MatchedBy(func(ctx context.Context) bool {
		_, hasDeadline := ctx.Deadline()
		return ctx.Err() == nil && hasDeadline
	}), testCreds, "100").Return(domain.CloseOutcome{ClosePrice: 1}, nil)
	claims.On("CompleteClose", mock.Anything, "u1", claim, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := New(conn, claims, nil, testCfg)
	_, err := ex.Close(ctx, "u1", CloseRequest{Credentials: testCreds, TicketID: "100", Reason: "market"})
	require.NoError(t, err)
	conn.AssertExpectations(t)
}

func TestClose_FailureThenEscalation(t *testing.T) {
	brokerErr := &broker.RejectedError{Status: 409, Code: "market_closed", Message: "market is closed"}

	t.Run("below limit", func(t *testing.T) {
		conn := new(MockConnector)
		claims := new(MockClaims)
		n := &captureNotifier{}
		claim := domain.CloseClaim{UserID: "u1", TicketID: "100", TradeID: "T1", Attempts: 1}
		claims.On("ClaimClose", mock.Anything, "u1", "100", "T1", "drawdown", 3, 10*time.Second).Return(claim, nil)
		conn.On("ClosePosition", mock.Anything, testCreds, "100").Return(domain.CloseOutcome{}, brokerErr)
		claims.On("FailClose", mock.Anything, "u1", claim, brokerErr.Error(), false).Return(nil)

		ex := New(conn, claims, n, testCfg)
		_, err := ex.Close(context.Background(), "u1", CloseRequest{Credentials: testCreds, TicketID: "100", Trade: openTrade(), Reason: "drawdown"})
		var cf *domain.CloseFailedError
		require.ErrorAs(t, err, &cf)
		assert.Equal(t, 1, cf.Attempts)
		assert.False(t, cf.Escalated)
		assert.Empty(t, n.msgs)
		claims.AssertExpectations(t)
	})

	t.Run("at limit escalates", func(t *testing.T) {
		conn := new(MockConnector)
		claims := new(MockClaims)
		n := &captureNotifier{}
		claim := domain.CloseClaim{UserID: "u1", TicketID: "100", TradeID: "T1", Reason: "drawdown", Attempts: 3}
		claims.On("ClaimClose", mock.Anything, "u1", "100", "T1", "drawdown", 3, 10*time.Second).Return(claim, nil)
		conn.On("ClosePosition", mock.Anything, testCreds, "100").Return(domain.CloseOutcome{}, brokerErr)
		claims.On("FailClose", mock.Anything, "u1", claim, brokerErr.Error(), true).Return(nil)

		ex := New(conn, claims, n, testCfg)
		_, err := ex.Close(context.Background(), "u1", CloseRequest{Credentials: testCreds, TicketID: "100", Trade: openTrade(), Reason: "drawdown"})
		var cf *domain.CloseFailedError
		require.ErrorAs(t, err, &cf)
		assert.True(t, cf.Escalated)
		assert.Contains(t, cf.Error(), "manual action required")
		require.Len(t, n.msgs, 1)
		assert.Equal(t, domain.SeverityCritical, n.sevs[0])
		assert.Contains(t, n.msgs[0], "Manual action required")
	})
}

func TestClose_UnknownTicketReleasesClaim(t *testing.T) {
	conn := new(MockConnector)
	claims := new(MockClaims)
	claim := domain.CloseClaim{UserID: "u1", TicketID: "100", TradeID: "T1", Attempts: 1}
	claims.On("ClaimClose", mock.Anything, "u1", "100", "T1", "market", 3, 10*time.Second).Return(claim, nil)
	conn.On("ClosePosition", mock.Anything, testCreds, "100").
		Return(domain.CloseOutcome{}, &broker.RejectedError{Status: 404, Err: broker.ErrUnknownTicket})
	claims.On("ReleaseClose", mock.Anything, "u1", claim).Return(nil)

	ex := New(conn, claims, nil, testCfg)
	_, err := ex.Close(context.Background(), "u1", CloseRequest{Credentials: testCreds, TicketID: "100", Trade: openTrade(), Reason: "market"})
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	claims.AssertExpectations(t)
	claims.AssertNotCalled(t, "FailClose", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryFailed(t *testing.T) {
	conn := new(MockConnector)
	claims := new(MockClaims)
	failed := []domain.CloseClaim{
		{UserID: "u1", TicketID: "100", TradeID: "T1", Reason: "drawdown", Status: domain.ClaimFailed, Attempts: 1},
		{UserID: "u1", TicketID: "101", Reason: "market", Status: domain.ClaimFailed, Attempts: 2},
	}
	claims.On("RetryableClaims", mock.Anything, "u1", 3).Return(failed, nil)
	reacquired := failed[0]
	reacquired.Attempts = 2
	claims.On("ClaimClose", mock.Anything, "u1", "100", "T1", "drawdown", 3, 10*time.Second).Return(reacquired, nil)
	claims.On("ClaimClose", mock.Anything, "u1", "101", "", "market", 3, 10*time.Second).Return(domain.CloseClaim{}, domain.ErrConflict)
	conn.On("ClosePosition", mock.Anything, testCreds, "100").Return(domain.CloseOutcome{ClosePrice: 2}, nil)
	claims.On("CompleteClose", mock.Anything, "u1", reacquired, mock.Anything).Return(nil)

	ex := New(conn, claims, nil, testCfg)
	touched, err := ex.RetryFailed(context.Background(), "u1", testCreds, "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, touched)
	conn.AssertNumberOfCalls(t, "ClosePosition", 1)

	claims2 := new(MockClaims)
	claims2.On("RetryableClaims", mock.Anything, "u1", 3).Return(nil, errors.New("db down"))
	_, err = New(conn, claims2, nil, testCfg).RetryFailed(context.Background(), "u1", testCreds, "c3")
	assert.Error(t, err)
}
