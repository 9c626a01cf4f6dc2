package reconcile

import (
	"context"
	"errors"
	"math"
	"testing"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickyConnector struct{}

func (panickyConnector) GetAccountSnapshot(context.Context, broker.Credentials) (domain.BrokerAccount, error) {
	panic("decoder blew up")
}

func (panickyConnector) ClosePosition(context.Context, broker.Credentials, string) (domain.CloseOutcome, error) {
	return domain.CloseOutcome{}, nil
}

func validAccount() domain.BrokerAccount {
	return domain.BrokerAccount{
		Equity:  10000,
		Balance: 10000,
		Positions: []domain.BrokerPosition{
			eurusdPosition("100", 1, 1.1000),
		},
	}
}

func TestFetcher_Fetch(t *testing.T) {
	creds := broker.Credentials{AccountID: "acc-1"}
	paper := broker.NewPaperConnector()
	f := NewFetcher(paper, config.BrokerConfig{TimeoutSeconds: 2})

	t.Run("valid account", func(t *testing.T) {
		paper.SetAccount("acc-1", validAccount())
		acct, err := f.Fetch(context.Background(), creds)
		require.NoError(t, err)
		assert.Equal(t, 10000.0, acct.Equity)
		require.Len(t, acct.Positions, 1)
		assert.False(t, acct.FetchedAt.IsZero())
	})

	t.Run("timeout is broker unavailable", func(t *testing.T) {
		paper.FailFetch("acc-1", broker.ErrTimeout)
		defer paper.FailFetch("acc-1", nil)
		_, err := f.Fetch(context.Background(), creds)
		assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	})

	t.Run("rejection is broker unavailable", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), broker.Credentials{AccountID: "nobody"})
		assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
		assert.False(t, domain.IsValidation(err))
	})

	t.Run("cancelled caller", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Fetch(ctx, creds)
		assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		pf := NewFetcher(panickyConnector{}, config.BrokerConfig{})
		_, err := pf.Fetch(context.Background(), creds)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
		assert.Contains(t, err.Error(), "decoder blew up")
	})
}

func TestValidateAccount(t *testing.T) {
	cases := []struct {
		name  string
		field string
		edit  func(a *domain.BrokerAccount)
	}{
		{"negative equity", "equity", func(a *domain.BrokerAccount) { a.Equity = -1 }},
		{"nan balance", "balance", func(a *domain.BrokerAccount) { a.Balance = math.NaN() }},
		{"empty ticket", "ticket", func(a *domain.BrokerAccount) { a.Positions[0].TicketID = " " }},
		{"duplicate ticket", "ticket", func(a *domain.BrokerAccount) {
			a.Positions = append(a.Positions, a.Positions[0])
		}},
		{"zero volume", "volume", func(a *domain.BrokerAccount) { a.Positions[0].Volume = 0 }},
		{"zero open price", "open_price", func(a *domain.BrokerAccount) { a.Positions[0].OpenPrice = 0 }},
		{"bad direction", "direction", func(a *domain.BrokerAccount) { a.Positions[0].Direction = "hold" }},
		{"empty symbol", "symbol", func(a *domain.BrokerAccount) { a.Positions[0].Symbol = "" }},
		{"infinite profit", "profit", func(a *domain.BrokerAccount) { a.Positions[0].Profit = math.Inf(1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acct := validAccount()
			tc.edit(&acct)
			err := ValidateAccount(acct)
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	assert.NoError(t, ValidateAccount(validAccount()))
	assert.NoError(t, ValidateAccount(domain.BrokerAccount{}))
}
