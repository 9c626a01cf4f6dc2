package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradeguard/internal/domain"
)

// PaperConnector is an in-memory broker for dry runs and tests. Closing a
// position removes it from the account and books its profit into balance.
type PaperConnector struct {
	mu         sync.Mutex
	accounts   map[string]domain.BrokerAccount
	quotes     map[string]Quote
	fetchErr   map[string]error
	closeErr   map[string]error
	closeCalls map[string]int
	now        func() time.Time
}

func NewPaperConnector() *PaperConnector {
	return &PaperConnector{
		accounts:   make(map[string]domain.BrokerAccount),
		quotes:     make(map[string]Quote),
		fetchErr:   make(map[string]error),
		closeErr:   make(map[string]error),
		closeCalls: make(map[string]int),
		now:        time.Now,
	}
}

func (p *PaperConnector) SetAccount(accountID string, acct domain.BrokerAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct.Positions = append([]domain.BrokerPosition(nil), acct.Positions...)
	p.accounts[accountID] = acct
}

func (p *PaperConnector) SetQuote(q Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[strings.ToUpper(q.Symbol)] = q
}

// FailFetch makes every snapshot call for the account return err until
// cleared with a nil err.
func (p *PaperConnector) FailFetch(accountID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fetchErr, accountID)
		return
	}
	p.fetchErr[accountID] = err
}

// FailClose makes closes of ticket fail with err until cleared.
func (p *PaperConnector) FailClose(ticketID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.closeErr, ticketID)
		return
	}
	p.closeErr[ticketID] = err
}

// CloseCalls returns how many close requests reached the broker for ticket.
func (p *PaperConnector) CloseCalls(ticketID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls[ticketID]
}

func (p *PaperConnector) GetAccountSnapshot(ctx context.Context, creds Credentials) (domain.BrokerAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.BrokerAccount{}, classifyTransportError(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fetchErr[creds.AccountID]; err != nil {
		return domain.BrokerAccount{}, err
	}
	acct, ok := p.accounts[creds.AccountID]
	if !ok {
		return domain.BrokerAccount{}, &RejectedError{Status: 404, Code: "unknown_account", Message: creds.AccountID}
	}
	acct.Positions = append([]domain.BrokerPosition(nil), acct.Positions...)
	acct.FetchedAt = p.now()
	return acct, nil
}

func (p *PaperConnector) ClosePosition(ctx context.Context, creds Credentials, ticketID string) (domain.CloseOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.CloseOutcome{}, classifyTransportError(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls[ticketID]++
	if err := p.closeErr[ticketID]; err != nil {
		return domain.CloseOutcome{}, err
	}
	acct, ok := p.accounts[creds.AccountID]
	if !ok {
		return domain.CloseOutcome{}, &RejectedError{Status: 404, Code: "unknown_account", Message: creds.AccountID}
	}
	for i, pos := range acct.Positions {
		if pos.TicketID != ticketID {
			continue
		}
		pnl := pos.Profit + pos.Swap
		acct.Balance += pnl
		acct.Positions = append(acct.Positions[:i:i], acct.Positions[i+1:]...)
		p.accounts[creds.AccountID] = acct
		return domain.CloseOutcome{ClosePrice: pos.CurrentPrice, RealizedPnL: pnl, ClosedAt: p.now()}, nil
	}
	return domain.CloseOutcome{}, &RejectedError{
		Status:  404,
		Code:    "unknown_ticket",
		Message: fmt.Sprintf("ticket %s not open", ticketID),
		Err:     ErrUnknownTicket,
	}
}

func (p *PaperConnector) Quote(ctx context.Context, _ Credentials, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, classifyTransportError(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, &RejectedError{Status: 404, Code: "unknown_symbol", Message: symbol}
	}
	return q, nil
}
