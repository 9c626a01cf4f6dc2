package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/pkg/text"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4096

// HTTPConnector talks to the REST bridge in front of the trading terminal.
//
//	GET  /v1/accounts/{account}/snapshot
//	POST /v1/accounts/{account}/positions/{ticket}/close
//	GET  /v1/accounts/{account}/quotes/{symbol}
type HTTPConnector struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	limiter    *rate.Limiter
	now        func() time.Time
}

func NewHTTPConnector(cfg config.BrokerConfig) (*HTTPConnector, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("broker base_url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse broker base_url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPConnector{
		baseURL:    u,
		httpClient: &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		token:      strings.TrimSpace(cfg.APIToken),
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
	}, nil
}

// SetHTTPClient swaps the underlying client, mainly for tests.
func (c *HTTPConnector) SetHTTPClient(client *http.Client) {
	if c == nil || client == nil {
		return
	}
	c.httpClient = client
}

func (c *HTTPConnector) GetAccountSnapshot(ctx context.Context, creds Credentials) (domain.BrokerAccount, error) {
	body, err := c.doRequest(ctx, http.MethodGet, accountPath(creds, "snapshot"), creds)
	if err != nil {
		return domain.BrokerAccount{}, err
	}
	return parseAccount(body, c.now())
}

func (c *HTTPConnector) ClosePosition(ctx context.Context, creds Credentials, ticketID string) (domain.CloseOutcome, error) {
	path := accountPath(creds, "positions", ticketID, "close")
	body, err := c.doRequest(ctx, http.MethodPost, path, creds)
	if err != nil {
		return domain.CloseOutcome{}, err
	}
	res := gjson.ParseBytes(body)
	out := domain.CloseOutcome{
		ClosePrice:  res.Get("close_price").Float(),
		RealizedPnL: res.Get("profit").Float(),
		ClosedAt:    c.now(),
	}
	if ts := res.Get("closed_at").Int(); ts > 0 {
		out.ClosedAt = time.Unix(ts, 0)
	}
	return out, nil
}

func (c *HTTPConnector) Quote(ctx context.Context, creds Credentials, symbol string) (Quote, error) {
	body, err := c.doRequest(ctx, http.MethodGet, accountPath(creds, "quotes", symbol), creds)
	if err != nil {
		return Quote{}, err
	}
	res := gjson.ParseBytes(body)
	q := Quote{
		Symbol:      symbol,
		Bid:         res.Get("bid").Float(),
		Ask:         res.Get("ask").Float(),
		LastClose:   res.Get("last_close").Float(),
		CurrentOpen: res.Get("current_open").Float(),
		At:          c.now(),
	}
	if ts := res.Get("time").Int(); ts > 0 {
		q.At = time.Unix(ts, 0)
	}
	if ts := res.Get("session_open").Int(); ts > 0 {
		q.SessionOpen = time.Unix(ts, 0)
	}
	return q, nil
}

func accountPath(creds Credentials, parts ...string) []string {
	return append([]string{"v1", "accounts", creds.AccountID}, parts...)
}

func (c *HTTPConnector) doRequest(ctx context.Context, method string, path []string, creds Credentials) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("broker connector not initialized")
	}
	if strings.TrimSpace(creds.AccountID) == "" {
		return nil, domain.NewValidationError("account_id", creds.AccountID, "must not be empty")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrTimeout, err)
	}
	endpoint := c.baseURL.JoinPath(path...)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build broker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if creds.Token != "" {
		req.Header.Set("X-Account-Token", creds.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s %s", ErrConnection, resp.Status, text.Truncate(strings.TrimSpace(string(data)), maxErrorBody))
	}
	if resp.StatusCode >= 300 {
		return nil, rejected(resp.StatusCode, data)
	}
	if !gjson.ValidBytes(data) {
		return nil, domain.NewValidationError("body", text.Truncate(string(data), 128), "broker returned invalid JSON")
	}
	return data, nil
}

func rejected(status int, data []byte) *RejectedError {
	res := gjson.ParseBytes(data)
	re := &RejectedError{
		Status:  status,
		Code:    res.Get("code").String(),
		Message: res.Get("message").String(),
	}
	if re.Message == "" {
		re.Message = text.Truncate(strings.TrimSpace(string(data)), maxErrorBody)
	}
	if status == http.StatusNotFound || re.Code == "unknown_ticket" {
		re.Err = ErrUnknownTicket
	}
	return re
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

func parseAccount(body []byte, now time.Time) (domain.BrokerAccount, error) {
	res := gjson.ParseBytes(body)
	for _, field := range []string{"equity", "balance"} {
		if !res.Get(field).Exists() {
			return domain.BrokerAccount{}, domain.NewValidationError(field, nil, "missing from broker snapshot")
		}
	}
	acct := domain.BrokerAccount{
		Equity:            res.Get("equity").Float(),
		Balance:           res.Get("balance").Float(),
		MarginUsedPercent: res.Get("margin_used_percent").Float(),
		FetchedAt:         now,
	}
	var parseErr error
	res.Get("positions").ForEach(func(_, p gjson.Result) bool {
		dir, ok := domain.ParseDirection(p.Get("type").String())
		if !ok {
			parseErr = domain.NewValidationError("direction", p.Get("type").String(), "unknown position side")
			return false
		}
		pos := domain.BrokerPosition{
			TicketID:     p.Get("ticket").String(),
			Symbol:       p.Get("symbol").String(),
			Direction:    dir,
			Volume:       p.Get("volume").Float(),
			OpenPrice:    p.Get("open_price").Float(),
			CurrentPrice: p.Get("current_price").Float(),
			StopLoss:     p.Get("sl").Float(),
			TakeProfit:   p.Get("tp").Float(),
			Swap:         p.Get("swap").Float(),
			Profit:       p.Get("profit").Float(),
		}
		if ts := p.Get("open_time").Int(); ts > 0 {
			pos.OpenTime = time.Unix(ts, 0)
		}
		acct.Positions = append(acct.Positions, pos)
		return true
	})
	if parseErr != nil {
		return domain.BrokerAccount{}, parseErr
	}
	return acct, nil
}
