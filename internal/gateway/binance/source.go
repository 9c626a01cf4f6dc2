// Package binance supplies market-guard quotes from Binance USDT-margined
// futures for brokers whose bridge cannot serve session prices.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/logger"
	symbolpkg "tradeguard/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

// Source implements broker.QuoteSource with the book ticker for bid/ask and
// the last two daily klines for the prior close and the current open.
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok || transport == nil {
		return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
	}
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout, Transport: transport.Clone()}
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

func (s *Source) Quote(ctx context.Context, _ broker.Credentials, symbol string) (broker.Quote, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return broker.Quote{}, domain.NewValidationError("symbol", symbol, "must not be empty")
	}
	clean := symbolpkg.Binance.ToExchange(symbol)

	tickers, err := s.client.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		return broker.Quote{}, fmt.Errorf("binance book ticker %s: %w", clean, wrapErr(err))
	}
	if len(tickers) == 0 || tickers[0] == nil {
		return broker.Quote{}, fmt.Errorf("binance book ticker %s: empty response", clean)
	}
	bt := tickers[0]

	kls, err := s.client.NewKlinesService().Symbol(clean).Interval("1d").Limit(2).Do(ctx)
	if err != nil {
		return broker.Quote{}, fmt.Errorf("binance daily klines %s: %w", clean, wrapErr(err))
	}
	if len(kls) < 2 || kls[0] == nil || kls[1] == nil {
		return broker.Quote{}, fmt.Errorf("binance daily klines %s: need 2 candles, got %d", clean, len(kls))
	}

	q := broker.Quote{
		Symbol:      symbol,
		Bid:         parseFloat(bt.BidPrice),
		Ask:         parseFloat(bt.AskPrice),
		LastClose:   parseFloat(kls[0].Close),
		CurrentOpen: parseFloat(kls[1].Open),
		SessionOpen: time.UnixMilli(kls[1].OpenTime),
		At:          s.now(),
	}
	logger.Debugf("binance: quote symbol=%s bid=%s ask=%s last_close=%s open=%s",
		clean, bt.BidPrice, bt.AskPrice, kls[0].Close, kls[1].Open)
	return q, nil
}

func wrapErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &broker.RejectedError{
			Status:  http.StatusBadRequest,
			Code:    strconv.FormatInt(apiErr.Code, 10),
			Message: apiErr.Message,
		}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", broker.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", broker.ErrConnection, err)
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}
