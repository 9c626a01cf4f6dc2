package statushttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradeguard/internal/pkg/text"
	"tradeguard/internal/scheduler"
)

// Client calls a running engine's status API. The CLI uses it for status
// and admin resets.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, fmt.Errorf("status api url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse status api url: %w", err)
	}
	return &Client{baseURL: u, httpClient: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (c *Client) SetHTTPClient(h *http.Client) {
	if h != nil {
		c.httpClient = h
	}
}

func (c *Client) Status(ctx context.Context) (scheduler.Status, error) {
	var out scheduler.Status
	err := c.do(ctx, http.MethodGet, &out, "api", "status")
	return out, err
}

func (c *Client) UserStatus(ctx context.Context, userID string) (UserDetail, error) {
	var out UserDetail
	err := c.do(ctx, http.MethodGet, &out, "api", "status", userID)
	return out, err
}

func (c *Client) ResetBreaker(ctx context.Context, userID string) (scheduler.UserStatus, error) {
	var out scheduler.UserStatus
	err := c.do(ctx, http.MethodPost, &out, "api", "accounts", userID, "breaker", "reset")
	return out, err
}

// PeakReset is the reset-peak response body.
type PeakReset struct {
	UserID     string  `json:"user_id"`
	PeakEquity float64 `json:"peak_equity"`
	GuardState string  `json:"guard_state"`
}

func (c *Client) ResetPeak(ctx context.Context, userID string) (PeakReset, error) {
	var out PeakReset
	err := c.do(ctx, http.MethodPost, &out, "api", "accounts", userID, "peak", "reset")
	return out, err
}

func (c *Client) do(ctx context.Context, method string, out any, path ...string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path...).String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, text.Truncate(string(body), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
