package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAttempts = 3

// Telegram sends Markdown messages through the Bot API.
type Telegram struct {
	APIURL   string
	BotToken string
	Client   *http.Client
	// Backoff is the delay unit between attempts: attempt n waits n*Backoff.
	Backoff time.Duration
}

func NewTelegram(apiURL, botToken string) *Telegram {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &Telegram{
		APIURL:   apiURL,
		BotToken: botToken,
		Client:   &http.Client{Timeout: 15 * time.Second},
		Backoff:  time.Second,
	}
}

// SendText posts text to chatID, retrying up to 3 times.
func (t *Telegram) SendText(ctx context.Context, chatID, text string) error {
	if t.BotToken == "" || chatID == "" {
		return fmt.Errorf("telegram: bot token or chat id missing")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.APIURL, t.BotToken)

	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: encode payload: %w", err)
	}

	var lastErr error
	for i := 0; i < telegramAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * t.Backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("telegram: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	return lastErr
}
