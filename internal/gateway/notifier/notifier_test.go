package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeguard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChats map[string]string

func (s staticChats) ChatID(userID string) (string, bool) {
	id, ok := s[userID]
	return id, ok
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (r *recordingSender) SendText(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[chatID] = append(r.sent[chatID], text)
	return nil
}

func TestTelegram_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["chat_id"])
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN")
	tg.Backoff = time.Millisecond
	require.NoError(t, tg.SendText(context.Background(), "42", "hello"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTelegram_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN")
	tg.Backoff = time.Millisecond
	err := tg.SendText(context.Background(), "42", "hello")
	assert.ErrorContains(t, err, "status=500")

	assert.Error(t, NewTelegram("", "").SendText(context.Background(), "42", "x"))
}

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, staticChats{"u1": "100"}, 8)
	d.Start(context.Background(), time.Second)

	d.Notify("u1", "Drawdown warning: 15.00% below peak", domain.SeverityWarning)
	d.Notify("u2", "no chat configured", domain.SeverityCritical)
	d.Close()

	require.Len(t, sender.sent["100"], 1)
	assert.Contains(t, sender.sent["100"][0], "Drawdown warning")
	assert.Contains(t, sender.sent["100"][0], "user: u1")
	assert.Contains(t, sender.sent["100"][0], "WARNING")

	// after close, Notify is a logged no-op
	d.Notify("u1", "late", domain.SeverityInfo)
	assert.Len(t, sender.sent["100"], 1)
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, staticChats{"u1": "100"}, 1)
	d.Notify("u1", "first", domain.SeverityInfo)
	d.Notify("u1", "second", domain.SeverityInfo)
	d.Start(context.Background(), time.Second)
	d.Close()
	require.Len(t, sender.sent["100"], 1)
	assert.Contains(t, sender.sent["100"][0], "first")
}

func TestRenderMarkdown_Truncates(t *testing.T) {
	long := make([]byte, maxStructuredMessageLen*2)
	for i := range long {
		long[i] = 'x'
	}
	out := AlertMessage("u1", string(long), domain.SeverityCritical, time.Time{}).RenderMarkdown()
	assert.LessOrEqual(t, len(out), maxStructuredMessageLen+3)
}
