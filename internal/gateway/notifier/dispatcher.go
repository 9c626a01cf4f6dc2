package notifier

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/logger"
)

type job struct {
	userID   string
	message  string
	severity domain.Severity
	at       time.Time
}

// Dispatcher queues notifications and delivers them on a background
// goroutine. A full queue drops the message with a warning.
type Dispatcher struct {
	sender Sender
	chats  ChatResolver
	queue  chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

func NewDispatcher(sender Sender, chats ChatResolver, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		sender: sender,
		chats:  chats,
		queue:  make(chan job, queueSize),
		now:    time.Now,
	}
}

func (d *Dispatcher) Notify(userID, message string, severity domain.Severity) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		logger.Warnf("notifier: dispatcher closed, dropped user=%s severity=%s", userID, severity)
		return
	}
	select {
	case d.queue <- job{userID: userID, message: message, severity: severity, at: d.now()}:
	default:
		logger.Warnf("notifier: queue full, dropped user=%s severity=%s", userID, severity)
	}
}

// Start delivers queued messages on a background goroutine until Close is
// called. Each delivery is bounded by sendTimeout.
func (d *Dispatcher) Start(ctx context.Context, sendTimeout time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for j := range d.queue {
			d.deliver(ctx, j, sendTimeout)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, j job, timeout time.Duration) {
	chatID, ok := d.chats.ChatID(j.userID)
	if !ok {
		logger.Debugf("notifier: no chat for user=%s, message skipped", j.userID)
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	text := AlertMessage(j.userID, j.message, j.severity, j.at).RenderMarkdown()
	if err := d.sender.SendText(sendCtx, chatID, text); err != nil {
		logger.Errorf("notifier: delivery failed user=%s severity=%s: %v", j.userID, j.severity, err)
	}
}

// Close stops intake and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
