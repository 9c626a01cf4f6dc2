package notifier

import (
	"context"

	"tradeguard/internal/domain"
)

// Notifier delivers user-facing alerts. Notify never blocks the caller and
// never reports delivery failures; they are logged.
type Notifier interface {
	Notify(userID, message string, severity domain.Severity)
}

// Sender pushes one rendered message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// ChatResolver maps a user onto the chat that receives their alerts.
type ChatResolver interface {
	ChatID(userID string) (string, bool)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, string, domain.Severity) {}
