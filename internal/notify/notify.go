// Package notify sends operator notifications about enforcement actions.
// Telegram is the only backend; an unconfigured notifier discards messages.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tetherguard/tether/internal/netutil"
)

// Notifier delivers a short text message to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards all messages.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Telegram sends messages through the Bot API's sendMessage call.
type Telegram struct {
	http    *http.Client
	baseURL string
	token   string
	chatID  string
	timeout time.Duration
}

// NewTelegram builds a Telegram notifier. Returns Nop when token or chatID
// is empty, so callers never need to branch on configuration.
func NewTelegram(client *http.Client, token, chatID string) Notifier {
	if token == "" || chatID == "" {
		return Nop{}
	}
	if client == nil {
		client = netutil.NewClient(netutil.ClientConfig{})
	}
	return &Telegram{
		http:    client,
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		timeout: 10 * time.Second,
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Notify sends one message. Delivery failures are returned for logging but
// never block enforcement.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req := sendMessageRequest{ChatID: t.chatID, Text: text}
	if err := netutil.PostJSON(ctx, t.http, url, req, nil); err != nil {
		return fmt.Errorf("notify: telegram: %w", err)
	}
	return nil
}
