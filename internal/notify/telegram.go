package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shiftwatch/internal/poller"
)

// TelegramNotifier pushes payment notices through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notice channel.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// PaymentConfirmed sends a confirmation message.
func (n *TelegramNotifier) PaymentConfirmed(ctx context.Context, notice poller.Notice) error {
	return n.send(ctx, renderConfirmed(notice))
}

// PaymentFailed sends a failure message.
func (n *TelegramNotifier) PaymentFailed(ctx context.Context, notice poller.Notice) error {
	return n.send(ctx, renderFailed(notice))
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Debug().Msg("telegram notice sent")
	return nil
}

func renderConfirmed(notice poller.Notice) string {
	builder := strings.Builder{}
	builder.WriteString("[Payment confirmed]\n")
	builder.WriteString(fmt.Sprintf("Order: %s\n", notice.OrderID))
	builder.WriteString(fmt.Sprintf("Shift: %s\n", notice.ShiftID))
	if !notice.Amount.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s %s\n", notice.Amount.String(), notice.Coin))
	}
	return builder.String()
}

func renderFailed(notice poller.Notice) string {
	builder := strings.Builder{}
	builder.WriteString("[Payment failed]\n")
	builder.WriteString(fmt.Sprintf("Order: %s\n", notice.OrderID))
	builder.WriteString(fmt.Sprintf("Shift: %s\n", notice.ShiftID))
	if notice.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", notice.Reason))
	}
	return builder.String()
}

var _ poller.Notifier = (*TelegramNotifier)(nil)
