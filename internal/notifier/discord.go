package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord rejects message content longer than this many characters.
const discordContentLimit = 2000

var errNoWebhook = errors.New("webhook URL is not set")

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// DiscordNotifier posts messages to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	// Username overrides the webhook's display name when set.
	Username string
	Client   *http.Client
}

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errNoWebhook
	}

	body, err := json.Marshal(discordMessage{Content: truncate(content, discordContentLimit), Username: d.Username})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	return nil
}

func (d *DiscordNotifier) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}

	return &http.Client{Timeout: 10 * time.Second}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}

	return string(r[:limit-1]) + "…"
}
