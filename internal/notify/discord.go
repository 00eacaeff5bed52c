package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// Discord rejects messages whose content exceeds this many characters.
	discordContentLimit = 2000
	// Longest Retry-After the sender will sit through before giving up.
	discordMaxBackoff = 5 * time.Second
)

// DiscordSender posts ledger notifications to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender posting to webhookURL as the
// "infusion" webhook user.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "infusion",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordMentions struct {
	Parse []string `json:"parse"`
}

// discordMessage is the webhook body. Mentions are disabled so an address
// or amount can never ping anyone.
type discordMessage struct {
	Content         string          `json:"content"`
	Username        string          `json:"username,omitempty"`
	AllowedMentions discordMentions `json:"allowed_mentions"`
}

// Send posts title in bold with message in a code block beneath it, so
// addresses keep their width. A single 429 is retried after Retry-After.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordMessage{
		Content:         discordContent(title, message),
		Username:        d.username,
		AllowedMentions: discordMentions{Parse: []string{}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	wait, err := d.post(ctx, body)
	if err == nil || wait <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	_, err = d.post(ctx, body)
	return err
}

// post sends one request. On 429 it also returns how long Discord asked the
// caller to wait, capped at discordMaxBackoff.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0, err
	}
	secs, perr := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if perr != nil || secs <= 0 {
		return 0, err
	}
	return min(time.Duration(secs*float64(time.Second)), discordMaxBackoff), err
}

func discordContent(title, message string) string {
	content := "**" + title + "**"
	if message == "" {
		return content
	}
	const fence = "\n```\n"
	room := discordContentLimit - len(content) - 2*len(fence)
	if room <= len("…") {
		return content
	}
	if len(message) > room {
		message = message[:room-len("…")] + "…"
	}
	return content + fence + message + fence[:len(fence)-1]
}

func (d *DiscordSender) Name() string {
	return "discord"
}
