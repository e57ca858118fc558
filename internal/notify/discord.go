package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Embed colors per severity.
const (
	colorInfo  = 0x1976d2
	colorWarn  = 0xf57c00
	colorAlert = 0xd32f2f
)

// DiscordSender posts events as webhook embeds.
type DiscordSender struct {
	webhookURL string
	client     *retryablehttp.Client
}

// NewDiscordSender builds a sender for one webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.RetryMax = 2
	rc.Logger = nil
	return &DiscordSender{webhookURL: webhookURL, client: rc}
}

func (d *DiscordSender) Name() string { return "discord" }

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

// Send posts the event to the webhook.
func (d *DiscordSender) Send(ev Event) error {
	color := colorInfo
	switch ev.Severity {
	case SeverityWarn:
		color = colorWarn
	case SeverityAlert:
		color = colorAlert
	}
	payload, err := json.Marshal(map[string]any{
		"embeds": []discordEmbed{{
			Title:       ev.Title,
			Description: ev.Body,
			Color:       color,
			Timestamp:   ev.At.UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return err
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
