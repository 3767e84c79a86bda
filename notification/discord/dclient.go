// File: notification/discord/dclient.go
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Alert is the structured event schema this core emits. Delivery transport is
// an external concern; this client happens to deliver over a Discord webhook.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Category  string    `json:"category"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// Client sends alerts to a Discord webhook.
type Client struct {
	webhookURL string
	HTTPClient *http.Client
	logger     *utilities.Logger
}

// DiscordMessage represents the structure for a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents an embed object in a Discord message.
type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO8601 timestamp
	Color       int    `json:"color,omitempty"`     // Decimal color code
}

func NewClient(webhookURL string, logger *utilities.Logger) *Client {
	if webhookURL == "" {
		logger.LogWarn("Discord Client: Webhook URL is empty. Alerts will not be sent.")
	} else {
		logger.LogInfo("Discord Client initialized with webhook URL.")
	}

	return &Client{
		webhookURL: webhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendMessage sends a simple text message to the configured webhook.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" {
		c.logger.LogDebug("Discord SendMessage: Webhook URL is not set, skipping.")
		return nil
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}
	return c.sendPayload(DiscordMessage{Content: message})
}

// SendAlert delivers a structured alert as a color-coded embed.
func (c *Client) SendAlert(alert Alert) error {
	if c.webhookURL == "" {
		c.logger.LogDebug("Discord SendAlert: Webhook URL is not set, skipping.")
		return nil
	}

	var color int
	switch alert.Severity {
	case SeverityWarning:
		color = 16776960 // Yellow
	case SeverityCritical, SeverityFatal:
		color = 15158332 // Red
	default:
		color = 3447003 // Blue
	}

	title := fmt.Sprintf("%s: %s", strings.ToUpper(string(alert.Severity)), alert.Category)
	if alert.Symbol != "" {
		title = fmt.Sprintf("%s [%s]", title, alert.Symbol)
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: alert.Details,
		Color:       color,
		Timestamp:   ts.Format(time.RFC3339),
	}
	return c.sendPayload(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendPayload is an internal helper to send the marshalled JSON payload.
func (c *Client) sendPayload(payload DiscordMessage) error {
	if c.webhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to marshal JSON: %v", err)
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "FibPilot/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to send HTTP request: %v", err)
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("discord API error: %s, failed to read response body", resp.Status)
	}
	c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Body: %s", resp.Status, string(bodyBytes))
	return fmt.Errorf("discord API error: %s, response: %s", resp.Status, string(bodyBytes))
}
