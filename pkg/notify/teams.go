package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redress-io/redress/pkg/config"
)

// TeamsChannel posts Office MessageCards to the tenant's Teams webhook.
type TeamsChannel struct {
	client *http.Client
}

// NewTeamsChannel creates the Teams webhook channel.
func NewTeamsChannel() *TeamsChannel {
	return &TeamsChannel{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel key used in tenant policies.
func (c *TeamsChannel) Name() string {
	return "teamsWebhook"
}

// Send posts a MessageCard with an OpenUri action when a payload link is
// present.
func (c *TeamsChannel) Send(ctx context.Context, n Notification, policy *config.NotificationPolicy) error {
	webhookURL := policy.WebhookURLs["teamsWebhook"]
	if webhookURL == "" {
		return fmt.Errorf("no teamsWebhook URL configured")
	}

	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    n.Subject,
		"themeColor": "0078D4",
		"title":      n.Subject,
		"text":       n.Message,
	}
	if n.PayloadLink != "" {
		card["potentialAction"] = []map[string]any{{
			"@type": "OpenUri",
			"name":  "View Details",
			"targets": []map[string]any{
				{"os": "default", "uri": n.PayloadLink},
			},
		}}
	}

	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal message card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build teams request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post teams webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("teams webhook returned status %d", resp.StatusCode)
	}
	return nil
}
