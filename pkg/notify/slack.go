package notify

import (
	"context"
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/redress-io/redress/pkg/config"
)

const maxBlockTextLength = 2900

// SlackChannel posts Block Kit messages to the tenant's Slack webhook.
type SlackChannel struct{}

// NewSlackChannel creates the Slack webhook channel.
func NewSlackChannel() *SlackChannel {
	return &SlackChannel{}
}

// Name returns the channel key used in tenant policies.
func (c *SlackChannel) Name() string {
	return "slackWebhook"
}

// Send posts the notification as Block Kit sections with a
// "View Details" link when a payload link is present.
func (c *SlackChannel) Send(ctx context.Context, n Notification, policy *config.NotificationPolicy) error {
	webhookURL := policy.WebhookURLs["slackWebhook"]
	if webhookURL == "" {
		return fmt.Errorf("no slackWebhook URL configured")
	}

	body := fmt.Sprintf("*%s*\n\n%s", n.Subject, truncateForSlack(n.Message))
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false),
			nil, nil,
		),
	}
	if n.PayloadLink != "" {
		link := fmt.Sprintf("<%s|View Details>", n.PayloadLink)
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, link, false, false),
			nil, nil,
		))
	}

	msg := &goslack.WebhookMessage{
		Text:   n.Subject,
		Blocks: &goslack.Blocks{BlockSet: blocks},
	}
	if err := goslack.PostWebhookContext(ctx, webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "…"
}
