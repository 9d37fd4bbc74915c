package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/redress-io/redress/pkg/config"
)

// EmailChannel sends plain-text email over SMTP. STARTTLS and login are
// both optional, per the tenant's SMTP configuration.
type EmailChannel struct {
	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates the SMTP email channel.
func NewEmailChannel() *EmailChannel {
	return &EmailChannel{send: smtp.SendMail}
}

// Name returns the channel key used in tenant policies.
func (c *EmailChannel) Name() string {
	return "email"
}

// Send emails the group's recipients.
func (c *EmailChannel) Send(_ context.Context, n Notification, policy *config.NotificationPolicy) error {
	if policy.SMTP == nil || policy.SMTP.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	recipients := policy.RecipientsByGroup[n.Group]
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients configured for group %q", n.Group)
	}

	cfg := policy.SMTP
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	from := cfg.User
	if from == "" {
		from = "noreply@redress.local"
	}

	body := n.Message
	if n.PayloadLink != "" {
		body += "\n\nView details: " + n.PayloadLink
	}

	msg := strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + n.Subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if cfg.User != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	if err := c.send(addr, auth, from, recipients, []byte(msg)); err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}
	return nil
}
