// Package notify dispatches notifications to the channels configured in
// a tenant's policy: Slack webhooks, Teams webhooks, and SMTP email.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redress-io/redress/pkg/config"
)

// Notification is one message to deliver.
type Notification struct {
	TenantID    string
	Group       string
	Subject     string
	Message     string
	PayloadLink string
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification, policy *config.NotificationPolicy) error
}

// policyLookup resolves a tenant's notification policy.
type policyLookup interface {
	TenantPolicyAny(tenantID string) (*config.TenantPolicyPack, error)
}

// Service fans a notification out to every channel in the tenant policy.
// Delivery is best-effort per channel; the send succeeds when at least
// one channel accepted it.
type Service struct {
	registry policyLookup
	channels map[string]Channel
	log      *slog.Logger
}

// NewService creates a notification service with the standard channels.
func NewService(registry policyLookup) *Service {
	s := &Service{
		registry: registry,
		channels: make(map[string]Channel),
		log:      slog.Default().With("component", "notify"),
	}
	s.Register(NewSlackChannel())
	s.Register(NewTeamsChannel())
	s.Register(NewEmailChannel())
	return s
}

// Register adds or replaces a channel by name.
func (s *Service) Register(ch Channel) {
	s.channels[ch.Name()] = ch
}

// Send delivers to every configured channel for the tenant.
func (s *Service) Send(ctx context.Context, tenantID, group, subject, message, payloadLink string) error {
	policy, err := s.registry.TenantPolicyAny(tenantID)
	if err != nil {
		return fmt.Errorf("no notification policy for tenant %s: %w", tenantID, err)
	}
	np := policy.Notifications

	if len(np.Channels) == 0 {
		s.log.Warn("No notification channels configured", "tenant_id", tenantID, "group", group)
		return nil
	}

	n := Notification{
		TenantID:    tenantID,
		Group:       group,
		Subject:     subject,
		Message:     message,
		PayloadLink: payloadLink,
	}

	sent := 0
	var lastErr error
	for _, name := range np.Channels {
		ch, ok := s.channels[name]
		if !ok {
			s.log.Warn("Unknown notification channel", "channel", name, "tenant_id", tenantID)
			continue
		}
		if err := ch.Send(ctx, n, &np); err != nil {
			s.log.Error("Notification channel failed",
				"channel", name, "tenant_id", tenantID, "error", err)
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 && lastErr != nil {
		return fmt.Errorf("all notification channels failed: %w", lastErr)
	}

	s.log.Info("Notification dispatched",
		"tenant_id", tenantID, "group", group, "channels_sent", sent)
	return nil
}
