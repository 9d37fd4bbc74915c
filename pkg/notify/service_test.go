package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-io/redress/pkg/config"
)

// fakeRegistry serves one tenant policy.
type fakeRegistry struct {
	policy *config.TenantPolicyPack
}

func (f *fakeRegistry) TenantPolicyAny(tenantID string) (*config.TenantPolicyPack, error) {
	if f.policy != nil && f.policy.TenantID == tenantID {
		return f.policy, nil
	}
	return nil, config.ErrPackNotFound
}

func TestSlackChannelPostsBlocks(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel()
	err := ch.Send(context.Background(), Notification{
		TenantID:    "t1",
		Group:       "OpsTeam",
		Subject:     "High exception volume",
		Message:     "120 exceptions in the last hour",
		PayloadLink: "https://redress.example/exceptions/abc",
	}, &config.NotificationPolicy{
		WebhookURLs: map[string]string{"slackWebhook": server.URL},
	})
	require.NoError(t, err)

	assert.Equal(t, "High exception volume", got["text"])
	blocks := got["blocks"].([]any)
	require.Len(t, blocks, 2)

	first := blocks[0].(map[string]any)
	assert.Equal(t, "section", first["type"])
	text := first["text"].(map[string]any)["text"].(string)
	assert.Contains(t, text, "*High exception volume*")
	assert.Contains(t, text, "120 exceptions")

	link := blocks[1].(map[string]any)["text"].(map[string]any)["text"].(string)
	assert.Contains(t, link, "View Details")
	assert.Contains(t, link, "https://redress.example/exceptions/abc")
}

func TestSlackChannelRequiresWebhookURL(t *testing.T) {
	ch := NewSlackChannel()
	err := ch.Send(context.Background(), Notification{}, &config.NotificationPolicy{})
	assert.Error(t, err)
}

func TestTeamsChannelPostsMessageCard(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewTeamsChannel()
	err := ch.Send(context.Background(), Notification{
		Subject:     "Policy violation",
		Message:     "CRITICAL exception allowed without approval",
		PayloadLink: "https://redress.example/violations/1",
	}, &config.NotificationPolicy{
		WebhookURLs: map[string]string{"teamsWebhook": server.URL},
	})
	require.NoError(t, err)

	assert.Equal(t, "MessageCard", got["@type"])
	assert.Equal(t, "Policy violation", got["title"])

	actions := got["potentialAction"].([]any)
	require.Len(t, actions, 1)
	action := actions[0].(map[string]any)
	assert.Equal(t, "OpenUri", action["@type"])
	assert.Equal(t, "View Details", action["name"])
	target := action["targets"].([]any)[0].(map[string]any)
	assert.Equal(t, "https://redress.example/violations/1", target["uri"])
}

func TestTeamsChannelSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	ch := NewTeamsChannel()
	err := ch.Send(context.Background(), Notification{Subject: "x"}, &config.NotificationPolicy{
		WebhookURLs: map[string]string{"teamsWebhook": server.URL},
	})
	assert.Error(t, err)
}

func TestEmailChannelBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	ch := NewEmailChannel()
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := ch.Send(context.Background(), Notification{
		Group:       "BillingOps",
		Subject:     "Exception escalated",
		Message:     "Needs attention",
		PayloadLink: "https://redress.example/exceptions/x",
	}, &config.NotificationPolicy{
		RecipientsByGroup: map[string][]string{
			"BillingOps": {"billing-ops@example.com"},
		},
		SMTP: &config.SMTPConfig{Host: "smtp.example.com", Port: 587, User: "noreply@example.com", Password: "pw"},
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"billing-ops@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Exception escalated")
	assert.Contains(t, msg, "Needs attention")
	assert.Contains(t, msg, "View details: https://redress.example/exceptions/x")
}

func TestEmailChannelRequiresConfig(t *testing.T) {
	ch := NewEmailChannel()
	err := ch.Send(context.Background(), Notification{Group: "G"}, &config.NotificationPolicy{})
	assert.Error(t, err)

	err = ch.Send(context.Background(), Notification{Group: "G"}, &config.NotificationPolicy{
		SMTP: &config.SMTPConfig{Host: "smtp.example.com"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipients")
}

func TestServiceDispatchesToConfiguredChannels(t *testing.T) {
	var slackHits, teamsHits int
	slackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer slackServer.Close()
	teamsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamsHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer teamsServer.Close()

	registry := &fakeRegistry{policy: &config.TenantPolicyPack{
		TenantID: "t1",
		Domain:   "billing",
		Notifications: config.NotificationPolicy{
			Channels: []string{"slackWebhook", "teamsWebhook"},
			WebhookURLs: map[string]string{
				"slackWebhook": slackServer.URL,
				"teamsWebhook": teamsServer.URL,
			},
		},
	}}

	svc := NewService(registry)
	err := svc.Send(context.Background(), "t1", "OpsTeam", "subject", "message", "")
	require.NoError(t, err)
	assert.Equal(t, 1, slackHits)
	assert.Equal(t, 1, teamsHits)
}

func TestServiceSucceedsIfAnyChannelDelivers(t *testing.T) {
	teamsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer teamsServer.Close()

	registry := &fakeRegistry{policy: &config.TenantPolicyPack{
		TenantID: "t1",
		Domain:   "billing",
		Notifications: config.NotificationPolicy{
			Channels: []string{"slackWebhook", "teamsWebhook"},
			WebhookURLs: map[string]string{
				// Slack URL missing: that channel fails.
				"teamsWebhook": teamsServer.URL,
			},
		},
	}}

	svc := NewService(registry)
	assert.NoError(t, svc.Send(context.Background(), "t1", "OpsTeam", "s", "m", ""))
}

func TestServiceAllChannelsFail(t *testing.T) {
	registry := &fakeRegistry{policy: &config.TenantPolicyPack{
		TenantID: "t1",
		Domain:   "billing",
		Notifications: config.NotificationPolicy{
			Channels: []string{"slackWebhook"},
		},
	}}

	svc := NewService(registry)
	err := svc.Send(context.Background(), "t1", "OpsTeam", "s", "m", "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "all notification channels failed"))
}

func TestServiceUnknownTenant(t *testing.T) {
	svc := NewService(&fakeRegistry{})
	err := svc.Send(context.Background(), "ghost", "G", "s", "m", "")
	assert.Error(t, err)
}

func TestTruncateForSlack(t *testing.T) {
	long := strings.Repeat("a", maxBlockTextLength+100)
	out := truncateForSlack(long)
	assert.LessOrEqual(t, len(out), maxBlockTextLength+4)
	assert.True(t, strings.HasSuffix(out, "…"))
}
