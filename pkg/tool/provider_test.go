package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-io/redress/pkg/models"
)

func httpToolDef(url string, extra models.JSONMap) *models.ToolDefinition {
	config := models.JSONMap{
		"description":  "test tool",
		"inputSchema":  map[string]any{"type": "object"},
		"outputSchema": map[string]any{"type": "object"},
		"authType":     "none",
		"endpointConfig": map[string]any{
			"url":    url,
			"method": "POST",
		},
	}
	for k, v := range extra {
		config[k] = v
	}
	return &models.ToolDefinition{
		ToolID: 1,
		Name:   "test-tool",
		Type:   "http",
		Config: config,
	}
}

func testProvider(host string) *HTTPProvider {
	return NewHTTPProvider(HTTPProviderConfig{
		AllowedDomains: []string{host},
		AllowedSchemes: []string{"http", "https"},
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
	})
}

func serverHost(server *httptest.Server) string {
	return strings.TrimPrefix(strings.Split(strings.TrimPrefix(server.URL, "http://"), ":")[0], "")
}

func TestHTTPProviderSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "etl", body["job"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	p := testProvider(serverHost(server))
	out, err := p.Execute(context.Background(), httpToolDef(server.URL, nil), models.JSONMap{"job": "etl"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["result"])
}

func TestHTTPProviderRetriesOn5xx(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"result":"recovered"}`))
	}))
	defer server.Close()

	p := testProvider(serverHost(server))
	out, err := p.Execute(context.Background(), httpToolDef(server.URL, nil), models.JSONMap{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out["result"])
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestHTTPProviderExhaustsRetriesOn5xx(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), httpToolDef(server.URL, nil), models.JSONMap{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	// initial attempt + 2 retries
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestHTTPProviderNoRetryOn4xx(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad input"}`))
	}))
	defer server.Close()

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), httpToolDef(server.URL, nil), models.JSONMap{})
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestHTTPProviderAuthErrorsRaiseImmediately(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), httpToolDef(server.URL, nil), models.JSONMap{})
	require.ErrorIs(t, err, ErrProviderAuth)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestHTTPProviderGETSendsQueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "etl", r.URL.Query().Get("job"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	def := httpToolDef(server.URL, nil)
	def.Config["endpointConfig"].(map[string]any)["method"] = "GET"

	p := testProvider(serverHost(server))
	out, err := p.Execute(context.Background(), def, models.JSONMap{"job": "etl"})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestHTTPProviderInjectsAPIKeyFromEnv(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	t.Setenv("TOOL_TEST_TOOL_API_KEY", "global-key")
	t.Setenv("TOOL_T1_TEST_TOOL_API_KEY", "tenant-key")

	def := httpToolDef(server.URL, nil)
	def.Config["authType"] = "api_key"
	tenant := "t1"
	def.TenantID = &tenant

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), def, models.JSONMap{})
	require.NoError(t, err)
	// Tenant-specific key wins over the global fallback.
	assert.Equal(t, "Bearer tenant-key", gotAuth)
}

func TestHTTPProviderMissingAPIKeyFailsBeforeDispatch(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer server.Close()

	def := httpToolDef(server.URL, nil)
	def.Config["authType"] = "api_key"
	def.Name = "nokey-tool"

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), def, models.JSONMap{})
	require.ErrorIs(t, err, ErrProviderAuth)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestHTTPProviderOAuthStubHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	def := httpToolDef(server.URL, nil)
	def.Config["authType"] = "oauth_stub"

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), def, models.JSONMap{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer stub_oauth_token", gotAuth)
}

func TestHTTPProviderURLValidationPreDispatch(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPProviderConfig{
		AllowedDomains: []string{"api.example.com"},
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
	})
	_, err := p.Execute(context.Background(), httpToolDef("http://localhost/x", nil), models.JSONMap{})
	require.ErrorIs(t, err, ErrURLValidation)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls), "no HTTP call must be made")
}

func TestHTTPProviderNonJSONResponseWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text response"))
	}))
	defer server.Close()

	p := testProvider(serverHost(server))
	out, err := p.Execute(context.Background(), httpToolDef(server.URL, nil), models.JSONMap{})
	require.NoError(t, err)
	assert.Equal(t, "plain text response", out["raw_response"])
}

func TestHTTPProviderMaxRetriesFromConfig(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	def := httpToolDef(server.URL, models.JSONMap{"maxRetries": float64(1)})

	p := testProvider(serverHost(server))
	_, err := p.Execute(context.Background(), def, models.JSONMap{})
	require.Error(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestDummyProviderEchoesInput(t *testing.T) {
	p := &DummyProvider{Delay: 0}
	def := &models.ToolDefinition{ToolID: 7, Name: "mock", Type: "workflow"}

	out, err := p.Execute(context.Background(), def, models.JSONMap{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "mock", out["tool_name"])
	assert.True(t, p.SupportsToolType("anything"))
}

func TestSupportsToolType(t *testing.T) {
	p := NewHTTPProvider(HTTPProviderConfig{})
	for _, typ := range []string{"http", "REST", "webhook", "https"} {
		assert.True(t, p.SupportsToolType(typ), typ)
	}
	assert.False(t, p.SupportsToolType("dummy"))
	assert.False(t, p.SupportsToolType("workflow"))
}
