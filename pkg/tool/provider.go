package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/redact"
)

// Provider executes tool invocations against a backend.
type Provider interface {
	Execute(ctx context.Context, def *models.ToolDefinition, payload models.JSONMap) (models.JSONMap, error)
	SupportsToolType(toolType string) bool
}

// HTTPProviderConfig holds HTTP provider settings.
type HTTPProviderConfig struct {
	DefaultTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	AllowedDomains []string
	AllowedSchemes []string
}

// AllowedDomainsFromEnv reads the TOOL_ALLOWED_DOMAINS host allow-list.
// Unset means no allow-list enforcement, acceptable in development only;
// production deployments must set it.
func AllowedDomainsFromEnv() []string {
	raw := os.Getenv("TOOL_ALLOWED_DOMAINS")
	if raw == "" {
		return nil
	}
	var domains []string
	for _, d := range strings.Split(raw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

// HTTPProvider executes http-family tools (http, rest, webhook, https).
// The underlying client is shared across invocations and safe for
// concurrent use. Every log line goes through masked-header and
// redacted-payload views.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
	log    *slog.Logger
}

// NewHTTPProvider creates an HTTP provider with a shared client.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = []string{"https"}
	}
	return &HTTPProvider{
		cfg: cfg,
		client: &http.Client{
			// Per-request timeouts come from the request context; the
			// client-level timeout is a backstop.
			Timeout: cfg.DefaultTimeout + 10*time.Second,
		},
		log: slog.Default().With("component", "http-tool-provider"),
	}
}

// SupportsToolType reports whether the type dispatches over HTTP.
func (p *HTTPProvider) SupportsToolType(toolType string) bool {
	switch strings.ToLower(toolType) {
	case "http", "rest", "webhook", "https":
		return true
	}
	return false
}

// Execute runs the HTTP call with URL validation, auth injection, retry
// with linear backoff on transient failures, and no retry on 4xx.
func (p *HTTPProvider) Execute(ctx context.Context, def *models.ToolDefinition, payload models.JSONMap) (models.JSONMap, error) {
	cfg, err := models.ParseToolConfig(def.Type, def.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	endpoint := cfg.Endpoint

	if err := ValidateURL(endpoint.URL, p.cfg.AllowedDomains, p.cfg.AllowedSchemes); err != nil {
		return nil, err
	}

	headers, err := p.buildHeaders(def, cfg)
	if err != nil {
		return nil, err
	}

	timeout := p.cfg.DefaultTimeout
	if endpoint.TimeoutSeconds > 0 {
		timeout = time.Duration(endpoint.TimeoutSeconds * float64(time.Second))
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}

	log := p.log.With("tool_id", def.ToolID, "tool_name", def.Name, "method", method)
	log.Debug("Dispatching tool call",
		"url", endpoint.URL,
		"headers", redact.Headers(headers),
		"payload", redact.Map(payload))

	maxRetries := p.cfg.MaxRetries
	if cfg.MaxRetries > 0 {
		maxRetries = cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.RetryDelay * time.Duration(attempt+1)
			log.Warn("Retrying tool call", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		result, retryable, err := p.attempt(ctx, method, endpoint.URL, headers, payload, timeout, def.Name)
		if err == nil {
			log.Info("Tool call succeeded", "attempt", attempt+1,
				"response", redact.Map(result))
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("tool %q failed after %d attempts: %w", def.Name, maxRetries+1, lastErr)
}

// attempt performs one HTTP round trip. The second return value reports
// whether the failure is retryable (timeouts, connection errors, 5xx).
func (p *HTTPProvider) attempt(
	ctx context.Context,
	method, rawURL string,
	headers map[string]string,
	payload models.JSONMap,
	timeout time.Duration,
	toolName string,
) (models.JSONMap, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	requestURL := rawURL

	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, false, fmt.Errorf("%w: marshal payload: %v", ErrProvider, err)
		}
		body = bytes.NewReader(data)
	case http.MethodGet:
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		query := u.Query()
		for k, v := range payload {
			query.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = query.Encode()
		requestURL = u.String()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, requestURL, body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			return nil, true, fmt.Errorf("%w: tool %q after %s", ErrProviderTimeout, toolName, timeout)
		}
		return nil, true, fmt.Errorf("%w: request error for tool %q: %v", ErrProvider, toolName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read response for tool %q: %v", ErrProvider, toolName, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result models.JSONMap
		if err := json.Unmarshal(data, &result); err != nil {
			// Non-JSON responses are wrapped rather than rejected.
			result = models.JSONMap{
				"raw_response": string(data),
				"status_code":  resp.StatusCode,
			}
		}
		return result, false, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: tool %q rejected with status %d", ErrProviderAuth, toolName, resp.StatusCode)

	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: server error for tool %q (status %d)", ErrProvider, toolName, resp.StatusCode)

	default: // remaining 4xx: not retryable
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, false, fmt.Errorf("%w: tool %q returned status %d: %s", ErrProvider, toolName, resp.StatusCode, snippet)
	}
}

// buildHeaders merges endpoint headers with injected auth. API keys come
// from the environment and are never logged in raw form.
func (p *HTTPProvider) buildHeaders(def *models.ToolDefinition, cfg *models.ToolConfig) (map[string]string, error) {
	headers := make(map[string]string)
	for k, v := range cfg.Endpoint.Headers {
		headers[k] = v
	}

	switch cfg.AuthType {
	case models.AuthAPIKey:
		key := lookupAPIKey(def.Name, def.TenantID)
		if key == "" {
			return nil, fmt.Errorf("%w: API key for tool %q not found in environment (expected %s)",
				ErrProviderAuth, def.Name, envKeyName("", def.Name))
		}
		headers["Authorization"] = "Bearer " + key
	case models.AuthOAuthStub:
		headers["Authorization"] = "Bearer stub_oauth_token"
	}

	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}
	return headers, nil
}

// lookupAPIKey prefers the tenant-specific key and falls back to the
// global tool key.
func lookupAPIKey(toolName string, tenantID *string) string {
	if tenantID != nil {
		if key := os.Getenv(envKeyName(*tenantID, toolName)); key != "" {
			return key
		}
	}
	return os.Getenv(envKeyName("", toolName))
}

// envKeyName builds TOOL_<NAME>_API_KEY or TOOL_<TENANT>_<NAME>_API_KEY.
func envKeyName(tenantID, toolName string) string {
	normalize := func(s string) string {
		s = strings.ToUpper(s)
		replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
		return replacer.Replace(s)
	}
	if tenantID != "" {
		return "TOOL_" + normalize(tenantID) + "_" + normalize(toolName) + "_API_KEY"
	}
	return "TOOL_" + normalize(toolName) + "_API_KEY"
}

// DummyProvider returns mock responses without external calls. It
// supports every tool type and honors a configured delay.
type DummyProvider struct {
	Delay time.Duration
}

// NewDummyProvider creates a dummy provider with a small default delay.
func NewDummyProvider() *DummyProvider {
	return &DummyProvider{Delay: 100 * time.Millisecond}
}

// SupportsToolType always reports true.
func (p *DummyProvider) SupportsToolType(string) bool {
	return true
}

// Execute waits the configured delay and echoes the input.
func (p *DummyProvider) Execute(ctx context.Context, def *models.ToolDefinition, payload models.JSONMap) (models.JSONMap, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, ctx.Err())
		case <-time.After(p.Delay):
		}
	}
	return models.JSONMap{
		"status":         "success",
		"message":        fmt.Sprintf("dummy execution of tool %q", def.Name),
		"tool_id":        def.ToolID,
		"tool_name":      def.Name,
		"input_received": map[string]any(payload),
	}, nil
}
