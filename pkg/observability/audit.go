package observability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redress-io/redress/pkg/redact"
)

// AuditLogger appends agent decisions and tool attempts to per-tenant
// JSONL files. Entries pass through secret redaction before hitting
// disk. Append-only by construction.
type AuditLogger struct {
	dir string
	log *slog.Logger

	mu sync.Mutex
}

// NewAuditLogger creates an audit logger writing under dir.
func NewAuditLogger(dir string) (*AuditLogger, error) {
	if dir == "" {
		dir = filepath.Join("runtime", "audit")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLogger{
		dir: dir,
		log: slog.Default().With("component", "audit"),
	}, nil
}

// Log appends one audit entry for a tenant.
func (a *AuditLogger) Log(tenantID, kind string, data map[string]any) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"kind":      kind,
		"tenant_id": tenantID,
		"data":      redact.Map(data),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, tenantID+"_audit.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.log.Error("Failed to open audit log", "tenant_id", tenantID, "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		a.log.Error("Failed to marshal audit entry", "tenant_id", tenantID, "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		a.log.Error("Failed to write audit entry", "tenant_id", tenantID, "error", err)
	}
}
