// Package logging - call audit trail. When enabled, every external provider
// call leaves three ordered events (acquire, call, record) so the
// limiter-before-call and tracker-after-call sequence can be proven from the
// log. Events go to a JSONL file and to a bounded in-memory ring that tests
// and the debug endpoint read.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Provider call sequence -> one triple per external call
	AuditProviderAcquire AuditEventType = "provider_acquire"
	AuditProviderCall    AuditEventType = "provider_call"
	AuditProviderRecord  AuditEventType = "provider_record"

	// Run lifecycle
	AuditRunStart    AuditEventType = "run_start"
	AuditRunComplete AuditEventType = "run_complete"
	AuditRunAbort    AuditEventType = "run_abort"

	// Persistence
	AuditBackupWrite  AuditEventType = "backup_write"
	AuditBackupMove   AuditEventType = "backup_move"
	AuditStoreInsert  AuditEventType = "store_insert"
	AuditStoreLink    AuditEventType = "store_link"
	AuditDedupDecide  AuditEventType = "dedup_decide"
)

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	Operation  string                 `json:"op,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	CostUSD    float64                `json:"cost_usd,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

const auditRingSize = 1024

var (
	auditFile    *os.File
	auditMu      sync.Mutex
	auditEnabled bool
	auditRing    []AuditEvent
	auditNext    int
	auditCount   int
)

// InitAudit initializes the audit trail. No-op unless logging is enabled and
// the audit flag is set.
func InitAudit(enabled bool) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	auditEnabled = enabled
	if !enabled {
		return nil
	}
	auditRing = make([]AuditEvent, auditRingSize)
	auditNext = 0
	auditCount = 0

	if logsDir == "" {
		return nil // ring only, no file
	}
	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit trail started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
	auditEnabled = false
	auditRing = nil
}

// AuditEnabled reports whether the audit trail is active.
func AuditEnabled() bool {
	auditMu.Lock()
	defer auditMu.Unlock()
	return auditEnabled
}

// LogAudit records one audit event.
func LogAudit(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if !auditEnabled {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	if auditRing != nil {
		auditRing[auditNext] = event
		auditNext = (auditNext + 1) % auditRingSize
		if auditCount < auditRingSize {
			auditCount++
		}
	}

	if auditFile != nil {
		data, err := json.Marshal(event)
		if err == nil {
			auditFile.WriteString(string(data) + "\n")
		}
	}
}

// RecentAuditEvents returns up to n most recent events, oldest first.
func RecentAuditEvents(n int) []AuditEvent {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditRing == nil || auditCount == 0 {
		return nil
	}
	if n <= 0 || n > auditCount {
		n = auditCount
	}
	out := make([]AuditEvent, 0, n)
	start := (auditNext - n + auditRingSize) % auditRingSize
	for i := 0; i < n; i++ {
		out = append(out, auditRing[(start+i)%auditRingSize])
	}
	return out
}

// =============================================================================
// AUDIT CONVENIENCE METHODS
// =============================================================================

// AuditProviderAcquired records that the rate limiter admitted a call.
func AuditProviderAcquired(provider, operation string, waited time.Duration) {
	LogAudit(AuditEvent{
		EventType:  AuditProviderAcquire,
		Provider:   provider,
		Operation:  operation,
		Success:    true,
		DurationMs: waited.Milliseconds(),
	})
}

// AuditProviderCalled records the outcome of the external call itself.
func AuditProviderCalled(provider, operation string, elapsed time.Duration, success bool, errMsg string) {
	LogAudit(AuditEvent{
		EventType:  AuditProviderCall,
		Provider:   provider,
		Operation:  operation,
		Success:    success,
		DurationMs: elapsed.Milliseconds(),
		Error:      errMsg,
	})
}

// AuditProviderRecorded records that the cost tracker observed the call.
func AuditProviderRecorded(provider, operation string, usd float64) {
	LogAudit(AuditEvent{
		EventType: AuditProviderRecord,
		Provider:  provider,
		Operation: operation,
		Success:   true,
		CostUSD:   usd,
	})
}

// AuditRun records a run lifecycle event.
func AuditRun(eventType AuditEventType, runID string, fields map[string]interface{}) {
	LogAudit(AuditEvent{
		EventType: eventType,
		RunID:     runID,
		Success:   eventType != AuditRunAbort,
		Fields:    fields,
	})
}

// AuditDedup records a dedup decision for a candidate identity.
func AuditDedup(runID, company, decision string) {
	LogAudit(AuditEvent{
		EventType: AuditDedupDecide,
		RunID:     runID,
		Target:    company,
		Operation: decision,
		Success:   true,
	})
}
