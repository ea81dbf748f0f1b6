// Package cost accumulates per-call USD spend and call counts across
// providers. Counters are kept globally for the process lifetime and
// per run; the global ledger persists to disk with debounced writes.
package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"prospector/internal/logging"
)

type contextKey struct{}

// WithRun returns a context carrying the run id so shared provider
// clients can attribute spend to the run that triggered the call.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKey{}, runID)
}

// RunFromContext extracts the run id, or "" when absent.
func RunFromContext(ctx context.Context) string {
	if val := ctx.Value(contextKey{}); val != nil {
		if id, ok := val.(string); ok {
			return id
		}
	}
	return ""
}

// Usage describes the billable units of a single provider call.
type Usage struct {
	Calls        int `json:"calls,omitempty"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	Images       int `json:"images,omitempty"`
}

// Totals holds accumulated counters for one aggregation key.
type Totals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

func (t *Totals) add(usd float64, u Usage) {
	calls := u.Calls
	if calls == 0 {
		calls = 1
	}
	t.Calls += int64(calls)
	t.InputTokens += int64(u.InputTokens)
	t.OutputTokens += int64(u.OutputTokens)
	t.USD += usd
}

// Snapshot is a copy of accumulated counters at a point in time.
type Snapshot struct {
	StartedAt   time.Time         `json:"started_at"`
	TotalCalls  int64             `json:"total_calls"`
	TotalUSD    float64           `json:"total_usd"`
	ByProvider  map[string]Totals `json:"by_provider"`
	ByOperation map[string]Totals `json:"by_operation"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		StartedAt:   time.Now().UTC(),
		ByProvider:  make(map[string]Totals),
		ByOperation: make(map[string]Totals),
	}
}

func (s Snapshot) copy() Snapshot {
	out := s
	out.ByProvider = copyTotals(s.ByProvider)
	out.ByOperation = copyTotals(s.ByOperation)
	return out
}

func copyTotals(src map[string]Totals) map[string]Totals {
	if src == nil {
		return nil
	}
	dst := make(map[string]Totals, len(src))
	for key, t := range src {
		dst[key] = t
	}
	return dst
}

// ledger is the persisted file shape.
type ledger struct {
	Version string   `json:"version"`
	Global  Snapshot `json:"global"`
}

// Tracker aggregates spend. Safe for concurrent writers.
type Tracker struct {
	mu       sync.Mutex
	filePath string
	global   Snapshot
	runs     map[string]*Snapshot
	dirty    bool
	logger   *logging.Logger
}

// NewTracker creates a tracker persisting its global ledger under
// dataDir. Existing ledger state is loaded so process restarts do not
// reset lifetime totals.
func NewTracker(dataDir string) (*Tracker, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dataDir, "cost_ledger.json"),
		global:   newSnapshot(),
		runs:     make(map[string]*Snapshot),
		logger:   logging.Get(logging.CategoryCost),
	}

	if err := t.Load(); err != nil {
		t.logger.Warn("cost ledger unreadable, starting fresh: %v", err)
	}
	return t, nil
}

// Load reads the persisted global ledger from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var l ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	t.global = l.Global
	if t.global.ByProvider == nil {
		t.global.ByProvider = make(map[string]Totals)
	}
	if t.global.ByOperation == nil {
		t.global.ByOperation = make(map[string]Totals)
	}
	if t.global.StartedAt.IsZero() {
		t.global.StartedAt = time.Now().UTC()
	}
	return nil
}

// Save writes the global ledger to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(ledger{Version: "1", Global: t.global}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Record adds one call's spend to the global counters and, when the
// context carries a run id, to that run's counters.
func (t *Tracker) Record(ctx context.Context, provider, operation string, usd float64, u Usage) {
	runID := RunFromContext(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	opKey := provider + "." + operation
	addTo(&t.global, provider, opKey, usd, u)
	if runID != "" {
		run, ok := t.runs[runID]
		if !ok {
			s := newSnapshot()
			run = &s
			t.runs[runID] = run
		}
		addTo(run, provider, opKey, usd, u)
	}

	logging.Cost("%s %s usd=%.6f in=%d out=%d", provider, operation, usd, u.InputTokens, u.OutputTokens)

	// Debounced persist so bursts of calls coalesce into one write.
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			if err := t.Save(); err != nil {
				t.logger.Error("cost ledger save failed: %v", err)
			}
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

func addTo(s *Snapshot, provider, opKey string, usd float64, u Usage) {
	calls := u.Calls
	if calls == 0 {
		calls = 1
	}
	s.TotalCalls += int64(calls)
	s.TotalUSD += usd

	p := s.ByProvider[provider]
	p.add(usd, u)
	s.ByProvider[provider] = p

	op := s.ByOperation[opKey]
	op.add(usd, u)
	s.ByOperation[opKey] = op
}

// Snapshot returns a copy of the global counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global.copy()
}

// RunSnapshot returns a copy of the counters for one run. Unknown run
// ids return an empty snapshot.
func (t *Tracker) RunSnapshot(runID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[runID]; ok {
		return run.copy()
	}
	return newSnapshot()
}

// EndRun returns the final counters for a run and releases its
// per-run state. Global counters are unaffected.
func (t *Tracker) EndRun(runID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[runID]; ok {
		out := run.copy()
		delete(t.runs, runID)
		return out
	}
	return newSnapshot()
}

// Close flushes the ledger.
func (t *Tracker) Close() error {
	return t.Save()
}
