package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"prospector/internal/cost"
	"prospector/internal/logging"
	"prospector/internal/types"
)

// TextLLM fronts the primary Gemini client with an optional
// OpenAI-compatible fallback. When the primary's quota is exhausted
// the run is pinned to the fallback; other runs are unaffected once
// their own calls succeed.
type TextLLM struct {
	primary  *GeminiTextClient
	fallback *OpenAICompatClient

	mu              sync.Mutex
	primaryDisabled map[string]bool
}

// NewTextLLM wires the facade. fallback may be nil.
func NewTextLLM(primary *GeminiTextClient, fallback *OpenAICompatClient) *TextLLM {
	return &TextLLM{
		primary:         primary,
		fallback:        fallback,
		primaryDisabled: make(map[string]bool),
	}
}

// Complete routes to the primary client, failing over per run on
// quota exhaustion or exhausted retries.
func (t *TextLLM) Complete(ctx context.Context, promptText string, schema *Schema) (json.RawMessage, error) {
	runID := cost.RunFromContext(ctx)

	if !t.isPrimaryDisabled(runID) {
		out, err := t.primary.Complete(ctx, promptText, schema)
		if err == nil {
			return out, nil
		}
		if IsQuotaExceeded(err) {
			t.disablePrimary(runID)
			logging.LLMWarn("primary text LLM quota exhausted for run %s, switching to fallback", runID)
		}
		if t.fallback == nil || ctx.Err() != nil {
			return nil, err
		}
		if !IsQuotaExceeded(err) && !IsTransient(err) {
			return nil, err
		}
		logging.LLMWarn("primary text LLM failed (%v), trying fallback", err)
	} else if t.fallback == nil {
		return nil, QuotaExceeded("llm.text", "complete", fmt.Errorf("primary quota exhausted and no fallback configured"))
	}

	return t.fallback.Complete(ctx, promptText, schema)
}

// Models reports the model selections for provenance snapshots.
func (t *TextLLM) Models() types.ModelSelections {
	sel := types.ModelSelections{TextModel: t.primary.Model()}
	if t.fallback != nil {
		sel.FallbackModel = t.fallback.Model()
	}
	return sel
}

// ReleaseRun drops per-run failover state.
func (t *TextLLM) ReleaseRun(runID string) {
	if runID == "" {
		return
	}
	t.mu.Lock()
	delete(t.primaryDisabled, runID)
	t.mu.Unlock()
}

// Close releases the primary client.
func (t *TextLLM) Close() error {
	return t.primary.Close()
}

func (t *TextLLM) isPrimaryDisabled(runID string) bool {
	if runID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primaryDisabled[runID]
}

func (t *TextLLM) disablePrimary(runID string) {
	if runID == "" {
		return
	}
	t.mu.Lock()
	t.primaryDisabled[runID] = true
	t.mu.Unlock()
}
