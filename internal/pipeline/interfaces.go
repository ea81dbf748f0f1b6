package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"prospector/internal/cost"
	"prospector/internal/dedup"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// TextCompleter is the text LLM surface the stages call.
type TextCompleter interface {
	Complete(ctx context.Context, prompt string, schema *providers.Schema) (json.RawMessage, error)
	Models() types.ModelSelections
	ReleaseRun(runID string)
}

// VisionAnalyzer analyzes screenshots into structured JSON.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, prompt string, images [][]byte, schema *providers.Schema) (json.RawMessage, error)
	Model() string
}

// MapsSearcher is the places provider surface.
type MapsSearcher interface {
	TextSearch(ctx context.Context, query, location string, radiusM int) ([]types.Candidate, error)
	PlaceDetails(ctx context.Context, placeID string) (*types.DetailedCandidate, error)
}

// PageRenderer renders one URL in a headless browser.
type PageRenderer interface {
	Render(ctx context.Context, url string, vp providers.Viewport, timeout time.Duration) (*providers.RenderResult, error)
}

// Store is the repository surface the orchestrator writes through.
type Store interface {
	InsertProspect(p *types.Prospect) error
	LinkProspectToProject(link *types.ProjectProspect) error
	GetProjectConfig(projectID string) (*types.ProjectConfig, error)
	SaveProjectICPAndPrompts(projectID string, brief *types.Brief, prompts map[string]types.PromptSnapshot) error
	SaveProspectingConfig(projectID string, models *types.ModelSelections) error
	SaveDiscoveryQuery(q *types.DiscoveryQuery) error
	ListPreviousQueries(projectID string, limit int) ([]types.DiscoveryQuery, error)
	QueryExists(projectID, query string) (bool, error)
}

// Deduper resolves a candidate identity against prior work.
type Deduper interface {
	Check(id dedup.Identity, projectID, runID string) (dedup.Decision, error)
}

// BackupStore is the local-first durability surface.
type BackupStore interface {
	Save(p *types.Prospect) (string, error)
	MarkUploaded(path, dbID string) error
	MarkFailed(path string, err error) error
}

// PromptSet renders the templates captured for one run.
type PromptSet interface {
	Render(id string, vars map[string]string) (string, types.PromptSnapshot, error)
	Snapshots() map[string]types.PromptSnapshot
}

// CostMeter reads per-run spend totals.
type CostMeter interface {
	RunSnapshot(runID string) cost.Snapshot
	EndRun(runID string) cost.Snapshot
}
