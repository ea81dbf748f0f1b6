package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/dedup"
	"prospector/internal/prompt"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// fakeText injects text LLM behavior per test.
type fakeText struct {
	mu           sync.Mutex
	completeFunc func(prompt string, schema *providers.Schema) (json.RawMessage, error)
	calls        int
	released     []string
}

func (f *fakeText) Complete(ctx context.Context, promptText string, schema *providers.Schema) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	fn := f.completeFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, providers.Permanent("gemini", "complete", context.Canceled)
	}
	return fn(promptText, schema)
}

func (f *fakeText) Models() types.ModelSelections {
	return types.ModelSelections{TextModel: "test-text", FallbackModel: "test-fallback"}
}

func (f *fakeText) ReleaseRun(runID string) {
	f.mu.Lock()
	f.released = append(f.released, runID)
	f.mu.Unlock()
}

// fakeVision injects vision model behavior per test.
type fakeVision struct {
	analyzeFunc func(prompt string, images [][]byte) (json.RawMessage, error)
}

func (f *fakeVision) Analyze(ctx context.Context, promptText string, images [][]byte, schema *providers.Schema) (json.RawMessage, error) {
	if f.analyzeFunc == nil {
		return json.RawMessage(`{"field_confidence":{}}`), nil
	}
	return f.analyzeFunc(promptText, images)
}

func (f *fakeVision) Model() string { return "test-vision" }

// fakeMaps serves canned candidates, one batch per call.
type fakeMaps struct {
	mu          sync.Mutex
	batches     [][]types.Candidate
	searchErr   error
	details     map[string]*types.DetailedCandidate
	detailsErr  error
	searchCalls int
}

// TextSearch serves the canned batches, one per call; once they are
// exhausted an injected searchErr takes over.
func (f *fakeMaps) TextSearch(ctx context.Context, query, location string, radiusM int) ([]types.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if len(f.batches) == 0 {
		if f.searchErr != nil {
			return nil, f.searchErr
		}
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeMaps) PlaceDetails(ctx context.Context, placeID string) (*types.DetailedCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	if d, ok := f.details[placeID]; ok {
		copied := *d
		return &copied, nil
	}
	// Default details echo the search hit so tests only set details
	// when place-details must differ.
	return nil, providers.Permanent("maps", "details", context.Canceled)
}

// fakeRenderer returns one canned result for every page.
type fakeRenderer struct {
	mu      sync.Mutex
	result  *providers.RenderResult
	err     error
	renders []string
}

func (f *fakeRenderer) Render(ctx context.Context, url string, vp providers.Viewport, timeout time.Duration) (*providers.RenderResult, error) {
	f.mu.Lock()
	f.renders = append(f.renders, url)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		copied := *f.result
		copied.URL = url
		copied.FinalURL = url
		return &copied, nil
	}
	return &providers.RenderResult{URL: url, FinalURL: url, Status: providers.RenderOK, HTTPStatus: 200}, nil
}

// fakeStore records writes and injects failures.
type fakeStore struct {
	mu            sync.Mutex
	inserted      []*types.Prospect
	insertErr     error
	links         []*types.ProjectProspect
	linkErr       error
	projectCfg    *types.ProjectConfig
	projectCfgErr error
	savedBriefs   []*types.Brief
	savedModels   []*types.ModelSelections
	queries       []*types.DiscoveryQuery
	previous      []types.DiscoveryQuery
}

func (f *fakeStore) InsertProspect(p *types.Prospect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, p)
	return nil
}

func (f *fakeStore) LinkProspectToProject(link *types.ProjectProspect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	f.links = append(f.links, link)
	return nil
}

func (f *fakeStore) GetProjectConfig(projectID string) (*types.ProjectConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.projectCfgErr != nil {
		return nil, f.projectCfgErr
	}
	if f.projectCfg != nil {
		return f.projectCfg, nil
	}
	return &types.ProjectConfig{ProjectID: projectID}, nil
}

func (f *fakeStore) SaveProjectICPAndPrompts(projectID string, brief *types.Brief, prompts map[string]types.PromptSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedBriefs = append(f.savedBriefs, brief)
	return nil
}

func (f *fakeStore) SaveProspectingConfig(projectID string, models *types.ModelSelections) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedModels = append(f.savedModels, models)
	return nil
}

func (f *fakeStore) SaveDiscoveryQuery(q *types.DiscoveryQuery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return nil
}

func (f *fakeStore) ListPreviousQueries(projectID string, limit int) ([]types.DiscoveryQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previous, nil
}

func (f *fakeStore) QueryExists(projectID, query string) (bool, error) {
	return false, nil
}

// fakeDedup returns NewWork unless a decision function is injected.
type fakeDedup struct {
	checkFunc func(id dedup.Identity) (dedup.Decision, error)
}

func (f *fakeDedup) Check(id dedup.Identity, projectID, runID string) (dedup.Decision, error) {
	if f.checkFunc == nil {
		return dedup.Decision{Kind: dedup.NewWork}, nil
	}
	return f.checkFunc(id)
}

// fakeBackup records the local-first lifecycle per prospect.
type fakeBackup struct {
	mu       sync.Mutex
	saveErr  error
	saved    []string
	uploaded []string
	failed   []string
}

func (f *fakeBackup) Save(p *types.Prospect) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	path := "backup-" + p.CompanyName + ".json"
	f.saved = append(f.saved, path)
	return path, nil
}

func (f *fakeBackup) MarkUploaded(path, dbID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, path)
	return nil
}

func (f *fakeBackup) MarkFailed(path string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, path)
	return nil
}

// fakeCosts serves fixed per-run totals.
type fakeCosts struct {
	mu    sync.Mutex
	total float64
	ended []string
}

func (f *fakeCosts) RunSnapshot(runID string) cost.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cost.Snapshot{TotalUSD: f.total}
}

func (f *fakeCosts) EndRun(runID string) cost.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, runID)
	return cost.Snapshot{TotalUSD: f.total}
}

func testRegistry(t *testing.T) *prompt.Registry {
	t.Helper()
	reg, err := prompt.NewRegistry("")
	if err != nil {
		t.Fatalf("prompt registry: %v", err)
	}
	return reg
}

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

// newStageRun builds a minimal Run for stage-level tests. Orchestrator
// tests go through StartRun instead.
func newStageRun(t *testing.T, brief types.Brief) *Run {
	t.Helper()
	cfg := testAppConfig(t)
	parking, err := newParkingDetector(cfg.Pipeline.ParkingHosts, cfg.Pipeline.ParkingIndicators)
	if err != nil {
		t.Fatalf("parking detector: %v", err)
	}
	return &Run{
		id:                  "test-run",
		brief:               brief,
		text:                &fakeText{},
		repo:                &fakeStore{},
		prompts:             testRegistry(t).Current(),
		web:                 newWebFetcher(5 * time.Second),
		parking:             parking,
		maxPages:            cfg.Pipeline.MaxPagesPerSite,
		confidenceThreshold: cfg.Pipeline.ExtractionConfidenceThreshold,
		relatedIndustries:   cfg.Pipeline.RelatedIndustries,
		socialPlatforms:     cfg.Pipeline.SocialPlatforms,
		browserTimeout:      5 * time.Second,
		queue:               NewEventQueue(64),
		seenPlaces:          make(map[string]bool),
		promptSnaps:         make(map[string]types.PromptSnapshot),
	}
}

// drainEvents consumes the run's stream until it closes, with a hard
// test deadline so a stuck queue fails instead of hanging.
func drainEvents(t *testing.T, r *Run) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("run did not finish; got %d events", len(events))
		}
	}
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
