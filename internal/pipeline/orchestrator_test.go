package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"prospector/internal/dedup"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// queryLLM answers the query-optimization call; relevance calls reuse
// the same fake, so tests that keep relevance on inject their own.
func queryLLM() *fakeText {
	return &fakeText{completeFunc: func(promptText string, schema *providers.Schema) (json.RawMessage, error) {
		return json.RawMessage(`{"candidates":[{"query":"plumbing austin","location":"Austin, TX","score":1}]}`), nil
	}}
}

type orchFixture struct {
	text   *fakeText
	maps   *fakeMaps
	store  *fakeStore
	dedup  *fakeDedup
	backup *fakeBackup
	costs  *fakeCosts
	orch   *Orchestrator
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := &orchFixture{
		text:   queryLLM(),
		maps:   &fakeMaps{details: map[string]*types.DetailedCandidate{}},
		store:  &fakeStore{},
		dedup:  &fakeDedup{},
		backup: &fakeBackup{},
		costs:  &fakeCosts{},
	}
	orch, err := NewOrchestrator(Config{
		AppConfig: testAppConfig(t),
		Text:      f.text,
		Maps:      f.maps,
		Browser:   &fakeRenderer{},
		Repo:      f.store,
		Dedup:     f.dedup,
		Backup:    f.backup,
		Costs:     f.costs,
		Prompts:   testRegistry(t),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *orchFixture) addCandidate(placeID, name, website string) {
	f.maps.mu.Lock()
	defer f.maps.mu.Unlock()
	c := types.Candidate{PlaceID: placeID, Name: name, Website: website, Rating: 4.5, ReviewCount: 40}
	if len(f.maps.batches) == 0 {
		f.maps.batches = [][]types.Candidate{{}}
	}
	f.maps.batches[0] = append(f.maps.batches[0], c)
	f.maps.details[placeID] = &types.DetailedCandidate{Candidate: c}
}

// offlineOptions turns off the stages that need a browser so the
// orchestrator tests exercise the run loop, dedup, and persistence.
func offlineOptions() types.RunOptions {
	off := false
	return types.RunOptions{
		ScrapeWebsites: &off,
		ScrapeSocial:   &off,
		CheckRelevance: &off,
	}
}

func startRun(t *testing.T, f *orchFixture, req *types.RunRequest) (*Run, []Event) {
	t.Helper()
	r, err := f.orch.StartRun(context.Background(), req)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return r, drainEvents(t, r)
}

func TestRunHappyPath(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("p1", "Acme Plumbing", "")
	f.addCandidate("p2", "Bravo Plumbing", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"
	f.maps.details["p2"].Phone = "+1 512 555 0200"

	r, events := startRun(t, f, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", City: "Austin", Count: 2},
		Options: offlineOptions(),
	})

	if len(events) == 0 || events[0].Type != EventStarted {
		t.Fatal("first frame must be started")
	}
	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("last frame = %s, want complete", last.Type)
	}
	if got := len(eventsOfType(events, EventCompanyComplete)); got != 2 {
		t.Errorf("company_complete frames = %d, want 2", got)
	}

	s := r.Summary()
	if s.ProspectsPersisted != 2 || s.ProspectsEnriched != 2 {
		t.Errorf("summary = %+v", s)
	}
	if len(f.store.inserted) != 2 {
		t.Fatalf("inserted %d prospects, want 2", len(f.store.inserted))
	}
	for _, p := range f.store.inserted {
		if p.ID == "" || p.RunID != r.ID() {
			t.Errorf("prospect missing identity: id=%q run=%q", p.ID, p.RunID)
		}
		if p.Status != types.StatusProspected || p.Source != types.SourceName {
			t.Errorf("prospect provenance wrong: %+v", p)
		}
		if p.ScoreBreakdown == nil {
			t.Error("relevance off must still leave a rule-based score")
		}
	}

	// Local-first: every insert had a backup saved and marked uploaded.
	if len(f.backup.saved) != 2 || len(f.backup.uploaded) != 2 || len(f.backup.failed) != 0 {
		t.Errorf("backup lifecycle: saved=%d uploaded=%d failed=%d",
			len(f.backup.saved), len(f.backup.uploaded), len(f.backup.failed))
	}

	// Run teardown released per-run provider state.
	if len(f.costs.ended) != 1 || len(f.text.released) != 1 {
		t.Error("run must end cost attribution and release fallback state")
	}

	// The query history recorded how many prospects the batch added.
	if len(f.store.queries) != 1 || f.store.queries[0].NewProspectsAdded != 2 {
		t.Errorf("query history = %+v", f.store.queries)
	}
}

func TestRunSummaryPersisted(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("p1", "Acme Plumbing", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"

	r, _ := startRun(t, f, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", Count: 1},
		Options: offlineOptions(),
	})

	path := filepath.Join(r.backupRoot, "prospecting-engine", "runs", r.ID()+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("summary file: %v", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if s.RunID != r.ID() || s.ProspectsPersisted != 1 {
		t.Errorf("persisted summary = %+v", s)
	}
}

func TestRunInvalidBriefRejected(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.StartRun(context.Background(), &types.RunRequest{
		Brief: types.Brief{Count: 5}, // no industry or target
	})
	if err == nil {
		t.Fatal("StartRun must reject an empty brief")
	}
	_, err = f.orch.StartRun(context.Background(), &types.RunRequest{
		Brief: types.Brief{Industry: "plumbing", Count: types.MaxCount + 1},
	})
	if err == nil {
		t.Fatal("StartRun must reject an out-of-range count")
	}
}

func TestRunDedupOutcomesCountTowardGoal(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("contacted", "Contacted Co", "https://contacted.com")
	f.addCandidate("lead", "Lead Co", "https://lead.com")
	f.addCandidate("fresh", "Fresh Co", "")
	f.maps.details["fresh"].Phone = "+1 512 555 0300"

	existing := &types.Prospect{ID: "existing-1", CompanyName: "Lead Co"}
	f.dedup.checkFunc = func(id dedup.Identity) (dedup.Decision, error) {
		switch id.GooglePlaceID {
		case "contacted":
			return dedup.Decision{Kind: dedup.SkipContacted}, nil
		case "lead":
			return dedup.Decision{Kind: dedup.UseExistingProspect, Prospect: existing}, nil
		}
		return dedup.Decision{Kind: dedup.NewWork}, nil
	}

	r, events := startRun(t, f, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", Count: 3},
		Options: offlineOptions(),
	})

	s := r.Summary()
	if s.ProspectsSkipped != 1 || s.ProspectsReused != 1 || s.ProspectsPersisted != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(eventsOfType(events, EventSkipped)) != 1 {
		t.Error("skip must surface a skipped frame")
	}
	if len(eventsOfType(events, EventReused)) != 1 {
		t.Error("reuse must surface a reused frame")
	}
	// Only the fresh candidate reached the pipeline and the store.
	if len(f.store.inserted) != 1 || f.store.inserted[0].CompanyName != "Fresh Co" {
		t.Errorf("inserted = %+v", f.store.inserted)
	}
}

func TestRunLinkOnlyLinksWithoutReenrichment(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("known", "Known Co", "https://known.com")

	existing := &types.Prospect{ID: "existing-9", CompanyName: "Known Co", Status: types.StatusProspected}
	f.dedup.checkFunc = func(id dedup.Identity) (dedup.Decision, error) {
		return dedup.Decision{Kind: dedup.LinkOnly, Prospect: existing}, nil
	}

	r, events := startRun(t, f, &types.RunRequest{
		Brief: types.Brief{Industry: "plumbing", Count: 1},
		Options: types.RunOptions{
			ProjectID: "proj-1",
		},
	})

	s := r.Summary()
	if s.ProspectsLinked != 1 || s.ProspectsPersisted != 0 {
		t.Errorf("summary = %+v", s)
	}
	if len(eventsOfType(events, EventLinked)) != 1 {
		t.Error("link-only must surface a linked frame")
	}
	if len(f.store.links) != 1 || f.store.links[0].ProspectID != "existing-9" {
		t.Errorf("links = %+v", f.store.links)
	}
	if len(f.store.inserted) != 0 {
		t.Error("link-only must not insert a new prospect")
	}
}

func TestRunDatabaseOutageKeepsLocalBackup(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("p1", "Acme Plumbing", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"
	f.store.insertErr = errors.New("database is locked")

	r, events := startRun(t, f, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", Count: 1},
		Options: offlineOptions(),
	})

	// The run completes; the prospect survives only as a failed-upload
	// backup awaiting the retry command.
	if events[len(events)-1].Type != EventComplete {
		t.Fatal("database outage must not abort the run")
	}
	s := r.Summary()
	if s.ProspectsPersisted != 0 || s.ProspectsFound != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(f.backup.saved) != 1 || len(f.backup.failed) != 1 || len(f.backup.uploaded) != 0 {
		t.Errorf("backup lifecycle: saved=%d failed=%d uploaded=%d",
			len(f.backup.saved), len(f.backup.failed), len(f.backup.uploaded))
	}
}

func TestRunMapsQuotaAborts(t *testing.T) {
	f := newOrchFixture(t)
	f.maps.searchErr = providers.QuotaExceeded("maps", "textsearch", errors.New("OVER_QUERY_LIMIT"))

	_, events := startRun(t, f, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", Count: 2},
		Options: offlineOptions(),
	})

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last frame = %s, want error", last.Type)
	}
}

func TestRunDiscoveryExhaustionCompletesPartial(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("p1", "Only One Plumbing", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"
	// Asked for 5, the provider only ever has 1; the second batch is
	// empty and the run completes with what it found.

	r, events := startRun(t, f, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", Count: 5},
		Options: offlineOptions(),
	})

	if events[len(events)-1].Type != EventComplete {
		t.Fatal("exhaustion must complete, not error")
	}
	if s := r.Summary(); s.ProspectsPersisted != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunCancellationCompletesWithPartialCounts(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := f.orch.StartRun(ctx, &types.RunRequest{
		Brief:   types.Brief{Industry: "plumbing", Count: 2},
		Options: offlineOptions(),
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := drainEvents(t, r)

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("last frame = %s, want complete", last.Type)
	}
	if s := r.Summary(); !s.Cancelled {
		t.Error("summary must flag the cancellation")
	}
}

func TestRunProjectFirstRunLock(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("p1", "Acme Plumbing", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"
	f.store.projectCfg = &types.ProjectConfig{
		ProjectID: "proj-1",
		ICPBrief:  &types.Brief{Industry: "plumbing", City: "Austin", Exclusions: []string{"franchise"}},
	}

	opts := offlineOptions()
	opts.ProjectID = "proj-1"
	r, _ := startRun(t, f, &types.RunRequest{
		// Industry omitted: the project brief must fill it.
		Brief:   types.Brief{Target: "local plumbers", Count: 1},
		Options: opts,
	})

	if len(f.store.savedBriefs) != 1 {
		t.Fatalf("SaveProjectICPAndPrompts calls = %d, want 1", len(f.store.savedBriefs))
	}
	saved := f.store.savedBriefs[0]
	if saved.Industry != "plumbing" || saved.Target != "local plumbers" {
		t.Errorf("locked brief = %+v, want project fields merged under request fields", saved)
	}
	if len(f.store.savedModels) != 1 || f.store.savedModels[0].TextModel != "test-text" {
		t.Errorf("locked models = %+v", f.store.savedModels)
	}

	// The project link carries the merged-brief snapshot.
	if len(f.store.links) != 1 {
		t.Fatalf("links = %d, want 1", len(f.store.links))
	}
	link := f.store.links[0]
	if link.RunID != r.ID() || link.ICPBriefSnapshot == nil || link.ICPBriefSnapshot.Industry != "plumbing" {
		t.Errorf("link = %+v", link)
	}
}

func TestRunFilterIrrelevantDropsLowScores(t *testing.T) {
	f := newOrchFixture(t)
	f.addCandidate("p1", "Unrelated Widgets", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"

	// Relevance on, LLM down: rule-based scoring gives the unrelated
	// company a score far below the threshold.
	off := false
	r, events := startRun(t, f, &types.RunRequest{
		Brief: types.Brief{Industry: "plumbing", Count: 1},
		Options: types.RunOptions{
			ScrapeWebsites:   &off,
			ScrapeSocial:     &off,
			FilterIrrelevant: true,
		},
	})

	if events[len(events)-1].Type != EventComplete {
		t.Fatal("run must complete")
	}
	if len(f.store.inserted) != 0 {
		t.Errorf("irrelevant prospect was persisted: %+v", f.store.inserted)
	}
	if s := r.Summary(); s.ProspectsEnriched != 1 || s.ProspectsPersisted != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunPermanentFailureStreakAborts(t *testing.T) {
	f := newOrchFixture(t)
	for i, name := range []string{"Acme Plumbing", "Bravo Plumbing", "Cedar Plumbing", "Delta Plumbing"} {
		id := fmt.Sprintf("p%d", i+1)
		f.addCandidate(id, name, "")
		f.maps.details[id].Phone = "+1 512 555 0100"
	}
	// Query optimization works; every relevance call fails permanently.
	// Asked for 4, the default ceiling is 2, so the second consecutive
	// failure must abort the run.
	f.text.completeFunc = func(promptText string, schema *providers.Schema) (json.RawMessage, error) {
		if schema == queryOptimizationSchema {
			return json.RawMessage(`{"candidates":[{"query":"plumbing austin","location":"Austin, TX","score":1}]}`), nil
		}
		return nil, providers.Permanent("gemini", "complete", errors.New("INVALID_ARGUMENT"))
	}

	off := false
	r, events := startRun(t, f, &types.RunRequest{
		Brief: types.Brief{Industry: "plumbing", City: "Austin", Count: 4},
		Options: types.RunOptions{
			ScrapeWebsites: &off,
			ScrapeSocial:   &off,
		},
	})

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last frame = %s, want error", last.Type)
	}
	msg := last.Payload.(ErrorPayload).Message
	if !strings.Contains(msg, "consecutive provider failures") {
		t.Errorf("abort message = %q", msg)
	}
	// Prospects enriched before the ceiling was crossed stay durable.
	if s := r.Summary(); s.ProspectsPersisted != 2 {
		t.Errorf("summary = %+v", s)
	}
	if len(f.store.inserted) != 2 {
		t.Errorf("inserted = %d, want 2", len(f.store.inserted))
	}
}

func TestRunBudgetExpiryAndTransientErrorDoNotAbort(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.cfg.AppConfig.Pipeline.ProspectBudget = "1ns"
	f.addCandidate("p1", "Acme Plumbing", "")
	f.maps.details["p1"].Phone = "+1 512 555 0100"
	// After the only batch, discovery hits a transient 500.
	f.maps.searchErr = providers.Transient("maps", "textsearch", errors.New("status 500"))

	// Relevance stays on: its call dies on the expired prospect budget,
	// which drops the prospect but must not count toward the abort
	// ceiling (1, for a count of 1). Neither must the transient error.
	off := false
	r, events := startRun(t, f, &types.RunRequest{
		Brief: types.Brief{Industry: "plumbing", City: "Austin", Count: 1},
		Options: types.RunOptions{
			ScrapeWebsites: &off,
			ScrapeSocial:   &off,
		},
	})

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("last frame = %s, want complete", last.Type)
	}
	if got := len(eventsOfType(events, EventError)); got != 0 {
		t.Errorf("error frames = %d, want 0", got)
	}
	if s := r.Summary(); s.ProspectsPersisted != 0 || s.ProspectsEnriched != 0 {
		t.Errorf("summary = %+v", s)
	}
	if f.maps.searchCalls != 2 {
		t.Errorf("search calls = %d, want 2", f.maps.searchCalls)
	}
}
