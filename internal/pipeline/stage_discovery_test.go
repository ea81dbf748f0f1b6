package pipeline

import (
	"context"
	"testing"
	"time"

	"prospector/internal/types"
)

func detailed(c types.Candidate) *types.DetailedCandidate {
	return &types.DetailedCandidate{Candidate: c}
}

func TestDiscoverBatchFiltersAndBounds(t *testing.T) {
	maps := &fakeMaps{
		batches: [][]types.Candidate{{
			{PlaceID: "p1", Name: "Acme Plumbing", Rating: 4.8, ReviewCount: 120, Website: "https://acme.com"},
			{PlaceID: "p2", Name: "Budget Plumbing", Rating: 3.0, ReviewCount: 15, Website: "https://budget.com"},
			{PlaceID: "p3", Name: "Franchise Plumbing Inc", Rating: 4.9, ReviewCount: 300, Website: "https://franchise.com"},
			{PlaceID: "p4", Name: "Solo Plumbing", Rating: 4.8, ReviewCount: 500, Website: "https://solo.com"},
		}},
		details: map[string]*types.DetailedCandidate{
			"p1": detailed(types.Candidate{PlaceID: "p1", Name: "Acme Plumbing", Rating: 4.8, Website: "https://acme.com"}),
			"p3": detailed(types.Candidate{PlaceID: "p3", Name: "Franchise Plumbing Inc", Rating: 4.9, Website: "https://franchise.com"}),
			"p4": detailed(types.Candidate{PlaceID: "p4", Name: "Solo Plumbing", Rating: 4.8, Website: "https://solo.com"}),
		},
	}

	r := newStageRun(t, types.Brief{
		Industry:   "plumbing",
		MinRating:  4.0,
		Count:      10,
		Exclusions: []string{"franchise"},
	})
	r.maps = maps

	got, err := r.discoverBatch(context.Background(), queryPlan{Query: "plumbing austin"}, 2)
	if err != nil {
		t.Fatalf("discoverBatch: %v", err)
	}

	// p2 fails the rating floor, p3 hits the exclusion list; p1 and p4
	// survive and fill the requested two slots. The 4.8 rating tie
	// breaks toward p4's larger review count.
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	if got[0].PlaceID != "p4" || got[1].PlaceID != "p1" {
		t.Errorf("order = %s, %s; want p4, p1", got[0].PlaceID, got[1].PlaceID)
	}
	if r.pendingQuery == nil || r.pendingQuery.TotalResults != 4 || r.pendingQuery.UniqueResults != 2 {
		t.Errorf("pendingQuery = %+v", r.pendingQuery)
	}
}

func TestDiscoverBatchSkipsSeenPlaces(t *testing.T) {
	maps := &fakeMaps{
		batches: [][]types.Candidate{{
			{PlaceID: "p1", Name: "Acme", Website: "https://acme.com"},
		}},
		details: map[string]*types.DetailedCandidate{
			"p1": detailed(types.Candidate{PlaceID: "p1", Name: "Acme", Website: "https://acme.com"}),
		},
	}

	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 10})
	r.maps = maps
	r.seenPlaces["p1"] = true

	got, err := r.discoverBatch(context.Background(), queryPlan{Query: "q"}, 5)
	if err != nil {
		t.Fatalf("discoverBatch: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("seen place id was re-yielded: %+v", got)
	}
}

func TestDiscoverBatchDropsUncontactable(t *testing.T) {
	maps := &fakeMaps{
		batches: [][]types.Candidate{{
			{PlaceID: "p1", Name: "Ghost Biz"},
			{PlaceID: "p2", Name: "Phone Biz"},
		}},
		details: map[string]*types.DetailedCandidate{
			"p1": detailed(types.Candidate{PlaceID: "p1", Name: "Ghost Biz"}),
			"p2": detailed(types.Candidate{PlaceID: "p2", Name: "Phone Biz", Phone: "+1 512 555 0100"}),
		},
	}

	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 10})
	r.maps = maps

	got, err := r.discoverBatch(context.Background(), queryPlan{Query: "q"}, 5)
	if err != nil {
		t.Fatalf("discoverBatch: %v", err)
	}
	if len(got) != 1 || got[0].PlaceID != "p2" {
		t.Errorf("got %+v, want only the phone-reachable candidate", got)
	}
}

func TestRecordQueryHistory(t *testing.T) {
	store := &fakeStore{}
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 10})
	r.repo = store
	r.pendingQuery = &types.DiscoveryQuery{
		Query:      "plumbing austin",
		Iteration:  1,
		ExecutedAt: time.Now(),
	}

	r.recordQueryHistory(3)

	if len(store.queries) != 1 {
		t.Fatalf("saved %d queries, want 1", len(store.queries))
	}
	if store.queries[0].NewProspectsAdded != 3 {
		t.Errorf("NewProspectsAdded = %d, want 3", store.queries[0].NewProspectsAdded)
	}
	if r.pendingQuery != nil {
		t.Error("pendingQuery must clear after recording")
	}

	// Nothing pending: a second call is a no-op.
	r.recordQueryHistory(9)
	if len(store.queries) != 1 {
		t.Errorf("no-op call saved a query: %d rows", len(store.queries))
	}
}
