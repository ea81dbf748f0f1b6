package types

import (
	"testing"
	"time"
)

func TestScoreBreakdownTotalAndValid(t *testing.T) {
	b := ScoreBreakdown{IndustryMatch: 40, LocationMatch: 20, Quality: 20, OnlinePresence: 10, DataCompleteness: 10}
	if got := b.Total(); got != 100 {
		t.Errorf("Total() = %d, want 100", got)
	}
	if !b.Valid() {
		t.Error("full-cap breakdown should be valid")
	}

	over := ScoreBreakdown{IndustryMatch: 41}
	if over.Valid() {
		t.Error("industry over cap should be invalid")
	}
	neg := ScoreBreakdown{Quality: -1}
	if neg.Valid() {
		t.Error("negative component should be invalid")
	}
}

func TestSetScoreKeepsRelevanceInLockstep(t *testing.T) {
	var p Prospect

	p.SetScore(ScoreBreakdown{IndustryMatch: 40, LocationMatch: 12, Quality: 8}, "ok")
	if p.ICPMatchScore != 60 {
		t.Errorf("ICPMatchScore = %d, want 60", p.ICPMatchScore)
	}
	if !p.IsRelevant {
		t.Error("score 60 must be relevant")
	}

	p.SetScore(ScoreBreakdown{IndustryMatch: 40, LocationMatch: 12, Quality: 7}, "close")
	if p.ICPMatchScore != 59 {
		t.Errorf("ICPMatchScore = %d, want 59", p.ICPMatchScore)
	}
	if p.IsRelevant {
		t.Error("score 59 must not be relevant")
	}
}

func TestDetailedCandidateToProspect(t *testing.T) {
	older := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	d := DetailedCandidate{
		Candidate: Candidate{
			PlaceID:     "place-1",
			Name:        "Trattoria Roma",
			Address:     "12 Pine St",
			City:        "Philadelphia",
			State:       "PA",
			Rating:      4.6,
			ReviewCount: 210,
			Website:     "https://trattoriaroma.example",
			Phone:       "+1 215 555 0134",
		},
		RecentReviewDates: []time.Time{older, newer},
	}

	p := d.ToProspect()
	if p.GooglePlaceID != "place-1" || p.CompanyName != "Trattoria Roma" {
		t.Errorf("identity fields not seeded: %+v", p)
	}
	if p.Source != SourceName {
		t.Errorf("Source = %q, want %q", p.Source, SourceName)
	}
	if p.Status != StatusProspected {
		t.Errorf("Status = %q, want %q", p.Status, StatusProspected)
	}
	if p.MostRecentReviewDate == nil || !p.MostRecentReviewDate.Equal(newer) {
		t.Errorf("MostRecentReviewDate = %v, want %v", p.MostRecentReviewDate, newer)
	}
}

func TestProspectFiltersEffectiveLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, MaxListLimit},
		{-5, MaxListLimit},
		{50, 50},
		{100, 100},
		{101, MaxListLimit},
	}
	for _, tt := range tests {
		f := ProspectFilters{Limit: tt.limit}
		if got := f.EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}
