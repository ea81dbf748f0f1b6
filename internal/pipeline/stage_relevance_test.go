package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"prospector/internal/providers"
	"prospector/internal/types"
)

func TestScoreByRulesFullHouse(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", City: "Austin", Count: 5})
	p := &types.Prospect{
		CompanyName:    "Acme Plumbing",
		Industry:       "plumbing",
		City:           "Austin",
		Address:        "1 Main St, Austin, TX",
		Website:        "https://acme.com",
		GoogleRating:   5.0,
		ContactEmail:   "info@acme.com",
		ContactPhone:   "+1 512 555 0100",
		Description:    "Residential plumbing",
		Services:       []string{"drain cleaning"},
		SocialProfiles: map[string]string{"instagram": "https://instagram.com/acme"},
	}

	r.scoreByRules(p)

	want := types.ScoreBreakdown{
		IndustryMatch:    40,
		LocationMatch:    20,
		Quality:          20,
		OnlinePresence:   4, // website + 1 profile
		DataCompleteness: 10,
	}
	if p.ScoreBreakdown == nil || *p.ScoreBreakdown != want {
		t.Fatalf("breakdown = %+v, want %+v", p.ScoreBreakdown, want)
	}
	if p.ICPMatchScore != want.Total() {
		t.Errorf("score = %d, want %d", p.ICPMatchScore, want.Total())
	}
	if !p.IsRelevant {
		t.Error("a 94-point prospect must be relevant")
	}
}

func TestScoreByRulesRelatedIndustry(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	p := &types.Prospect{CompanyName: "Austin HVAC Pros"}

	r.scoreByRules(p)

	if p.ScoreBreakdown.IndustryMatch != 25 {
		t.Errorf("IndustryMatch = %d, want 25 for a related term", p.ScoreBreakdown.IndustryMatch)
	}
}

func TestScoreByRulesBareProspectBelowThreshold(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	p := &types.Prospect{CompanyName: "Mystery Shop"}

	r.scoreByRules(p)

	if p.IsRelevant {
		t.Errorf("bare prospect scored %d and came out relevant", p.ICPMatchScore)
	}
	if p.RelevanceReasoning == "" {
		t.Error("rule-based scoring must still explain itself")
	}
}

func TestScoreRelevanceAcceptsValidLLMResponse(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", City: "Austin", Count: 5})
	r.text = &fakeText{completeFunc: func(promptText string, schema *providers.Schema) (json.RawMessage, error) {
		resp := map[string]interface{}{
			"score": 72,
			"breakdown": map[string]int{
				"industry_match":    35,
				"location_match":    15,
				"quality":           12,
				"online_presence":   5,
				"data_completeness": 5,
			},
			"reasoning":   "Strong trade match in the target metro.",
			"is_relevant": true,
		}
		return json.Marshal(resp)
	}}

	p := &types.Prospect{CompanyName: "Acme Plumbing"}
	r.scoreRelevance(context.Background(), p)

	if p.ICPMatchScore != 72 {
		t.Errorf("score = %d, want 72", p.ICPMatchScore)
	}
	if !p.IsRelevant {
		t.Error("72 must be relevant")
	}
	if p.RelevanceReasoning != "Strong trade match in the target metro." {
		t.Errorf("reasoning = %q", p.RelevanceReasoning)
	}
}

func TestScoreRelevanceRejectsMismatchedBreakdown(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	r.text = &fakeText{completeFunc: func(promptText string, schema *providers.Schema) (json.RawMessage, error) {
		// Sum is 50, claimed score is 90: must fall back to rules.
		return json.RawMessage(`{"score":90,"breakdown":{"industry_match":40,"location_match":10,"quality":0,"online_presence":0,"data_completeness":0},"reasoning":"inflated"}`), nil
	}}

	p := &types.Prospect{CompanyName: "Acme Plumbing", Industry: "plumbing"}
	r.scoreRelevance(context.Background(), p)

	if p.ICPMatchScore == 90 {
		t.Error("mismatched breakdown was accepted")
	}
	if p.ScoreBreakdown == nil || p.ScoreBreakdown.Total() != p.ICPMatchScore {
		t.Error("fallback must keep score and breakdown consistent")
	}
}

func TestScoreRelevanceRejectsOverCapComponent(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	r.text = &fakeText{completeFunc: func(promptText string, schema *providers.Schema) (json.RawMessage, error) {
		return json.RawMessage(`{"score":75,"breakdown":{"industry_match":55,"location_match":20,"quality":0,"online_presence":0,"data_completeness":0},"reasoning":"industry over cap"}`), nil
	}}

	p := &types.Prospect{CompanyName: "Acme Plumbing", Industry: "plumbing"}
	r.scoreRelevance(context.Background(), p)

	if p.ICPMatchScore == 75 {
		t.Error("component above its cap was accepted")
	}
}

func TestScoreRelevanceFallsBackOnProviderError(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	r.text = &fakeText{completeFunc: func(promptText string, schema *providers.Schema) (json.RawMessage, error) {
		return nil, providers.Transient("gemini", "complete", errors.New("503"))
	}}

	p := &types.Prospect{CompanyName: "Acme Plumbing", Industry: "plumbing", Website: "https://acme.com"}
	r.scoreRelevance(context.Background(), p)

	if p.ScoreBreakdown == nil {
		t.Fatal("provider failure must still produce a rule-based score")
	}
	if p.ScoreBreakdown.IndustryMatch != 40 {
		t.Errorf("IndustryMatch = %d, want 40", p.ScoreBreakdown.IndustryMatch)
	}
}

func TestQualityScoreScaling(t *testing.T) {
	tests := []struct {
		rating float64
		want   int
	}{
		{0, 0},
		{2.5, 10},
		{4.3, 17},
		{5.0, 20},
		{6.2, 20}, // clamped
	}
	for _, tt := range tests {
		if got := qualityScore(tt.rating); got != tt.want {
			t.Errorf("qualityScore(%v) = %d, want %d", tt.rating, got, tt.want)
		}
	}
}
