package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"prospector/internal/logging"
	"prospector/internal/prompt"
	"prospector/internal/providers"
	"prospector/internal/types"
)

var relevanceSchema = &providers.Schema{
	Type: "object",
	Properties: map[string]*providers.Schema{
		"score": {Type: "integer"},
		"breakdown": {
			Type: "object",
			Properties: map[string]*providers.Schema{
				"industry_match":    {Type: "integer"},
				"location_match":    {Type: "integer"},
				"quality":           {Type: "integer"},
				"online_presence":   {Type: "integer"},
				"data_completeness": {Type: "integer"},
			},
			Required: []string{"industry_match", "location_match", "quality", "online_presence", "data_completeness"},
		},
		"reasoning":   {Type: "string"},
		"is_relevant": {Type: "boolean"},
	},
	Required: []string{"score", "breakdown", "reasoning"},
}

// scoreRelevance scores the enriched prospect against the brief. The
// text LLM is primary; a response failing breakdown validation or any
// provider failure drops to the deterministic rule-based scorer.
func (r *Run) scoreRelevance(ctx context.Context, p *types.Prospect) types.PromptSnapshot {
	promptText, snap, err := r.prompts.Render(prompt.IDRelevanceScoring, map[string]string{
		"industry":            orNone(r.brief.Industry),
		"target":              orNone(r.brief.Target),
		"location":            orNone(r.brief.EffectiveLocation()),
		"exclusions":          orNone(strings.Join(r.brief.Exclusions, ", ")),
		"additional_criteria": orNone(formatCriteria(r.brief.AdditionalCriteria)),
		"company_profile":     companyProfile(p),
	})
	if err != nil {
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "relevance prompt render failed, using rule-based scoring: %v", err)
		r.scoreByRules(p)
		return snap
	}

	raw, err := r.text.Complete(ctx, promptText, relevanceSchema)
	if err != nil {
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "relevance LLM unavailable, using rule-based scoring: %v", err)
		r.noteProviderError(err)
		r.scoreByRules(p)
		return snap
	}

	var parsed struct {
		Score     int                  `json:"score"`
		Breakdown types.ScoreBreakdown `json:"breakdown"`
		Reasoning string               `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "relevance response malformed, using rule-based scoring")
		r.scoreByRules(p)
		return snap
	}
	if !parsed.Breakdown.Valid() || parsed.Breakdown.Total() != parsed.Score {
		r.warnProgress(StageRelevanceScoring, p.CompanyName,
			"relevance breakdown failed validation (score=%d sum=%d), using rule-based scoring",
			parsed.Score, parsed.Breakdown.Total())
		r.scoreByRules(p)
		return snap
	}

	p.SetScore(parsed.Breakdown, parsed.Reasoning)
	logging.Relevance("run %s %q scored %d (relevant=%v) by LLM", r.id, p.CompanyName, p.ICPMatchScore, p.IsRelevant)
	return snap
}

// scoreByRules is the deterministic fallback scorer.
func (r *Run) scoreByRules(p *types.Prospect) {
	b := types.ScoreBreakdown{
		IndustryMatch:    r.industryScore(p),
		LocationMatch:    r.locationScore(p),
		Quality:          qualityScore(p.GoogleRating),
		OnlinePresence:   presenceScore(p),
		DataCompleteness: completenessScore(p),
	}
	reasoning := fmt.Sprintf(
		"Rule-based: industry %d/40, location %d/20, quality %d/20, presence %d/10, completeness %d/10.",
		b.IndustryMatch, b.LocationMatch, b.Quality, b.OnlinePresence, b.DataCompleteness)
	p.SetScore(b, reasoning)
	logging.Relevance("run %s %q scored %d (relevant=%v) by rules", r.id, p.CompanyName, p.ICPMatchScore, p.IsRelevant)
}

// industryScore: exact substring 40, configured related term 25, else 10.
func (r *Run) industryScore(p *types.Prospect) int {
	want := strings.ToLower(strings.TrimSpace(r.brief.Industry))
	if want == "" {
		want = strings.ToLower(strings.TrimSpace(r.brief.Target))
	}
	if want == "" {
		return 10
	}

	haystack := strings.ToLower(p.Industry + " " + p.CompanyName + " " + p.Description)
	if strings.Contains(haystack, want) {
		return 40
	}
	if p.Industry != "" && strings.Contains(want, strings.ToLower(p.Industry)) {
		return 40
	}
	for key, related := range r.relatedIndustries {
		if !strings.Contains(want, strings.ToLower(key)) {
			continue
		}
		for _, term := range related {
			if strings.Contains(haystack, strings.ToLower(term)) {
				return 25
			}
		}
	}
	return 10
}

// locationScore: same city 20, same state 12, same country 6, else 0.
func (r *Run) locationScore(p *types.Prospect) int {
	if r.brief.City != "" && strings.EqualFold(p.City, r.brief.City) {
		return 20
	}
	if loc := r.brief.EffectiveLocation(); loc != "" && p.City != "" &&
		strings.Contains(strings.ToLower(loc), strings.ToLower(p.City)) {
		return 20
	}
	if r.brief.State != "" && strings.EqualFold(p.State, r.brief.State) {
		return 12
	}
	if r.brief.Country != "" || p.Address != "" {
		return 6
	}
	return 0
}

// qualityScore: round(min(rating, 5) × 4), zero when rating missing.
func qualityScore(rating float64) int {
	if rating <= 0 {
		return 0
	}
	return int(math.Round(math.Min(rating, 5) * 4))
}

// presenceScore: 2 for a website plus 2 per social profile, capped at 4 profiles.
func presenceScore(p *types.Prospect) int {
	score := 0
	if p.Website != "" {
		score += 2
	}
	n := len(p.SocialProfiles)
	if n > 4 {
		n = 4
	}
	return score + 2*n
}

// completenessScore: 2 each for email, phone, description, services, address.
func completenessScore(p *types.Prospect) int {
	score := 0
	if p.ContactEmail != "" {
		score += 2
	}
	if p.ContactPhone != "" {
		score += 2
	}
	if p.Description != "" {
		score += 2
	}
	if len(p.Services) >= 1 {
		score += 2
	}
	if p.Address != "" {
		score += 2
	}
	if score > types.CapDataCompleteness {
		score = types.CapDataCompleteness
	}
	return score
}

// companyProfile renders the prospect for the scoring prompt.
func companyProfile(p *types.Prospect) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- Name: %s\n", p.CompanyName)
	fmt.Fprintf(&sb, "- Address: %s\n", orNone(p.Address))
	fmt.Fprintf(&sb, "- Website: %s (status: %s)\n", orNone(p.Website), p.WebsiteStatus)
	if p.GoogleRating > 0 {
		fmt.Fprintf(&sb, "- Rating: %.1f from %d reviews\n", p.GoogleRating, p.GoogleReviewCount)
	} else {
		sb.WriteString("- Rating: none\n")
	}
	fmt.Fprintf(&sb, "- Description: %s\n", orNone(p.Description))
	fmt.Fprintf(&sb, "- Services: %s\n", orNone(strings.Join(p.Services, ", ")))
	fmt.Fprintf(&sb, "- Email: %s, Phone: %s\n", orNone(p.ContactEmail), orNone(p.ContactPhone))
	platforms := make([]string, 0, len(p.SocialProfiles))
	for platform := range p.SocialProfiles {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	fmt.Fprintf(&sb, "- Social: %s", orNone(strings.Join(platforms, ", ")))
	return sb.String()
}
