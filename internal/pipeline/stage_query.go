package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"prospector/internal/logging"
	"prospector/internal/prompt"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// queryPlan is the outcome of query understanding.
type queryPlan struct {
	Query          string
	SearchLocation string
	Strategy       string // "llm" or "fallback"
	Snapshot       types.PromptSnapshot
}

// queryCandidates mirrors the query-optimization response shape.
type queryCandidates struct {
	Candidates []struct {
		Query    string  `json:"query"`
		Location string  `json:"location"`
		Score    float64 `json:"score"`
	} `json:"candidates"`
	Strategy string `json:"strategy"`
}

var queryOptimizationSchema = &providers.Schema{
	Type: "object",
	Properties: map[string]*providers.Schema{
		"candidates": {
			Type: "array",
			Items: &providers.Schema{
				Type: "object",
				Properties: map[string]*providers.Schema{
					"query":    {Type: "string"},
					"location": {Type: "string"},
					"score":    {Type: "number"},
				},
				Required: []string{"query", "score"},
			},
		},
		"strategy": {Type: "string"},
	},
	Required: []string{"candidates"},
}

// understandQuery turns the brief into a maps search query. The text
// LLM proposes ranked candidates; ties on score break toward the
// shorter query. Any LLM failure degrades to the template fallback.
func (r *Run) understandQuery(ctx context.Context) queryPlan {
	brief := &r.brief

	vars := map[string]string{
		"industry":            orNone(brief.Industry),
		"target":              orNone(brief.Target),
		"location":            orNone(brief.EffectiveLocation()),
		"radius_km":           fmt.Sprintf("%.1f", float64(brief.Radius())/1000),
		"exclusions":          orNone(strings.Join(brief.Exclusions, ", ")),
		"additional_criteria": orNone(formatCriteria(brief.AdditionalCriteria)),
		"count":               fmt.Sprintf("%d", brief.Count),
		"previous_queries":    orNone(r.previousQueries(ctx)),
	}

	text, snap, err := r.prompts.Render(prompt.IDQueryOptimization, vars)
	if err != nil {
		r.warnProgress(StageQueryUnderstanding, "", "query prompt render failed: %v", err)
		return r.fallbackQueryPlan(snap)
	}

	raw, err := r.text.Complete(ctx, text, queryOptimizationSchema)
	if err != nil {
		r.warnProgress(StageQueryUnderstanding, "", "query optimization unavailable, using template query: %v", err)
		return r.fallbackQueryPlan(snap)
	}

	var parsed queryCandidates
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Candidates) == 0 {
		r.warnProgress(StageQueryUnderstanding, "", "query optimization returned no candidates, using template query")
		return r.fallbackQueryPlan(snap)
	}

	// Highest score wins; equal scores prefer the shorter query.
	sort.SliceStable(parsed.Candidates, func(i, j int) bool {
		a, b := parsed.Candidates[i], parsed.Candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return len(a.Query) < len(b.Query)
	})
	best := parsed.Candidates[0]
	if strings.TrimSpace(best.Query) == "" {
		return r.fallbackQueryPlan(snap)
	}

	loc := strings.TrimSpace(best.Location)
	if loc == "" {
		loc = brief.EffectiveLocation()
	}
	logging.Discovery("run %s query plan: %q location=%q (%d candidates, strategy: %s)",
		r.id, best.Query, loc, len(parsed.Candidates), parsed.Strategy)
	return queryPlan{
		Query:          strings.TrimSpace(best.Query),
		SearchLocation: loc,
		Strategy:       "llm",
		Snapshot:       snap,
	}
}

// fallbackQueryPlan synthesizes "{industry} in {city}" without the
// LLM. When both industry and target could serve, the shorter phrase
// wins, mirroring the candidate tie-break.
func (r *Run) fallbackQueryPlan(snap types.PromptSnapshot) queryPlan {
	brief := &r.brief
	subject := strings.TrimSpace(brief.Industry)
	if alt := strings.TrimSpace(brief.Target); alt != "" {
		if subject == "" || len(alt) < len(subject) {
			subject = alt
		}
	}

	loc := brief.EffectiveLocation()
	query := subject
	if loc != "" {
		query = subject + " in " + loc
	}
	logging.Discovery("run %s fallback query: %q", r.id, query)
	return queryPlan{
		Query:          query,
		SearchLocation: loc,
		Strategy:       "fallback",
		Snapshot:       snap,
	}
}

// previousQueries lists prior project searches so the LLM avoids
// repeating them. Empty for unscoped runs.
func (r *Run) previousQueries(ctx context.Context) string {
	if r.projectID == "" {
		return ""
	}
	prev, err := r.repo.ListPreviousQueries(r.projectID, 10)
	if err != nil {
		logging.DiscoveryWarn("run %s could not list previous queries: %v", r.id, err)
		return ""
	}
	lines := make([]string, 0, len(prev))
	for _, q := range prev {
		lines = append(lines, "- "+q.Query)
	}
	return strings.Join(lines, "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

func formatCriteria(criteria map[string]interface{}) string {
	if len(criteria) == 0 {
		return ""
	}
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, criteria[k]))
	}
	return strings.Join(parts, "; ")
}
