package types

import "time"

// ProjectProspect is the join row linking one prospect into one project,
// with per-link provenance of the run that made the association.
type ProjectProspect struct {
	ProjectID               string                    `json:"project_id"`
	ProspectID              string                    `json:"prospect_id"`
	RunID                   string                    `json:"run_id"`
	ICPBriefSnapshot        *Brief                    `json:"icp_brief_snapshot,omitempty"`
	PromptsSnapshot         map[string]PromptSnapshot `json:"prompts_snapshot,omitempty"`
	ModelSelectionsSnapshot *ModelSelections          `json:"model_selections_snapshot,omitempty"`
	RelevanceReasoning      string                    `json:"relevance_reasoning,omitempty"`
	DiscoveryCostUSD        float64                   `json:"discovery_cost_usd"`
	DiscoveryTimeMs         int64                     `json:"discovery_time_ms"`
	Status                  string                    `json:"status"`
	AddedAt                 time.Time                 `json:"added_at"`
}

// ProjectConfig is the slice of a project row the pipeline reads and, on
// first run, writes exactly once.
type ProjectConfig struct {
	ProjectID          string                    `json:"project_id"`
	ICPBrief           *Brief                    `json:"icp_brief,omitempty"`
	ProspectingPrompts map[string]PromptSnapshot `json:"prospecting_prompts,omitempty"`
	ModelSelections    *ModelSelections          `json:"prospecting_model_selections,omitempty"`
}

// DiscoveryQuery is one row of search history for iterative re-runs.
type DiscoveryQuery struct {
	ProjectID         string    `json:"project_id,omitempty"`
	Query             string    `json:"query"`
	SearchLocation    string    `json:"search_location,omitempty"`
	Iteration         int       `json:"iteration"`
	Strategy          string    `json:"strategy,omitempty"`
	TotalResults      int       `json:"total_results"`
	UniqueResults     int       `json:"unique_results"`
	NewProspectsAdded int       `json:"new_prospects_added"`
	ExecutedAt        time.Time `json:"executed_at"`
}

// Lead is the read-only slice of an analysis record the dedup service
// inspects. Leads are written by the analysis subsystem, never by the
// discovery pipeline.
type Lead struct {
	ID            string    `json:"id"`
	CompanyName   string    `json:"company_name"`
	Website       string    `json:"website,omitempty"`
	GooglePlaceID string    `json:"google_place_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProspectFilters narrows repository list queries.
type ProspectFilters struct {
	Status                       string  `json:"status,omitempty"`
	City                         string  `json:"city,omitempty"`
	Industry                     string  `json:"industry,omitempty"`
	MinRating                    float64 `json:"min_rating,omitempty"`
	ProjectID                    string  `json:"project_id,omitempty"`
	RunID                        string  `json:"run_id,omitempty"`
	RecentlyReviewedWithinMonths int     `json:"recently_reviewed_within_months,omitempty"`
	Limit                        int     `json:"limit,omitempty"`
	Offset                       int     `json:"offset,omitempty"`
}

// MaxListLimit caps one page of list results.
const MaxListLimit = 100

// EffectiveLimit clamps the page size into (0, MaxListLimit].
func (f *ProspectFilters) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// ProspectStats is the aggregate shape served by the stats endpoint.
type ProspectStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByIndustry    map[string]int `json:"by_industry"`
	AverageRating float64        `json:"average_rating"`
	WithWebsite   int            `json:"with_website"`
	WithSocial    int            `json:"with_social"`
}
