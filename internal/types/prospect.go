package types

import (
	"time"
)

// SourceName marks rows written by this engine.
const SourceName = "prospecting-engine"

// RelevanceThreshold is the score at or above which a prospect is relevant.
const RelevanceThreshold = 60

// WebsiteStatus classifies the outcome of website verification.
type WebsiteStatus string

const (
	WebsiteActive      WebsiteStatus = "active"
	WebsiteDown        WebsiteStatus = "down"
	WebsiteUnreachable WebsiteStatus = "unreachable"
	WebsiteParking     WebsiteStatus = "parking"
)

// Prospect lifecycle status. Once a prospect reaches analyzed or contacted
// the pipeline treats the record as immutable.
const (
	StatusProspected = "prospected"
	StatusAnalyzed   = "analyzed"
	StatusContacted  = "contacted"
)

// SocialMetadata holds the public metadata scraped from one social profile.
type SocialMetadata struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Error       string `json:"error,omitempty"` // per-platform failure, never fatal
}

// ScoreBreakdown is the five-component relevance decomposition. Component
// caps: industry 40, location 20, quality 20, online presence 10,
// completeness 10.
type ScoreBreakdown struct {
	IndustryMatch    int `json:"industry_match"`
	LocationMatch    int `json:"location_match"`
	Quality          int `json:"quality"`
	OnlinePresence   int `json:"online_presence"`
	DataCompleteness int `json:"data_completeness"`
}

// Component caps.
const (
	CapIndustryMatch    = 40
	CapLocationMatch    = 20
	CapQuality          = 20
	CapOnlinePresence   = 10
	CapDataCompleteness = 10
)

// Total sums the five components.
func (s ScoreBreakdown) Total() int {
	return s.IndustryMatch + s.LocationMatch + s.Quality + s.OnlinePresence + s.DataCompleteness
}

// Valid reports whether every component is within [0, cap].
func (s ScoreBreakdown) Valid() bool {
	return s.IndustryMatch >= 0 && s.IndustryMatch <= CapIndustryMatch &&
		s.LocationMatch >= 0 && s.LocationMatch <= CapLocationMatch &&
		s.Quality >= 0 && s.Quality <= CapQuality &&
		s.OnlinePresence >= 0 && s.OnlinePresence <= CapOnlinePresence &&
		s.DataCompleteness >= 0 && s.DataCompleteness <= CapDataCompleteness
}

// PromptSnapshot records which prompt version produced a result.
type PromptSnapshot struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	VarsHash string `json:"vars_hash"`
}

// ModelSelections records which models served a run.
type ModelSelections struct {
	TextModel     string `json:"text_model,omitempty"`
	VisionModel   string `json:"vision_model,omitempty"`
	FallbackModel string `json:"fallback_model,omitempty"`
}

// Prospect is the central entity: a discovered, enriched business candidate.
type Prospect struct {
	// Identity
	ID            string `json:"id"`
	GooglePlaceID string `json:"google_place_id,omitempty"`

	// Business
	CompanyName   string        `json:"company_name"`
	Industry      string        `json:"industry,omitempty"`
	Address       string        `json:"address,omitempty"`
	City          string        `json:"city,omitempty"`
	State         string        `json:"state,omitempty"`
	Website       string        `json:"website,omitempty"`
	WebsiteStatus WebsiteStatus `json:"website_status,omitempty"`

	// Contact
	ContactEmail string   `json:"contact_email,omitempty"`
	ContactPhone string   `json:"contact_phone,omitempty"`
	ContactName  string   `json:"contact_name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Services     []string `json:"services,omitempty"`

	// Maps data
	GoogleRating         float64    `json:"google_rating,omitempty"`
	GoogleReviewCount    int        `json:"google_review_count,omitempty"`
	MostRecentReviewDate *time.Time `json:"most_recent_review_date,omitempty"`

	// Social
	SocialProfiles map[string]string         `json:"social_profiles,omitempty"`
	SocialMetadata map[string]SocialMetadata `json:"social_metadata,omitempty"`

	// Scoring
	ICPMatchScore      int             `json:"icp_match_score"`
	IsRelevant         bool            `json:"is_relevant"`
	RelevanceReasoning string          `json:"relevance_reasoning,omitempty"`
	ScoreBreakdown     *ScoreBreakdown `json:"score_breakdown,omitempty"`

	// Provenance
	RunID                   string                    `json:"run_id"`
	Source                  string                    `json:"source"`
	Status                  string                    `json:"status"`
	ICPBriefSnapshot        *Brief                    `json:"icp_brief_snapshot,omitempty"`
	PromptsSnapshot         map[string]PromptSnapshot `json:"prompts_snapshot,omitempty"`
	ModelSelectionsSnapshot *ModelSelections          `json:"model_selections_snapshot,omitempty"`
	DiscoveryCostUSD        float64                   `json:"discovery_cost_usd"`
	DiscoveryTimeMs         int64                     `json:"discovery_time_ms"`
	CreatedAt               time.Time                 `json:"created_at"`
	UpdatedAt               time.Time                 `json:"updated_at"`
}

// SetScore applies a validated score and keeps is_relevant in lockstep.
func (p *Prospect) SetScore(breakdown ScoreBreakdown, reasoning string) {
	total := breakdown.Total()
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	p.ScoreBreakdown = &breakdown
	p.ICPMatchScore = total
	p.IsRelevant = total >= RelevanceThreshold
	p.RelevanceReasoning = reasoning
}

// HasContact reports whether any direct contact channel was found.
func (p *Prospect) HasContact() bool {
	return p.ContactEmail != "" || p.ContactPhone != ""
}
