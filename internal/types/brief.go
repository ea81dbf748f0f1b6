// Package types provides shared type definitions used across prospector
// packages. This package exists to break import cycles between the pipeline,
// store, and server layers. Types here are foundational data structures with
// no complex dependencies.
package types

import (
	"fmt"
	"strings"
)

// Brief bounds for a single run.
const (
	MinCount       = 1
	MaxCount       = 60
	DefaultRadiusM = 10000
)

// Brief is the ideal customer profile driving one run: what to look for,
// where, and how many.
type Brief struct {
	Industry           string                 `json:"industry,omitempty" yaml:"industry,omitempty"`
	Target             string                 `json:"target,omitempty" yaml:"target,omitempty"`
	Location           string                 `json:"location,omitempty" yaml:"location,omitempty"`
	City               string                 `json:"city,omitempty" yaml:"city,omitempty"`
	State              string                 `json:"state,omitempty" yaml:"state,omitempty"`
	Country            string                 `json:"country,omitempty" yaml:"country,omitempty"`
	Zip                string                 `json:"zip,omitempty" yaml:"zip,omitempty"`
	RadiusM            int                    `json:"radius_m,omitempty" yaml:"radius_m,omitempty"`
	MinRating          float64                `json:"min_rating,omitempty" yaml:"min_rating,omitempty"`
	Count              int                    `json:"count" yaml:"count"`
	Exclusions         []string               `json:"exclusions,omitempty" yaml:"exclusions,omitempty"`
	AdditionalCriteria map[string]interface{} `json:"additional_criteria,omitempty" yaml:"additional_criteria,omitempty"`
}

// Validate checks the brief against the run-trigger contract.
func (b *Brief) Validate() error {
	if strings.TrimSpace(b.Industry) == "" && strings.TrimSpace(b.Target) == "" {
		return fmt.Errorf("brief requires industry or target")
	}
	if b.Count < MinCount || b.Count > MaxCount {
		return fmt.Errorf("count must be between %d and %d, got %d", MinCount, MaxCount, b.Count)
	}
	return nil
}

// Radius returns the search radius in meters, defaulted when unset.
func (b *Brief) Radius() int {
	if b.RadiusM <= 0 {
		return DefaultRadiusM
	}
	return b.RadiusM
}

// EffectiveLocation resolves the free-form location or assembles one from the
// structured fields. Empty when nothing was provided.
func (b *Brief) EffectiveLocation() string {
	if strings.TrimSpace(b.Location) != "" {
		return strings.TrimSpace(b.Location)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{b.City, b.State, b.Zip} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, ", ")
}

// Merge overlays non-empty fields of the project brief onto this request
// brief. Count and radius stay request-controlled.
func (b *Brief) Merge(project *Brief) Brief {
	merged := *b
	if project == nil {
		return merged
	}
	if merged.Industry == "" {
		merged.Industry = project.Industry
	}
	if merged.Target == "" {
		merged.Target = project.Target
	}
	if merged.Location == "" {
		merged.Location = project.Location
	}
	if merged.City == "" {
		merged.City = project.City
	}
	if merged.State == "" {
		merged.State = project.State
	}
	if merged.Country == "" {
		merged.Country = project.Country
	}
	if merged.Zip == "" {
		merged.Zip = project.Zip
	}
	if merged.MinRating == 0 {
		merged.MinRating = project.MinRating
	}
	if len(merged.Exclusions) == 0 {
		merged.Exclusions = append([]string(nil), project.Exclusions...)
	}
	return merged
}

// RunOptions carries the per-run switches from the run trigger. Bool fields
// that default to true are pointers so an absent JSON key is distinguishable
// from an explicit false.
type RunOptions struct {
	ScrapeWebsites    *bool  `json:"scrape_websites,omitempty"`
	UseVisionFallback *bool  `json:"use_vision_fallback,omitempty"`
	ScrapeSocial      *bool  `json:"scrape_social,omitempty"`
	CheckRelevance    *bool  `json:"check_relevance,omitempty"`
	FilterIrrelevant  bool   `json:"filter_irrelevant,omitempty"`
	ProjectID         string `json:"project_id,omitempty"`
	BrowserTimeoutMs  int    `json:"browser_timeout_ms,omitempty"`
	MaxConcurrent     int    `json:"max_concurrent,omitempty"`
	RequestDelayMs    int    `json:"request_delay_ms,omitempty"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// ScrapeWebsitesEnabled defaults to true.
func (o *RunOptions) ScrapeWebsitesEnabled() bool { return boolOr(o.ScrapeWebsites, true) }

// UseVisionFallbackEnabled defaults to true.
func (o *RunOptions) UseVisionFallbackEnabled() bool { return boolOr(o.UseVisionFallback, true) }

// ScrapeSocialEnabled defaults to true.
func (o *RunOptions) ScrapeSocialEnabled() bool { return boolOr(o.ScrapeSocial, true) }

// CheckRelevanceEnabled defaults to true.
func (o *RunOptions) CheckRelevanceEnabled() bool { return boolOr(o.CheckRelevance, true) }

// BrowserTimeout returns the browser render budget in milliseconds.
func (o *RunOptions) BrowserTimeout() int {
	if o.BrowserTimeoutMs <= 0 {
		return 30000
	}
	return o.BrowserTimeoutMs
}

// Concurrency returns the page-fetch batch width for extraction.
func (o *RunOptions) Concurrency() int {
	if o.MaxConcurrent <= 0 {
		return 5
	}
	return o.MaxConcurrent
}

// RequestDelay returns the polite delay between page fetches in milliseconds.
func (o *RunOptions) RequestDelay() int {
	if o.RequestDelayMs <= 0 {
		return 1000
	}
	return o.RequestDelayMs
}

// RunRequest is the decoded run-trigger envelope.
type RunRequest struct {
	Brief   Brief      `json:"brief"`
	Options RunOptions `json:"options"`
}

// Validate checks the whole envelope.
func (r *RunRequest) Validate() error {
	return r.Brief.Validate()
}
