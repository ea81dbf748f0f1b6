package config

import "time"

// PipelineConfig tunes stage behavior.
type PipelineConfig struct {
	// MaxPagesPerSite bounds page discovery during extraction.
	MaxPagesPerSite int `yaml:"max_pages_per_site"`

	// ExtractionConfidenceThreshold is the overall heuristic confidence below
	// which the vision fallback is invoked.
	ExtractionConfidenceThreshold float64 `yaml:"extraction_confidence_threshold"`

	// ProspectBudget is the hard wall-clock ceiling for one prospect's
	// enrichment stages.
	ProspectBudget string `yaml:"prospect_budget"`

	// MaxRetryAttempts bounds transient-error retries per provider call.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// FailStreakCeiling aborts the run after this many consecutive permanent
	// provider failures. Zero means half the requested count, rounded up.
	FailStreakCeiling int `yaml:"fail_streak_ceiling"`

	// EventBuffer bounds the progress queue before coalescing kicks in.
	EventBuffer int `yaml:"event_buffer"`

	// SocialPlatforms lists the recognized platforms, canonical host order.
	SocialPlatforms []string `yaml:"social_platforms"`

	// ParkingHosts are registrar/parking-service hosts whose presence marks a
	// website as parked.
	ParkingHosts []string `yaml:"parking_hosts"`

	// ParkingIndicators are text patterns counted on a page; two or more
	// matches mark the page as parked.
	ParkingIndicators []string `yaml:"parking_indicators"`

	// CorporateSuffixes are stripped during company-name normalization.
	CorporateSuffixes []string `yaml:"corporate_suffixes"`

	// RelatedIndustries maps an industry to terms scored as related matches
	// by the rule-based relevance fallback.
	RelatedIndustries map[string][]string `yaml:"related_industries"`
}

// DefaultPipelineConfig returns pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxPagesPerSite:               5,
		ExtractionConfidenceThreshold: 0.5,
		ProspectBudget:                "180s",
		MaxRetryAttempts:              3,
		EventBuffer:                   256,

		SocialPlatforms: []string{
			"instagram", "facebook", "linkedin", "twitter", "youtube", "tiktok",
		},

		ParkingHosts: []string{
			"sedoparking.com",
			"sedo.com",
			"parkingcrew.net",
			"bodis.com",
			"dan.com",
			"afternic.com",
			"hugedomains.com",
			"buydomains.com",
			"domainmarket.com",
			"above.com",
			"skenzo.com",
			"parklogic.com",
			"voodoo.com",
			"smartname.com",
			"namedrive.com",
		},

		ParkingIndicators: []string{
			`domain (is )?for sale`,
			`buy this domain`,
			`coming soon`,
			`under construction`,
			`this (web)?site is parked`,
			`parked (free,? )?courtesy of`,
			`domain parking`,
			`make an offer`,
			`inquire about this domain`,
			`purchase this domain`,
			`domain (may be|is) available`,
			`get this domain`,
			`domain (has )?expired`,
			`related searches`,
			`sponsored listings`,
			`this page is generated by`,
			`account (has been )?suspended`,
			`default website page`,
		},

		CorporateSuffixes: []string{
			"inc", "llc", "ltd", "corp", "co", "company", "incorporated",
			"limited", "gmbh", "plc", "lp", "llp", "pllc", "pc",
		},

		RelatedIndustries: map[string][]string{
			"restaurant": {"cafe", "bistro", "pizzeria", "bakery", "catering", "diner"},
			"plumbing":   {"hvac", "heating", "contractor", "drain"},
			"dentist":    {"orthodontist", "oral surgeon", "dental"},
			"gym":        {"fitness", "yoga", "crossfit", "pilates"},
			"salon":      {"barber", "spa", "beauty"},
			"law":        {"attorney", "legal", "lawyer"},
		},
	}
}

// ProspectBudget returns the per-prospect enrichment ceiling.
func (c *Config) ProspectBudget() time.Duration {
	return parseDurationOr(c.Pipeline.ProspectBudget, 180*time.Second)
}

// FailStreakCeiling resolves the abort ceiling for a requested count.
func (c *Config) FailStreakCeiling(count int) int {
	if c.Pipeline.FailStreakCeiling > 0 {
		return c.Pipeline.FailStreakCeiling
	}
	return (count + 1) / 2
}
