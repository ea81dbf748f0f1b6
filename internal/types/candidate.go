package types

import "time"

// Candidate is one normalized maps text-search hit.
type Candidate struct {
	PlaceID     string   `json:"place_id"`
	Name        string   `json:"name"`
	Address     string   `json:"address,omitempty"`
	City        string   `json:"city,omitempty"`
	State       string   `json:"state,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	ReviewCount int      `json:"review_count,omitempty"`
	Website     string   `json:"website,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// DetailedCandidate augments a candidate with place-details fields.
type DetailedCandidate struct {
	Candidate
	OpeningHours      []string    `json:"opening_hours,omitempty"`
	RecentReviewDates []time.Time `json:"recent_review_dates,omitempty"`
	PhotoRefs         []string    `json:"photo_refs,omitempty"`
}

// MostRecentReview returns the latest review date, nil when unknown.
func (d *DetailedCandidate) MostRecentReview() *time.Time {
	var latest *time.Time
	for i := range d.RecentReviewDates {
		t := d.RecentReviewDates[i]
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}

// ToProspect seeds a prospect from maps data. Identity, enrichment, and
// provenance fields are filled by later stages.
func (d *DetailedCandidate) ToProspect() Prospect {
	return Prospect{
		GooglePlaceID:        d.PlaceID,
		CompanyName:          d.Name,
		Address:              d.Address,
		City:                 d.City,
		State:                d.State,
		Website:              d.Website,
		ContactPhone:         d.Phone,
		GoogleRating:         d.Rating,
		GoogleReviewCount:    d.ReviewCount,
		MostRecentReviewDate: d.MostRecentReview(),
		Source:               SourceName,
		Status:               StatusProspected,
	}
}
