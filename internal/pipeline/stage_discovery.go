package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// discoverBatch runs one maps discovery pass for the plan: text
// search, filter, then place details bounded by how many prospects the
// run still needs. Candidates already seen in this run are skipped, so
// a batch returning nothing new means discovery is exhausted.
func (r *Run) discoverBatch(ctx context.Context, plan queryPlan, needed int) ([]types.DetailedCandidate, error) {
	r.iteration++
	raw, err := r.maps.TextSearch(ctx, plan.Query, plan.SearchLocation, r.brief.Radius())
	if err != nil {
		return nil, err
	}

	filtered := r.filterCandidates(raw)
	// Provider ranking is preserved; exact rating ties prefer the
	// better-reviewed entry.
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Rating == filtered[j].Rating {
			return filtered[i].ReviewCount > filtered[j].ReviewCount
		}
		return false
	})

	var details []types.DetailedCandidate
	for _, c := range filtered {
		if len(details) >= needed {
			break
		}
		if ctx.Err() != nil {
			break
		}
		d, err := r.maps.PlaceDetails(ctx, c.PlaceID)
		if err != nil {
			r.warnProgress(StageMapsDiscovery, c.Name, "place details failed: %v", err)
			r.noteProviderError(err)
			continue
		}
		// Seed fields details omit from the search hit.
		if d.Rating == 0 {
			d.Rating = c.Rating
		}
		if d.ReviewCount == 0 {
			d.ReviewCount = c.ReviewCount
		}
		if d.Website == "" && d.Phone == "" {
			logging.DiscoveryDebug("run %s dropping %q: no website or phone", r.id, d.Name)
			continue
		}
		details = append(details, *d)
	}

	record := &types.DiscoveryQuery{
		ProjectID:      r.projectID,
		Query:          plan.Query,
		SearchLocation: plan.SearchLocation,
		Iteration:      r.iteration,
		Strategy:       plan.Strategy,
		TotalResults:   len(raw),
		UniqueResults:  len(details),
		ExecutedAt:     time.Now().UTC(),
	}
	r.pendingQuery = record

	logging.Discovery("run %s batch %d: %d raw, %d filtered, %d detailed",
		r.id, r.iteration, len(raw), len(filtered), len(details))
	return details, nil
}

// filterCandidates applies the brief's quality floor and exclusion
// list, and drops place ids this run has already taken.
func (r *Run) filterCandidates(raw []types.Candidate) []types.Candidate {
	out := make([]types.Candidate, 0, len(raw))
	for _, c := range raw {
		if r.seenPlaces[c.PlaceID] {
			continue
		}
		r.seenPlaces[c.PlaceID] = true
		if c.Rating > 0 && c.Rating < r.brief.MinRating {
			continue
		}
		if matchesExclusion(c.Name, c.Types, r.brief.Exclusions) {
			logging.DiscoveryDebug("run %s excluding %q by brief exclusions", r.id, c.Name)
			continue
		}
		out = append(out, c)
	}
	return out
}

// matchesExclusion reports whether the candidate's name or place types
// contain any excluded term, case-insensitively.
func matchesExclusion(name string, placeTypes, exclusions []string) bool {
	if len(exclusions) == 0 {
		return false
	}
	lowerName := strings.ToLower(name)
	for _, ex := range exclusions {
		term := strings.ToLower(strings.TrimSpace(ex))
		if term == "" {
			continue
		}
		if strings.Contains(lowerName, term) {
			return true
		}
		for _, pt := range placeTypes {
			if strings.Contains(strings.ToLower(pt), term) {
				return true
			}
		}
	}
	return false
}

// recordQueryHistory persists the batch's query row once the number of
// prospects it produced is known. Repeated identical queries within a
// project are recorded once.
func (r *Run) recordQueryHistory(added int) {
	q := r.pendingQuery
	if q == nil {
		return
	}
	r.pendingQuery = nil
	q.NewProspectsAdded = added

	if r.projectID != "" && q.Iteration > 1 {
		exists, err := r.repo.QueryExists(r.projectID, q.Query)
		if err == nil && exists {
			return
		}
	}
	if err := r.repo.SaveDiscoveryQuery(q); err != nil {
		logging.DiscoveryWarn("run %s could not record query history: %v", r.id, err)
	}
}
