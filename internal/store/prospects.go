package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// ErrDuplicatePlaceID is returned when an insert collides on
// google_place_id.
var ErrDuplicatePlaceID = errors.New("google place id already exists")

// prospectColumns is the scan order shared by every prospect query.
const prospectColumns = `id, google_place_id, company_name, industry, address, city, state,
	website, website_status, contact_email, contact_phone, contact_name,
	description, services, google_rating, google_review_count,
	most_recent_review_date, social_profiles, social_metadata,
	icp_match_score, is_relevant, relevance_reasoning, score_breakdown,
	run_id, source, status, icp_brief_snapshot, prompts_snapshot,
	model_selections_snapshot, discovery_cost_usd, discovery_time_ms,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProspect(row rowScanner) (*types.Prospect, error) {
	var p types.Prospect
	var placeID, industry, address, city, state, website, websiteStatus sql.NullString
	var email, phone, contactName, description, reasoning sql.NullString
	var services, socialProfiles, socialMetadata, breakdown sql.NullString
	var runID, source, status, brief, prompts, models sql.NullString
	var rating sql.NullFloat64
	var reviews, timeMs sql.NullInt64
	var reviewDate, createdAt, updatedAt sql.NullTime
	var costUSD sql.NullFloat64

	err := row.Scan(
		&p.ID, &placeID, &p.CompanyName, &industry, &address, &city, &state,
		&website, &websiteStatus, &email, &phone, &contactName,
		&description, &services, &rating, &reviews,
		&reviewDate, &socialProfiles, &socialMetadata,
		&p.ICPMatchScore, &p.IsRelevant, &reasoning, &breakdown,
		&runID, &source, &status, &brief, &prompts,
		&models, &costUSD, &timeMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.GooglePlaceID = placeID.String
	p.Industry = industry.String
	p.Address = address.String
	p.City = city.String
	p.State = state.String
	p.Website = website.String
	p.WebsiteStatus = types.WebsiteStatus(websiteStatus.String)
	p.ContactEmail = email.String
	p.ContactPhone = phone.String
	p.ContactName = contactName.String
	p.Description = description.String
	p.RelevanceReasoning = reasoning.String
	p.RunID = runID.String
	p.Source = source.String
	p.Status = status.String
	p.GoogleRating = rating.Float64
	p.GoogleReviewCount = int(reviews.Int64)
	p.DiscoveryCostUSD = costUSD.Float64
	p.DiscoveryTimeMs = timeMs.Int64
	if reviewDate.Valid {
		t := reviewDate.Time
		p.MostRecentReviewDate = &t
	}
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.Time
	}
	unmarshalText(services, &p.Services)
	unmarshalText(socialProfiles, &p.SocialProfiles)
	unmarshalText(socialMetadata, &p.SocialMetadata)
	unmarshalText(breakdown, &p.ScoreBreakdown)
	unmarshalText(brief, &p.ICPBriefSnapshot)
	unmarshalText(prompts, &p.PromptsSnapshot)
	unmarshalText(models, &p.ModelSelectionsSnapshot)
	return &p, nil
}

// InsertProspect persists a new prospect. Collisions on google_place_id
// return ErrDuplicatePlaceID.
func (r *Repository) InsertProspect(p *types.Prospect) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertProspect")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	services, err := jsonText(p.Services)
	if err != nil {
		return err
	}
	profiles, err := jsonText(p.SocialProfiles)
	if err != nil {
		return err
	}
	metadata, err := jsonText(p.SocialMetadata)
	if err != nil {
		return err
	}
	breakdown, err := jsonText(p.ScoreBreakdown)
	if err != nil {
		return err
	}
	brief, err := jsonText(p.ICPBriefSnapshot)
	if err != nil {
		return err
	}
	prompts, err := jsonText(p.PromptsSnapshot)
	if err != nil {
		return err
	}
	models, err := jsonText(p.ModelSelectionsSnapshot)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO prospects (
			id, google_place_id, company_name, normalized_name, industry,
			address, city, state, website, normalized_website, website_status,
			contact_email, contact_phone, contact_name, description, services,
			google_rating, google_review_count, most_recent_review_date,
			social_profiles, social_metadata,
			icp_match_score, is_relevant, relevance_reasoning, score_breakdown,
			run_id, source, status, icp_brief_snapshot, prompts_snapshot,
			model_selections_snapshot, discovery_cost_usd, discovery_time_ms,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullStr(p.GooglePlaceID), p.CompanyName,
		nullStr(r.norm.NormalizeCompanyName(p.CompanyName)), nullStr(p.Industry),
		nullStr(p.Address), nullStr(p.City), nullStr(p.State),
		nullStr(p.Website), nullStr(r.norm.NormalizeWebsite(p.Website)),
		nullStr(string(p.WebsiteStatus)),
		nullStr(p.ContactEmail), nullStr(p.ContactPhone), nullStr(p.ContactName),
		nullStr(p.Description), services,
		nullFloat(p.GoogleRating), p.GoogleReviewCount, nullTime(p.MostRecentReviewDate),
		profiles, metadata,
		p.ICPMatchScore, p.IsRelevant, nullStr(p.RelevanceReasoning), breakdown,
		nullStr(p.RunID), nullStr(p.Source), nullStr(p.Status), brief, prompts,
		models, p.DiscoveryCostUSD, p.DiscoveryTimeMs,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: prospects.google_place_id") {
			return fmt.Errorf("%w: %s", ErrDuplicatePlaceID, p.GooglePlaceID)
		}
		logging.StoreError("Failed to insert prospect %s: %v", p.ID, err)
		return fmt.Errorf("failed to insert prospect: %w", err)
	}
	logging.Store("Inserted prospect %s (%q, place=%s)", p.ID, p.CompanyName, p.GooglePlaceID)
	return nil
}

// FindProspectByID returns the prospect or nil when absent.
func (r *Repository) FindProspectByID(id string) (*types.Prospect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findOneProspect("id = ?", id)
}

// FindProspectByPlaceID returns the prospect or nil when absent.
func (r *Repository) FindProspectByPlaceID(placeID string) (*types.Prospect, error) {
	if placeID == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findOneProspect("google_place_id = ?", placeID)
}

// FindProspectByIdentity resolves (place_id, normalized_website,
// normalized_name) in that priority order, skipping empty components.
func (r *Repository) FindProspectByIdentity(placeID, website, name string) (*types.Prospect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if placeID != "" {
		if p, err := r.findOneProspect("google_place_id = ?", placeID); err != nil || p != nil {
			return p, err
		}
	}
	if website != "" {
		if p, err := r.findOneProspect("normalized_website = ?", website); err != nil || p != nil {
			return p, err
		}
	}
	if name != "" {
		if p, err := r.findOneProspect("normalized_name = ?", name); err != nil || p != nil {
			return p, err
		}
	}
	return nil, nil
}

func (r *Repository) findOneProspect(cond string, args ...interface{}) (*types.Prospect, error) {
	row := r.db.QueryRow("SELECT "+prospectColumns+" FROM prospects WHERE "+cond+" LIMIT 1", args...)
	p, err := scanProspect(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prospect: %w", err)
	}
	return p, nil
}

// upsertableColumns is the partial-update whitelist. Identity and
// creation metadata never change through UpsertProspectFields.
var upsertableColumns = map[string]bool{
	"company_name": true, "industry": true, "address": true, "city": true,
	"state": true, "website": true, "website_status": true,
	"contact_email": true, "contact_phone": true, "contact_name": true,
	"description": true, "services": true,
	"google_rating": true, "google_review_count": true, "most_recent_review_date": true,
	"social_profiles": true, "social_metadata": true,
	"icp_match_score": true, "is_relevant": true, "relevance_reasoning": true,
	"score_breakdown": true, "status": true,
	"discovery_cost_usd": true, "discovery_time_ms": true,
}

// UpsertProspectFields applies a partial update and bumps updated_at.
// Unknown columns are rejected; website and company_name updates refresh
// the normalized identity columns.
func (r *Repository) UpsertProspectFields(id string, fields map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertProspectFields")
	defer timer.Stop()

	if len(fields) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sets := make([]string, 0, len(fields)+3)
	args := make([]interface{}, 0, len(fields)+4)
	for col, val := range fields {
		if !upsertableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		dbVal, err := toDBValue(val)
		if err != nil {
			return fmt.Errorf("field %q: %w", col, err)
		}
		sets = append(sets, col+" = ?")
		args = append(args, dbVal)

		switch col {
		case "website":
			sets = append(sets, "normalized_website = ?")
			if s, ok := val.(string); ok {
				args = append(args, nullStr(r.norm.NormalizeWebsite(s)))
			} else {
				args = append(args, nil)
			}
		case "company_name":
			sets = append(sets, "normalized_name = ?")
			if s, ok := val.(string); ok {
				args = append(args, nullStr(r.norm.NormalizeCompanyName(s)))
			} else {
				args = append(args, nil)
			}
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	res, err := r.db.Exec("UPDATE prospects SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		logging.StoreError("Failed to update prospect %s: %v", id, err)
		return fmt.Errorf("failed to update prospect: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prospect %s not found", id)
	}
	logging.StoreDebug("Updated prospect %s (%d fields)", id, len(fields))
	return nil
}

// toDBValue converts a partial-update value to a column value. Scalars
// pass through; structured values become JSON text.
func toDBValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return nullStr(x), nil
	case bool, int, int64, float64, time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UTC(), nil
	default:
		return jsonText(x)
	}
}

// ListProspects returns one page plus the total match count, newest first.
func (r *Repository) ListProspects(f types.ProspectFilters) ([]*types.Prospect, int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListProspects")
	defer timer.Stop()

	r.mu.RLock()
	defer r.mu.RUnlock()

	where, args := buildProspectFilters(f)

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM prospects WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count prospects: %w", err)
	}

	query := "SELECT " + prospectColumns + " FROM prospects WHERE " + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	pageArgs := append(append([]interface{}{}, args...), f.EffectiveLimit(), f.Offset)
	rows, err := r.db.Query(query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list prospects: %w", err)
	}
	defer rows.Close()

	var page []*types.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			logging.StoreError("Skipping unscannable prospect row: %v", err)
			continue
		}
		page = append(page, p)
	}
	return page, total, rows.Err()
}

func buildProspectFilters(f types.ProspectFilters) (string, []interface{}) {
	conds := []string{"1=1"}
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.City != "" {
		conds = append(conds, "city = ? COLLATE NOCASE")
		args = append(args, f.City)
	}
	if f.Industry != "" {
		conds = append(conds, "industry = ? COLLATE NOCASE")
		args = append(args, f.Industry)
	}
	if f.MinRating > 0 {
		conds = append(conds, "google_rating >= ?")
		args = append(args, f.MinRating)
	}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.ProjectID != "" {
		conds = append(conds, "id IN (SELECT prospect_id FROM project_prospects WHERE project_id = ?)")
		args = append(args, f.ProjectID)
	}
	if f.RecentlyReviewedWithinMonths > 0 {
		conds = append(conds, "most_recent_review_date >= datetime('now', ?)")
		args = append(args, fmt.Sprintf("-%d months", f.RecentlyReviewedWithinMonths))
	}
	return strings.Join(conds, " AND "), args
}

// Stats aggregates the prospect table for the stats endpoint.
func (r *Repository) Stats() (*types.ProspectStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &types.ProspectStats{
		ByStatus:   make(map[string]int),
		ByIndustry: make(map[string]int),
	}

	var avg sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT COUNT(*),
		       AVG(google_rating),
		       COALESCE(SUM(CASE WHEN website IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN social_profiles IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM prospects`).Scan(&stats.Total, &avg, &stats.WithWebsite, &stats.WithSocial)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate prospects: %w", err)
	}
	stats.AverageRating = avg.Float64

	if err := r.groupCount("status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := r.groupCount("industry", stats.ByIndustry); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *Repository) groupCount(col string, into map[string]int) error {
	rows, err := r.db.Query("SELECT " + col + ", COUNT(*) FROM prospects WHERE " + col + " IS NOT NULL GROUP BY " + col)
	if err != nil {
		return fmt.Errorf("failed to group by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			continue
		}
		into[key] = n
	}
	return rows.Err()
}
