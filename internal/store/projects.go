package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// LinkProspectToProject creates the (project, prospect) association with
// its per-link provenance. Linking the same pair twice is a no-op.
func (r *Repository) LinkProspectToProject(link *types.ProjectProspect) error {
	timer := logging.StartTimer(logging.CategoryStore, "LinkProspectToProject")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	if link.AddedAt.IsZero() {
		link.AddedAt = time.Now().UTC()
	}
	brief, err := jsonText(link.ICPBriefSnapshot)
	if err != nil {
		return err
	}
	prompts, err := jsonText(link.PromptsSnapshot)
	if err != nil {
		return err
	}
	models, err := jsonText(link.ModelSelectionsSnapshot)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO project_prospects (
			project_id, prospect_id, run_id, icp_brief_snapshot,
			prompts_snapshot, model_selections_snapshot, relevance_reasoning,
			discovery_cost_usd, discovery_time_ms, status, added_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, prospect_id) DO NOTHING`,
		link.ProjectID, link.ProspectID, nullStr(link.RunID), brief,
		prompts, models, nullStr(link.RelevanceReasoning),
		link.DiscoveryCostUSD, link.DiscoveryTimeMs, nullStr(link.Status), link.AddedAt,
	)
	if err != nil {
		logging.StoreError("Failed to link prospect %s to project %s: %v", link.ProspectID, link.ProjectID, err)
		return fmt.Errorf("failed to link prospect: %w", err)
	}
	logging.StoreDebug("Linked prospect %s to project %s", link.ProspectID, link.ProjectID)
	return nil
}

// ProspectLinkedToProject reports whether the pair already exists.
func (r *Repository) ProspectLinkedToProject(prospectID, projectID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM project_prospects WHERE prospect_id = ? AND project_id = ?",
		prospectID, projectID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query project link: %w", err)
	}
	return n > 0, nil
}

// FindProspectExistsInProject reports whether a prospect with this place
// id is already linked into the project.
func (r *Repository) FindProspectExistsInProject(placeID, projectID string) (bool, error) {
	if placeID == "" {
		return false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*)
		FROM project_prospects pp
		JOIN prospects p ON p.id = pp.prospect_id
		WHERE p.google_place_id = ? AND pp.project_id = ?`,
		placeID, projectID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query project membership: %w", err)
	}
	return n > 0, nil
}

// GetProjectConfig reads the project's prospecting configuration. A
// missing project row yields an empty config, not an error.
func (r *Repository) GetProjectConfig(projectID string) (*types.ProjectConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := &types.ProjectConfig{ProjectID: projectID}
	var brief, prompts, models sql.NullString
	err := r.db.QueryRow(
		"SELECT icp_brief, prospecting_prompts, prospecting_model_selections FROM projects WHERE id = ?",
		projectID,
	).Scan(&brief, &prompts, &models)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	unmarshalText(brief, &cfg.ICPBrief)
	unmarshalText(prompts, &cfg.ProspectingPrompts)
	unmarshalText(models, &cfg.ModelSelections)
	return cfg, nil
}

// SaveProjectICPAndPrompts writes the brief and prompt snapshots onto the
// project row, but only where the column is still null. The first run
// wins; later runs cannot rewrite project configuration.
func (r *Repository) SaveProjectICPAndPrompts(projectID string, brief *types.Brief, prompts map[string]types.PromptSnapshot) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveProjectICPAndPrompts")
	defer timer.Stop()

	briefText, err := jsonText(brief)
	if err != nil {
		return err
	}
	promptsText, err := jsonText(prompts)
	if err != nil {
		return err
	}
	return r.lockProjectColumns(projectID, map[string]interface{}{
		"icp_brief":           briefText,
		"prospecting_prompts": promptsText,
	})
}

// SaveProspectingConfig writes the model selections, only-if-null.
func (r *Repository) SaveProspectingConfig(projectID string, models *types.ModelSelections) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveProspectingConfig")
	defer timer.Stop()

	modelsText, err := jsonText(models)
	if err != nil {
		return err
	}
	return r.lockProjectColumns(projectID, map[string]interface{}{
		"prospecting_model_selections": modelsText,
	})
}

// lockProjectColumns ensures the project row exists, then fills each given
// column only when it is currently null (write-if-absent).
func (r *Repository) lockProjectColumns(projectID string, cols map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec(
		"INSERT INTO projects (id) VALUES (?) ON CONFLICT(id) DO NOTHING", projectID,
	); err != nil {
		return fmt.Errorf("failed to ensure project row: %w", err)
	}
	for col, val := range cols {
		if val == nil {
			continue
		}
		_, err := r.db.Exec(
			"UPDATE projects SET "+col+" = COALESCE("+col+", ?), updated_at = ? WHERE id = ?",
			val, time.Now().UTC(), projectID,
		)
		if err != nil {
			return fmt.Errorf("failed to lock project column %s: %w", col, err)
		}
	}
	return nil
}

// SaveDiscoveryQuery appends one executed search to the history.
func (r *Repository) SaveDiscoveryQuery(q *types.DiscoveryQuery) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveDiscoveryQuery")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	if q.ExecutedAt.IsZero() {
		q.ExecutedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO discovery_queries (
			project_id, query, search_location, iteration, strategy,
			total_results, unique_results, new_prospects_added, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(q.ProjectID), q.Query, nullStr(q.SearchLocation), q.Iteration,
		nullStr(q.Strategy), q.TotalResults, q.UniqueResults, q.NewProspectsAdded,
		q.ExecutedAt,
	)
	if err != nil {
		logging.StoreError("Failed to save discovery query: %v", err)
		return fmt.Errorf("failed to save discovery query: %w", err)
	}
	return nil
}

// ListPreviousQueries returns the project's search history, newest first.
func (r *Repository) ListPreviousQueries(projectID string, limit int) ([]types.DiscoveryQuery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT project_id, query, search_location, iteration, strategy,
		       total_results, unique_results, new_prospects_added, executed_at
		FROM discovery_queries WHERE project_id = ?
		ORDER BY executed_at DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var out []types.DiscoveryQuery
	for rows.Next() {
		var q types.DiscoveryQuery
		var projID, loc, strategy sql.NullString
		var executedAt sql.NullTime
		if err := rows.Scan(&projID, &q.Query, &loc, &q.Iteration, &strategy,
			&q.TotalResults, &q.UniqueResults, &q.NewProspectsAdded, &executedAt); err != nil {
			continue
		}
		q.ProjectID = projID.String
		q.SearchLocation = loc.String
		q.Strategy = strategy.String
		if executedAt.Valid {
			q.ExecutedAt = executedAt.Time
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// QueryExists reports whether this exact query already ran for the project.
func (r *Repository) QueryExists(projectID, query string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM discovery_queries WHERE project_id = ? AND query = ?",
		projectID, query,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check query history: %w", err)
	}
	return n > 0, nil
}

// FindLeadByIdentity resolves (place_id, normalized_website,
// normalized_name) against the leads table in priority order.
func (r *Repository) FindLeadByIdentity(placeID, website, name string) (*types.Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if placeID != "" {
		if l, err := r.findOneLead("google_place_id = ?", placeID); err != nil || l != nil {
			return l, err
		}
	}
	if website != "" {
		if l, err := r.findOneLead("normalized_website = ?", website); err != nil || l != nil {
			return l, err
		}
	}
	if name != "" {
		if l, err := r.findOneLead("normalized_name = ?", name); err != nil || l != nil {
			return l, err
		}
	}
	return nil, nil
}

func (r *Repository) findOneLead(cond string, args ...interface{}) (*types.Lead, error) {
	var l types.Lead
	var website, placeID, status sql.NullString
	var createdAt sql.NullTime
	err := r.db.QueryRow(
		"SELECT id, company_name, website, google_place_id, status, created_at FROM leads WHERE "+cond+" LIMIT 1",
		args...,
	).Scan(&l.ID, &l.CompanyName, &website, &placeID, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lead: %w", err)
	}
	l.Website = website.String
	l.GooglePlaceID = placeID.String
	l.Status = status.String
	if createdAt.Valid {
		l.CreatedAt = createdAt.Time
	}
	return &l, nil
}

// OutreachExists reports whether any outreach record matches the identity.
func (r *Repository) OutreachExists(placeID, website, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conds := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)
	if placeID != "" {
		conds = append(conds, "google_place_id = ?")
		args = append(args, placeID)
	}
	if website != "" {
		conds = append(conds, "normalized_website = ?")
		args = append(args, website)
	}
	if name != "" {
		conds = append(conds, "normalized_name = ?")
		args = append(args, name)
	}
	if len(conds) == 0 {
		return false, nil
	}

	query := "SELECT COUNT(*) FROM outreach_records WHERE " + conds[0]
	for _, c := range conds[1:] {
		query += " OR " + c
	}
	var n int
	if err := r.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query outreach records: %w", err)
	}
	return n > 0, nil
}
