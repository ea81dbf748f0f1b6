// Package store implements the SQLite repository. One file, one writer:
// the connection pool is pinned to a single connection with WAL journaling,
// which keeps row-level operations serializable without multi-row
// transactions.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"prospector/internal/logging"
)

// Normalizer produces the canonical identity forms stored in the
// normalized_website / normalized_name columns used by dedup lookups.
type Normalizer interface {
	NormalizeWebsite(string) string
	NormalizeCompanyName(string) string
}

// Repository owns all reads and writes against the SQLite file.
type Repository struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	norm   Normalizer
}

// New opens (creating if needed) the database at path and ensures the
// schema exists.
func New(path string, busyTimeoutMs int, norm Normalizer) (*Repository, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Opening repository at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs)); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and considerably faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	repo := &Repository{db: db, dbPath: path, norm: norm}
	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Repository schema ready")
	return repo, nil
}

// initialize creates the required tables.
func (r *Repository) initialize() error {
	prospectsTable := `
	CREATE TABLE IF NOT EXISTS prospects (
		id TEXT PRIMARY KEY,
		google_place_id TEXT UNIQUE,
		company_name TEXT NOT NULL,
		normalized_name TEXT,
		industry TEXT,
		address TEXT,
		city TEXT,
		state TEXT,
		website TEXT,
		normalized_website TEXT,
		website_status TEXT,
		contact_email TEXT,
		contact_phone TEXT,
		contact_name TEXT,
		description TEXT,
		services TEXT,
		google_rating REAL,
		google_review_count INTEGER,
		most_recent_review_date DATETIME,
		social_profiles TEXT,
		social_metadata TEXT,
		icp_match_score INTEGER DEFAULT 0,
		is_relevant BOOLEAN DEFAULT 0,
		relevance_reasoning TEXT,
		score_breakdown TEXT,
		run_id TEXT,
		source TEXT,
		status TEXT,
		icp_brief_snapshot TEXT,
		prompts_snapshot TEXT,
		model_selections_snapshot TEXT,
		discovery_cost_usd REAL DEFAULT 0,
		discovery_time_ms INTEGER DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_prospects_status ON prospects(status);
	CREATE INDEX IF NOT EXISTS idx_prospects_city ON prospects(city);
	CREATE INDEX IF NOT EXISTS idx_prospects_industry ON prospects(industry);
	CREATE INDEX IF NOT EXISTS idx_prospects_run ON prospects(run_id);
	CREATE INDEX IF NOT EXISTS idx_prospects_created ON prospects(created_at);
	CREATE INDEX IF NOT EXISTS idx_prospects_norm_website ON prospects(normalized_website);
	CREATE INDEX IF NOT EXISTS idx_prospects_norm_name ON prospects(normalized_name);
	`

	projectsTable := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		icp_brief TEXT,
		prospecting_prompts TEXT,
		prospecting_model_selections TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME
	);
	`

	projectProspectsTable := `
	CREATE TABLE IF NOT EXISTS project_prospects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		prospect_id TEXT NOT NULL,
		run_id TEXT,
		icp_brief_snapshot TEXT,
		prompts_snapshot TEXT,
		model_selections_snapshot TEXT,
		relevance_reasoning TEXT,
		discovery_cost_usd REAL DEFAULT 0,
		discovery_time_ms INTEGER DEFAULT 0,
		status TEXT,
		added_at DATETIME,
		UNIQUE(project_id, prospect_id)
	);
	CREATE INDEX IF NOT EXISTS idx_pp_project ON project_prospects(project_id);
	CREATE INDEX IF NOT EXISTS idx_pp_prospect ON project_prospects(prospect_id);
	`

	discoveryQueriesTable := `
	CREATE TABLE IF NOT EXISTS discovery_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT,
		query TEXT NOT NULL,
		search_location TEXT,
		iteration INTEGER DEFAULT 0,
		strategy TEXT,
		total_results INTEGER DEFAULT 0,
		unique_results INTEGER DEFAULT 0,
		new_prospects_added INTEGER DEFAULT 0,
		executed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_dq_project ON discovery_queries(project_id);
	`

	// Leads and outreach records are written by sibling subsystems; the
	// pipeline only reads them for dedup. Writers populate the normalized
	// identity columns with the same normalizer this package uses.
	leadsTable := `
	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		company_name TEXT NOT NULL,
		normalized_name TEXT,
		website TEXT,
		normalized_website TEXT,
		google_place_id TEXT,
		status TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_leads_place ON leads(google_place_id);
	CREATE INDEX IF NOT EXISTS idx_leads_norm_website ON leads(normalized_website);
	CREATE INDEX IF NOT EXISTS idx_leads_norm_name ON leads(normalized_name);
	`

	outreachTable := `
	CREATE TABLE IF NOT EXISTS outreach_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lead_id TEXT,
		company_name TEXT,
		normalized_name TEXT,
		website TEXT,
		normalized_website TEXT,
		google_place_id TEXT,
		channel TEXT,
		sent_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_outreach_place ON outreach_records(google_place_id);
	CREATE INDEX IF NOT EXISTS idx_outreach_norm_website ON outreach_records(normalized_website);
	CREATE INDEX IF NOT EXISTS idx_outreach_norm_name ON outreach_records(normalized_name);
	`

	tables := []string{
		prospectsTable,
		projectsTable,
		projectProspectsTable,
		discoveryQueriesTable,
		leadsTable,
		outreachTable,
	}
	for _, table := range tables {
		if _, err := r.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Store("Closing repository")
	return r.db.Close()
}

// nullStr stores empty strings as NULL so UNIQUE and equality behave.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullFloat stores zero as NULL so aggregates skip absent values.
func nullFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

// jsonText marshals v to a TEXT column value, NULL for nil or empty.
func jsonText(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field: %w", err)
	}
	s := string(data)
	if s == "null" || s == "{}" || s == "[]" {
		return nil, nil
	}
	return s, nil
}

// unmarshalText decodes a nullable JSON TEXT column into target.
func unmarshalText(ns sql.NullString, target interface{}) {
	if !ns.Valid || ns.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(ns.String), target); err != nil {
		logging.StoreDebug("Skipping malformed JSON column: %v", err)
	}
}
