package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"prospector/internal/logging"
)

// Summary is the terminal result of one run, attached to the complete
// frame and persisted for post-hoc inspection.
type Summary struct {
	RunID               string    `json:"run_id"`
	ProspectsFound      int       `json:"prospects_found"`
	ProspectsEnriched   int       `json:"prospects_enriched"`
	ProspectsPersisted  int       `json:"prospects_persisted"`
	ProspectsSkipped    int       `json:"prospects_skipped"`
	ProspectsReused     int       `json:"prospects_reused"`
	ProspectsLinked     int       `json:"prospects_linked"`
	WebsitesScraped     int       `json:"websites_scraped"`
	EmailsFound         int       `json:"emails_found"`
	PhonesFound         int       `json:"phones_found"`
	SocialProfilesFound int       `json:"social_profiles_found"`
	AverageICPScore     float64   `json:"average_icp_score"`
	TotalCostUSD        float64   `json:"total_cost"`
	TotalTimeMs         int64     `json:"total_time_ms"`
	Cancelled           bool      `json:"cancelled,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}

// persistSummary writes the summary JSON under
// <root>/prospecting-engine/runs/<run_id>.json with the same
// write-temp-fsync-rename discipline as the backup store.
func persistSummary(root string, s *Summary) error {
	dir := filepath.Join(root, "prospecting-engine", "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create runs dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	final := filepath.Join(dir, s.RunID+".json")
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	logging.Engine("run %s summary persisted to %s", s.RunID, final)
	return nil
}
