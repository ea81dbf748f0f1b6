// Package pipeline drives one prospecting run: seven stages per
// prospect, sequential within the run, with dedup, local-first
// persistence, and an ordered progress stream for the caller.
package pipeline

import (
	"time"

	"prospector/internal/types"
)

// EventType names one progress stream frame kind.
type EventType string

const (
	EventStarted         EventType = "started"
	EventProgress        EventType = "progress"
	EventCompanyComplete EventType = "company_complete"
	EventSkipped         EventType = "skipped"
	EventReused          EventType = "reused"
	EventLinked          EventType = "linked"
	EventError           EventType = "error"
	EventComplete        EventType = "complete"
)

// Stage numbers as surfaced in progress events. Stages 1 and 2 run
// once per discovery batch; 3 through 7 run per prospect.
const (
	StageQueryUnderstanding = 1
	StageMapsDiscovery      = 2
	StageWebsiteVerify      = 3
	StageDataExtraction     = 4
	StageSocialDiscovery    = 5
	StageSocialMetadata     = 6
	StageRelevanceScoring   = 7

	TotalStages = 7
)

// Event is one frame on the progress stream.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Payload   interface{} `json:"payload,omitempty"`

	// stage keys coalescing for progress events; zero otherwise.
	stage int
}

// critical reports whether the event must never be dropped by the
// queue. Only intermediate progress frames are coalescable.
func (e Event) critical() bool {
	return e.Type != EventProgress
}

// terminal reports whether the event ends the stream.
func (e Event) terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// ProgressPayload is the body of a progress frame.
type ProgressPayload struct {
	Stage       int    `json:"stage"`
	Company     string `json:"company,omitempty"`
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Message     string `json:"message,omitempty"`
	Level       string `json:"level,omitempty"` // "warning" for recoverable errors
}

// StartedPayload is the body of the started frame.
type StartedPayload struct {
	Brief     types.Brief `json:"brief"`
	ProjectID string      `json:"project_id,omitempty"`
}

// CompanyPayload carries a company outcome for company_complete,
// skipped, reused, and linked frames.
type CompanyPayload struct {
	Company  string          `json:"company"`
	Reason   string          `json:"reason,omitempty"`
	Prospect *types.Prospect `json:"prospect,omitempty"`
}

// ErrorPayload is the body of the terminal error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}
