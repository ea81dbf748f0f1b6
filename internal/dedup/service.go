package dedup

import (
	"fmt"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// DecisionKind is the outcome of an existence check.
type DecisionKind string

const (
	// SkipContacted: an outreach record references this identity. Do not
	// enrich, do not link.
	SkipContacted DecisionKind = "skip_contacted"
	// UseExistingLead: the company was already analyzed. Reuse the lead.
	UseExistingLead DecisionKind = "use_existing_lead"
	// UseExistingProspect: a prospect exists and is already linked (or no
	// project scope applies). Reuse it instead of re-discovering.
	UseExistingProspect DecisionKind = "use_existing_prospect"
	// LinkOnly: a prospect exists globally but is not yet linked to the
	// current project. Link without re-enriching.
	LinkOnly DecisionKind = "link_only"
	// NewWork: nothing known. Run the full pipeline.
	NewWork DecisionKind = "new_work"
)

// Identity is the company identity a candidate presents. Website and
// company name are matched in normalized form; the place id is exact.
type Identity struct {
	CompanyName   string
	Website       string
	GooglePlaceID string
}

// Decision carries the outcome plus the matched record when one exists.
type Decision struct {
	Kind     DecisionKind
	Lead     *types.Lead     // set for UseExistingLead
	Prospect *types.Prospect // set for UseExistingProspect and LinkOnly
}

// Repository is the read-only store surface the service inspects.
// Identity lookups receive (place_id, normalized_website, normalized_name)
// and match in that priority order, skipping empty components.
type Repository interface {
	OutreachExists(placeID, website, name string) (bool, error)
	FindLeadByIdentity(placeID, website, name string) (*types.Lead, error)
	FindProspectByIdentity(placeID, website, name string) (*types.Prospect, error)
	ProspectLinkedToProject(prospectID, projectID string) (bool, error)
}

// Service performs the three-tier existence check: outreach, then
// analyzed leads, then prospects. It never creates records.
type Service struct {
	repo   Repository
	norm   *Normalizer
	logger *logging.Logger
}

// NewService creates the dedup service.
func NewService(repo Repository, norm *Normalizer) *Service {
	return &Service{
		repo:   repo,
		norm:   norm,
		logger: logging.Get(logging.CategoryDedup),
	}
}

// Check resolves the identity against the three tiers. projectID scopes
// the LinkOnly tier; pass "" for unscoped runs. runID is only for the
// audit trail.
func (s *Service) Check(id Identity, projectID, runID string) (Decision, error) {
	placeID := id.GooglePlaceID
	website := s.norm.NormalizeWebsite(id.Website)
	name := s.norm.NormalizeCompanyName(id.CompanyName)

	if placeID == "" && website == "" && name == "" {
		return Decision{}, fmt.Errorf("empty identity: no place id, website, or company name")
	}

	contacted, err := s.repo.OutreachExists(placeID, website, name)
	if err != nil {
		return Decision{}, fmt.Errorf("outreach lookup: %w", err)
	}
	if contacted {
		s.logger.Info("Skip %q: already contacted", id.CompanyName)
		logging.AuditDedup(runID, id.CompanyName, string(SkipContacted))
		return Decision{Kind: SkipContacted}, nil
	}

	lead, err := s.repo.FindLeadByIdentity(placeID, website, name)
	if err != nil {
		return Decision{}, fmt.Errorf("lead lookup: %w", err)
	}
	if lead != nil {
		s.logger.Info("Reuse lead %s for %q", lead.ID, id.CompanyName)
		logging.AuditDedup(runID, id.CompanyName, string(UseExistingLead))
		return Decision{Kind: UseExistingLead, Lead: lead}, nil
	}

	prospect, err := s.repo.FindProspectByIdentity(placeID, website, name)
	if err != nil {
		return Decision{}, fmt.Errorf("prospect lookup: %w", err)
	}
	if prospect != nil {
		if projectID != "" {
			linked, err := s.repo.ProspectLinkedToProject(prospect.ID, projectID)
			if err != nil {
				return Decision{}, fmt.Errorf("link lookup: %w", err)
			}
			if !linked {
				s.logger.Info("Link-only %q: prospect %s exists but is new to project %s",
					id.CompanyName, prospect.ID, projectID)
				logging.AuditDedup(runID, id.CompanyName, string(LinkOnly))
				return Decision{Kind: LinkOnly, Prospect: prospect}, nil
			}
		}
		s.logger.Info("Reuse prospect %s for %q", prospect.ID, id.CompanyName)
		logging.AuditDedup(runID, id.CompanyName, string(UseExistingProspect))
		return Decision{Kind: UseExistingProspect, Prospect: prospect}, nil
	}

	s.logger.Debug("New work: %q", id.CompanyName)
	logging.AuditDedup(runID, id.CompanyName, string(NewWork))
	return Decision{Kind: NewWork}, nil
}
