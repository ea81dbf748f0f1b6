package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/dedup"
	"prospector/internal/logging"
	"prospector/internal/prompt"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// Config carries the orchestrator's constructor-injected dependencies.
// Everything here is shared across concurrent runs.
type Config struct {
	AppConfig *config.Config

	Text    TextCompleter
	Vision  VisionAnalyzer
	Maps    MapsSearcher
	Browser PageRenderer

	Repo   Store
	Dedup  Deduper
	Backup BackupStore
	Costs  CostMeter

	// Prompts hands each run its immutable prompt set at start.
	Prompts *prompt.Registry
}

// Orchestrator creates runs. One orchestrator serves the whole process;
// each run gets its own Run value and event queue.
type Orchestrator struct {
	cfg     Config
	parking *parkingDetector
}

// NewOrchestrator validates the dependency set and compiles the
// parking detection tables once.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	for name, dep := range map[string]bool{
		"text LLM":     cfg.Text == nil,
		"maps client":  cfg.Maps == nil,
		"browser":      cfg.Browser == nil,
		"repository":   cfg.Repo == nil,
		"dedup":        cfg.Dedup == nil,
		"backup store": cfg.Backup == nil,
		"cost meter":   cfg.Costs == nil,
		"prompts":      cfg.Prompts == nil,
	} {
		if dep {
			return nil, fmt.Errorf("orchestrator dependency missing: %s", name)
		}
	}
	parking, err := newParkingDetector(cfg.AppConfig.Pipeline.ParkingHosts, cfg.AppConfig.Pipeline.ParkingIndicators)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, parking: parking}, nil
}

// Run is one prospecting run in flight.
type Run struct {
	id        string
	brief     types.Brief
	options   types.RunOptions
	projectID string

	text    TextCompleter
	vision  VisionAnalyzer
	maps    MapsSearcher
	browser PageRenderer
	repo    Store
	dedupSv Deduper
	backup  BackupStore
	costs   CostMeter
	prompts PromptSet
	web     *webFetcher
	parking *parkingDetector

	// Derived configuration, fixed at run start.
	maxPages            int
	confidenceThreshold float64
	relatedIndustries   map[string][]string
	socialPlatforms     []string
	prospectBudget      time.Duration
	browserTimeout      time.Duration
	failCeiling         int
	backupRoot          string

	// Run state. The run loop is the only writer.
	queue          *EventQueue
	seenPlaces     map[string]bool
	pendingQuery   *types.DiscoveryQuery
	promptSnaps    map[string]types.PromptSnapshot
	modelSnapshot  types.ModelSelections
	briefSnapshot  types.Brief
	iteration      int
	failStreak     int
	visionDisabled bool
	summary        Summary
	scoreTotal     int
	scoreCount     int
}

// StartRun validates the request, resolves project configuration, and
// launches the run loop. Progress arrives on Events(); the channel
// closes after the terminal frame.
func (o *Orchestrator) StartRun(ctx context.Context, req *types.RunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	app := o.cfg.AppConfig
	browserTimeout := time.Duration(req.Options.BrowserTimeout()) * time.Millisecond

	r := &Run{
		id:        uuid.NewString(),
		brief:     req.Brief,
		options:   req.Options,
		projectID: req.Options.ProjectID,

		text:    o.cfg.Text,
		vision:  o.cfg.Vision,
		maps:    o.cfg.Maps,
		browser: o.cfg.Browser,
		repo:    o.cfg.Repo,
		dedupSv: o.cfg.Dedup,
		backup:  o.cfg.Backup,
		costs:   o.cfg.Costs,
		prompts: o.cfg.Prompts.Current(),
		web:     newWebFetcher(browserTimeout),
		parking: o.parking,

		maxPages:            app.Pipeline.MaxPagesPerSite,
		confidenceThreshold: app.Pipeline.ExtractionConfidenceThreshold,
		relatedIndustries:   app.Pipeline.RelatedIndustries,
		socialPlatforms:     app.Pipeline.SocialPlatforms,
		prospectBudget:      app.ProspectBudget(),
		browserTimeout:      browserTimeout,
		failCeiling:         app.FailStreakCeiling(req.Brief.Count),
		backupRoot:          app.BackupRoot(),

		queue:       NewEventQueue(app.Pipeline.EventBuffer),
		seenPlaces:  make(map[string]bool),
		promptSnaps: make(map[string]types.PromptSnapshot),
	}
	r.modelSnapshot = r.text.Models()
	if r.vision != nil {
		r.modelSnapshot.VisionModel = r.vision.Model()
	}

	if err := r.resolveProjectConfig(); err != nil {
		return nil, err
	}

	go r.execute(ctx)
	return r, nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Events is the ordered progress stream for this run.
func (r *Run) Events() <-chan Event { return r.queue.Events() }

// Summary returns the final counters. Valid once Events() has closed.
func (r *Run) Summary() Summary { return r.summary }

// resolveProjectConfig merges the project's stored brief over the
// request brief and applies the first-run configuration lock: null
// project columns are written once with this run's values; existing
// values win and are never overwritten.
func (r *Run) resolveProjectConfig() error {
	r.briefSnapshot = r.brief
	if r.projectID == "" {
		return nil
	}

	projCfg, err := r.repo.GetProjectConfig(r.projectID)
	if err != nil {
		return fmt.Errorf("project config: %w", err)
	}
	r.brief = r.brief.Merge(projCfg.ICPBrief)
	r.briefSnapshot = r.brief

	if err := r.repo.SaveProjectICPAndPrompts(r.projectID, &r.brief, r.prompts.Snapshots()); err != nil {
		logging.EngineWarn("run %s: project config lock failed: %v", r.id, err)
	}
	if err := r.repo.SaveProspectingConfig(r.projectID, &r.modelSnapshot); err != nil {
		logging.EngineWarn("run %s: model selections lock failed: %v", r.id, err)
	}
	return nil
}

// execute is the run loop.
func (r *Run) execute(ctx context.Context) {
	ctx = cost.WithRun(ctx, r.id)
	start := time.Now()
	r.summary.RunID = r.id
	r.summary.StartedAt = start.UTC()

	logging.Engine("run %s started: industry=%q location=%q count=%d project=%q",
		r.id, r.brief.Industry, r.brief.EffectiveLocation(), r.brief.Count, r.projectID)
	logging.AuditRun(logging.AuditRunStart, r.id, map[string]interface{}{
		"count": r.brief.Count, "project": r.projectID,
	})
	r.emit(EventStarted, StartedPayload{Brief: r.brief, ProjectID: r.projectID})

	abortErr := r.runLoop(ctx)

	snapshot := r.costs.EndRun(r.id)
	r.text.ReleaseRun(r.id)
	r.summary.TotalCostUSD = snapshot.TotalUSD
	r.summary.TotalTimeMs = time.Since(start).Milliseconds()
	r.summary.FinishedAt = time.Now().UTC()
	if r.scoreCount > 0 {
		r.summary.AverageICPScore = float64(r.scoreTotal) / float64(r.scoreCount)
	}
	r.summary.Cancelled = ctx.Err() != nil

	if err := persistSummary(r.backupRoot, &r.summary); err != nil {
		logging.EngineWarn("run %s: summary persistence failed: %v", r.id, err)
	}

	if abortErr != nil {
		logging.EngineError("run %s aborted: %v", r.id, abortErr)
		logging.AuditRun(logging.AuditRunAbort, r.id, map[string]interface{}{"error": abortErr.Error()})
		r.emit(EventError, ErrorPayload{Message: abortErr.Error()})
		return
	}

	logging.Engine("run %s complete: %d persisted, %d reused, %d linked, %d skipped, $%.4f, %dms",
		r.id, r.summary.ProspectsPersisted, r.summary.ProspectsReused, r.summary.ProspectsLinked,
		r.summary.ProspectsSkipped, r.summary.TotalCostUSD, r.summary.TotalTimeMs)
	logging.AuditRun(logging.AuditRunComplete, r.id, map[string]interface{}{
		"persisted": r.summary.ProspectsPersisted, "cost_usd": r.summary.TotalCostUSD,
	})
	r.emit(EventComplete, r.summary)
}

// runLoop drives discovery and per-prospect enrichment until the goal
// is met, discovery is exhausted, the context is cancelled, or the
// permanent-failure streak crosses the abort ceiling. The returned
// error is non-nil only for a run abort.
func (r *Run) runLoop(ctx context.Context) error {
	r.progress(StageQueryUnderstanding, "", "optimizing search query")
	plan := r.understandQuery(ctx)
	if plan.Query == "" {
		return fmt.Errorf("cannot build a search query: brief has no usable industry or target")
	}
	if plan.Snapshot.ID != "" {
		r.promptSnaps[plan.Snapshot.ID] = plan.Snapshot
	}
	r.progress(StageQueryUnderstanding, "", "search query ready: %q", plan.Query)

	var buffer []types.DetailedCandidate
	batchAdded := 0

	for r.satisfied() < r.brief.Count {
		if ctx.Err() != nil {
			return nil
		}

		if len(buffer) == 0 {
			if r.pendingQuery != nil {
				r.recordQueryHistory(batchAdded)
			}
			batchAdded = 0

			r.progress(StageMapsDiscovery, "", "searching maps: %q", plan.Query)
			batch, err := r.discoverBatch(ctx, plan, r.brief.Count-r.satisfied())
			if err != nil {
				if providers.IsQuotaExceeded(err) {
					return fmt.Errorf("maps quota exhausted: %v", err)
				}
				if r.noteProviderError(err) && r.failStreak >= r.failCeiling {
					return fmt.Errorf("aborting after %d consecutive provider failures: %v", r.failStreak, err)
				}
				r.warnProgress(StageMapsDiscovery, "", "maps discovery failed: %v", err)
				return nil
			}
			if len(batch) == 0 {
				logging.Engine("run %s: discovery exhausted after %d iterations", r.id, r.iteration)
				break
			}
			buffer = batch
			r.progress(StageMapsDiscovery, "", "found %d candidates", len(batch))
		}

		cand := buffer[0]
		buffer = buffer[1:]

		proceeded, err := r.handleCandidate(ctx, &cand)
		if err != nil {
			return err
		}
		if proceeded {
			batchAdded++
		}
	}
	r.recordQueryHistory(batchAdded)
	return nil
}

// handleCandidate takes one candidate through dedup and, for new work,
// the enrichment stages and persistence. Reports whether a new
// prospect row was added, and a non-nil error only on run abort.
func (r *Run) handleCandidate(ctx context.Context, cand *types.DetailedCandidate) (bool, error) {
	decision, err := r.dedupSv.Check(dedup.Identity{
		CompanyName:   cand.Name,
		Website:       cand.Website,
		GooglePlaceID: cand.PlaceID,
	}, r.projectID, r.id)
	if err != nil {
		r.warnProgress(StageWebsiteVerify, cand.Name, "dedup check failed, skipping candidate: %v", err)
		return false, nil
	}

	switch decision.Kind {
	case dedup.SkipContacted:
		r.summary.ProspectsSkipped++
		r.emit(EventSkipped, CompanyPayload{Company: cand.Name, Reason: "already contacted"})
		return false, nil

	case dedup.UseExistingLead:
		r.summary.ProspectsReused++
		r.emit(EventReused, CompanyPayload{Company: cand.Name, Reason: "existing lead"})
		return false, nil

	case dedup.UseExistingProspect:
		r.summary.ProspectsReused++
		r.emit(EventReused, CompanyPayload{Company: cand.Name, Reason: "existing prospect", Prospect: decision.Prospect})
		return false, nil

	case dedup.LinkOnly:
		r.linkExisting(decision.Prospect)
		return false, nil
	}

	streakBefore := r.failStreak
	p, enriched := r.enrichProspect(ctx, cand)
	if enriched && r.failStreak == streakBefore {
		// A clean enrichment breaks the streak. One that needed a
		// permanent-failure fallback along the way does not.
		r.failStreak = 0
	}
	var abortErr error
	if r.failStreak >= r.failCeiling {
		abortErr = fmt.Errorf("aborting after %d consecutive provider failures", r.failStreak)
	}
	if !enriched {
		return false, abortErr
	}
	r.summary.ProspectsEnriched++

	if r.options.FilterIrrelevant && !p.IsRelevant {
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "filtered: score %d below relevance threshold", p.ICPMatchScore)
		return false, abortErr
	}

	persisted := r.commitProspect(p)
	return persisted, abortErr
}

// enrichProspect runs stages 3 through 7 on one candidate under the
// per-prospect budget. A budget expiry drops the prospect; the run
// advances.
func (r *Run) enrichProspect(ctx context.Context, cand *types.DetailedCandidate) (*types.Prospect, bool) {
	pctx, cancel := context.WithTimeout(ctx, r.prospectBudget)
	defer cancel()

	p := cand.ToProspect()
	p.RunID = r.id
	p.Industry = r.brief.Industry
	startUSD := r.costs.RunSnapshot(r.id).TotalUSD
	start := time.Now()

	r.progress(StageWebsiteVerify, p.CompanyName, "verifying website")
	verified := r.verifyWebsite(pctx, &p)
	r.progress(StageWebsiteVerify, p.CompanyName, "website %s", p.WebsiteStatus)

	var ex *extraction
	if p.WebsiteStatus == types.WebsiteActive && r.options.ScrapeWebsitesEnabled() {
		r.progress(StageDataExtraction, p.CompanyName, "extracting website data")
		ex = r.extractData(pctx, &p, verified)
		r.summary.WebsitesScraped++
		if snap := ex.Snapshot; snap.ID != "" {
			r.promptSnaps[snap.ID] = snap
		}
		r.progress(StageDataExtraction, p.CompanyName, "extraction done")
	} else {
		ex = &extraction{}
	}

	if r.options.ScrapeSocialEnabled() {
		r.progress(StageSocialDiscovery, p.CompanyName, "discovering social profiles")
		r.discoverSocial(&p, ex)
		r.progress(StageSocialDiscovery, p.CompanyName, "%d social profiles", len(p.SocialProfiles))

		if len(p.SocialProfiles) > 0 {
			r.progress(StageSocialMetadata, p.CompanyName, "collecting social metadata")
			r.scrapeSocialMetadata(pctx, &p)
			r.progress(StageSocialMetadata, p.CompanyName, "social metadata done")
		}
	}

	if r.options.CheckRelevanceEnabled() {
		r.progress(StageRelevanceScoring, p.CompanyName, "scoring relevance")
		snap := r.scoreRelevance(pctx, &p)
		if snap.ID != "" {
			r.promptSnaps[snap.ID] = snap
		}
		r.progress(StageRelevanceScoring, p.CompanyName, "scored %d", p.ICPMatchScore)
	} else {
		r.scoreByRules(&p)
	}

	if pctx.Err() != nil && ctx.Err() == nil {
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "prospect budget exceeded after %v, dropping", time.Since(start).Round(time.Second))
		return nil, false
	}

	p.DiscoveryCostUSD = r.costs.RunSnapshot(r.id).TotalUSD - startUSD
	p.DiscoveryTimeMs = time.Since(start).Milliseconds()
	r.scoreTotal += p.ICPMatchScore
	r.scoreCount++
	if p.ContactEmail != "" {
		r.summary.EmailsFound++
	}
	if p.ContactPhone != "" {
		r.summary.PhonesFound++
	}
	r.summary.SocialProfilesFound += len(p.SocialProfiles)
	return &p, true
}

// commitProspect makes the prospect durable: local backup first, then
// the repository, then the project link. A failed database write marks
// the backup failed and the run continues. Reports whether the
// repository row was written.
func (r *Run) commitProspect(p *types.Prospect) bool {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.ICPBriefSnapshot = &r.briefSnapshot
	p.PromptsSnapshot = r.currentPromptSnaps()
	p.ModelSelectionsSnapshot = &r.modelSnapshot

	path, err := r.backup.Save(p)
	if err != nil {
		// Without local durability we do not touch the database; the
		// prospect is lost and that is a provider-grade failure.
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "local backup failed: %v", err)
		return false
	}

	if err := r.repo.InsertProspect(p); err != nil {
		if markErr := r.backup.MarkFailed(path, err); markErr != nil {
			logging.BackupError("run %s: could not mark backup failed: %v", r.id, markErr)
		}
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "database write failed, prospect kept in local backup: %v", err)
		r.summary.ProspectsFound++
		return false
	}
	if err := r.backup.MarkUploaded(path, p.ID); err != nil {
		logging.BackupError("run %s: could not mark backup uploaded: %v", r.id, err)
	}

	r.summary.ProspectsPersisted++
	r.summary.ProspectsFound++

	if r.projectID != "" {
		r.linkProspect(p)
	}
	r.emit(EventCompanyComplete, CompanyPayload{Company: p.CompanyName, Prospect: p})
	return true
}

// linkProspect creates the project join row for a prospect persisted
// by this run.
func (r *Run) linkProspect(p *types.Prospect) {
	link := &types.ProjectProspect{
		ProjectID:               r.projectID,
		ProspectID:              p.ID,
		RunID:                   r.id,
		ICPBriefSnapshot:        &r.briefSnapshot,
		PromptsSnapshot:         r.currentPromptSnaps(),
		ModelSelectionsSnapshot: &r.modelSnapshot,
		RelevanceReasoning:      p.RelevanceReasoning,
		DiscoveryCostUSD:        p.DiscoveryCostUSD,
		DiscoveryTimeMs:         p.DiscoveryTimeMs,
		Status:                  p.Status,
		AddedAt:                 time.Now().UTC(),
	}
	if err := r.repo.LinkProspectToProject(link); err != nil {
		r.warnProgress(StageRelevanceScoring, p.CompanyName, "project link failed: %v", err)
		return
	}
	r.summary.ProspectsLinked++
}

// linkExisting links a globally known prospect into the current
// project without re-enriching it.
func (r *Run) linkExisting(p *types.Prospect) {
	link := &types.ProjectProspect{
		ProjectID:               r.projectID,
		ProspectID:              p.ID,
		RunID:                   r.id,
		ICPBriefSnapshot:        &r.briefSnapshot,
		PromptsSnapshot:         r.currentPromptSnaps(),
		ModelSelectionsSnapshot: &r.modelSnapshot,
		RelevanceReasoning:      p.RelevanceReasoning,
		Status:                  p.Status,
		AddedAt:                 time.Now().UTC(),
	}
	if err := r.repo.LinkProspectToProject(link); err != nil {
		r.warnProgress(StageWebsiteVerify, p.CompanyName, "project link failed: %v", err)
		return
	}
	r.summary.ProspectsLinked++
	r.emit(EventLinked, CompanyPayload{Company: p.CompanyName, Reason: "linked existing prospect", Prospect: p})
}

// satisfied counts companies that have resolved toward the goal.
func (r *Run) satisfied() int {
	return r.summary.ProspectsPersisted + r.summary.ProspectsReused +
		r.summary.ProspectsLinked + r.summary.ProspectsSkipped
}

func (r *Run) currentPromptSnaps() map[string]types.PromptSnapshot {
	if len(r.promptSnaps) == 0 {
		return nil
	}
	out := make(map[string]types.PromptSnapshot, len(r.promptSnaps))
	for id, snap := range r.promptSnaps {
		out[id] = snap
	}
	return out
}

// noteProviderError advances the permanent-failure streak and reports
// whether the failure counted. Transient and quota failures degrade,
// not abort; cancelled calls are the caller's doing, not the
// provider's, and never count.
func (r *Run) noteProviderError(err error) bool {
	if providers.Classify(err) == providers.ClassPermanent {
		r.failStreak++
		return true
	}
	return false
}

func (r *Run) emit(t EventType, payload interface{}) {
	r.queue.Emit(Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		RunID:     r.id,
		Payload:   payload,
	})
}

func (r *Run) progress(stage int, company, format string, args ...interface{}) {
	r.queue.Emit(Event{
		Type:      EventProgress,
		Timestamp: time.Now().UTC(),
		RunID:     r.id,
		stage:     stage,
		Payload: ProgressPayload{
			Stage:       stage,
			Company:     company,
			CurrentStep: stage,
			TotalSteps:  TotalStages,
			Message:     fmt.Sprintf(format, args...),
		},
	})
}

func (r *Run) warnProgress(stage int, company, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logging.EngineWarn("run %s: %s", r.id, msg)
	r.queue.Emit(Event{
		Type:      EventProgress,
		Timestamp: time.Now().UTC(),
		RunID:     r.id,
		stage:     stage,
		Payload: ProgressPayload{
			Stage:       stage,
			Company:     company,
			CurrentStep: stage,
			TotalSteps:  TotalStages,
			Message:     msg,
			Level:       "warning",
		},
	})
}
