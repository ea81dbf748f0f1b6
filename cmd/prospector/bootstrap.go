package main

import (
	"fmt"
	"os"

	"prospector/internal/backup"
	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/dedup"
	"prospector/internal/logging"
	"prospector/internal/pipeline"
	"prospector/internal/prompt"
	"prospector/internal/providers"
	"prospector/internal/ratelimit"
	"prospector/internal/store"
)

// engine bundles the fully wired prospecting stack. serve and run both
// build one; the storage-only commands open just the repository.
type engine struct {
	cfg      *config.Config
	repo     *store.Repository
	backups  *backup.Store
	tracker  *cost.Tracker
	limiter  *ratelimit.Limiter
	gemini   *providers.GeminiTextClient
	text     *providers.TextLLM
	vision   *providers.GeminiVisionClient
	pool     *providers.BrowserPool
	registry *prompt.Registry
	orch     *pipeline.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildEngine wires providers, storage, and the pipeline orchestrator
// from config. Callers own the returned engine and must Close it.
func buildEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	if err := logging.Initialize(cfg.DataDir, logging.Options{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		Categories: cfg.LoggingOptions(),
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logging.InitAudit(cfg.Debug.AuditCalls); err != nil {
		return nil, fmt.Errorf("failed to initialize audit trail: %w", err)
	}

	norm := dedup.NewNormalizer(cfg.Pipeline.CorporateSuffixes)
	repo, err := store.New(cfg.DBPath(), cfg.Store.BusyTimeoutMs, norm)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	e := &engine{cfg: cfg, repo: repo}

	table := cost.DefaultTable()
	if path := cfg.Providers.CostTablePath; path != "" {
		table, err = cost.LoadTable(path)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to load cost table: %w", err)
		}
	}
	e.tracker, err = cost.NewTracker(cfg.DataDir)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open cost tracker: %w", err)
	}
	e.limiter = ratelimit.New(limiterConfig(cfg.RateLimits))

	deps := providers.Deps{Limiter: e.limiter, Tracker: e.tracker, Table: table}
	retries := cfg.Pipeline.MaxRetryAttempts

	e.gemini, err = providers.NewGeminiTextClient(cfg.Providers.TextLLM, deps, retries)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create text LLM client: %w", err)
	}
	var fallback *providers.OpenAICompatClient
	if cfg.Providers.TextLLM.FallbackAPIKey != "" {
		fallback = providers.NewOpenAICompatClient(cfg.Providers.TextLLM, deps, retries)
	}
	e.text = providers.NewTextLLM(e.gemini, fallback)

	if cfg.Providers.VisionLLM.APIKey != "" {
		e.vision, err = providers.NewGeminiVisionClient(cfg.Providers.VisionLLM, deps, retries)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create vision client: %w", err)
		}
	}

	maps := providers.NewMapsClient(cfg.Providers.Maps, deps, retries)
	browser := providers.NewBrowserClient(cfg.Browser, cfg.NavigationTimeout(), deps)
	e.pool = providers.NewBrowserPool(browser, cfg.Browser.PoolSize)

	e.backups, err = backup.New(cfg.BackupRoot())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}

	e.registry, err = prompt.NewRegistry(promptsDir)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	pcfg := pipeline.Config{
		AppConfig: cfg,
		Text:      e.text,
		Maps:      maps,
		Browser:   e.pool,
		Repo:      repo,
		Dedup:     dedup.NewService(repo, norm),
		Backup:    e.backups,
		Costs:     e.tracker,
		Prompts:   e.registry,
	}
	if e.vision != nil {
		pcfg.Vision = e.vision
	}
	e.orch, err = pipeline.NewOrchestrator(pcfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Close tears the stack down in reverse dependency order. Safe on a
// partially built engine.
func (e *engine) Close() {
	if e.pool != nil {
		_ = e.pool.Close()
	}
	if e.vision != nil {
		_ = e.vision.Close()
	}
	if e.gemini != nil {
		_ = e.gemini.Close()
	}
	if e.limiter != nil {
		e.limiter.Stop()
	}
	if e.tracker != nil {
		_ = e.tracker.Close()
	}
	if e.repo != nil {
		_ = e.repo.Close()
	}
	logging.CloseAll()
}

func limiterConfig(cfg config.RateLimitsConfig) ratelimit.Config {
	buckets := make(map[string]ratelimit.BucketSpec, len(cfg.Buckets))
	for key, b := range cfg.Buckets {
		buckets[key] = ratelimit.BucketSpec{
			Capacity:        b.Capacity,
			RefillPerSecond: b.RefillPerSecond,
			MaxWait:         b.MaxWaitDuration(),
		}
	}
	return ratelimit.Config{Buckets: buckets}
}

// openStore opens just the repository, for commands that never touch
// providers.
func openStore() (*config.Config, *store.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	norm := dedup.NewNormalizer(cfg.Pipeline.CorporateSuffixes)
	repo, err := store.New(cfg.DBPath(), cfg.Store.BusyTimeoutMs, norm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return cfg, repo, nil
}
