package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/control"
	"github.com/gitpulse/gitpulse/internal/githubclient"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/processors"
	"github.com/gitpulse/gitpulse/internal/scheduler"
	"github.com/gitpulse/gitpulse/internal/sitemap"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Pipeline type tags. Schedules and status rows key on these.
const (
	PipelineRepoSync   = "repo-sync"
	PipelineEnrichment = "enrichment"
	PipelineRanking    = "ranking"
	PipelineSitemap    = "sitemap"
)

// PipelineTypes lists every registered pipeline in declaration order.
func PipelineTypes() []string {
	return []string{PipelineRepoSync, PipelineEnrichment, PipelineRanking, PipelineSitemap}
}

// defaultSchedule is seeded for a pipeline type that has no stored
// schedule yet. Inactive until an operator enables it.
var defaultSchedules = map[string]string{
	PipelineRepoSync:   "0 * * * *",
	PipelineEnrichment: "30 * * * *",
	PipelineRanking:    "0 2 * * *",
	PipelineSitemap:    "0 3 * * *",
}

// Runner wires the full process: store, upstream client, pipelines,
// scheduler, and the control service on top.
type Runner struct {
	Cfg     *config.Config
	Logger  *logrus.Logger
	Store   *storage.Store
	Client  *githubclient.Client
	Exec    *pipeline.Executor
	Sched   *scheduler.Scheduler
	Control *control.Service
}

// New performs the startup contract: DB directory, migrations, critical
// schema check (missing schema is fatal to the caller), status and
// schedule seeding. The scheduler is built but not started.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Runner, error) {
	// Open applies migrations and the critical-schema gate itself.
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := store.SeedPipelineStatus(ctx, PipelineTypes()); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed pipeline status: %w", err)
	}
	if err := seedSchedules(ctx, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed schedules: %w", err)
	}

	client, err := githubclient.New(githubclient.Config{
		Tokens:       cfg.GitHub.Tokens,
		BaseURL:      cfg.GitHub.BaseURL,
		PerTokenRPS:  cfg.GitHub.PerTokenRPS,
		SafetyMargin: cfg.GitHub.SafetyMargin,
		MaxRetries:   uint64(cfg.GitHub.MaxRetries),
		PageSize:     cfg.GitHub.PageSize,
	}, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("github client: %w", err)
	}

	exec := pipeline.New(store, logger)
	r := &Runner{
		Cfg:    cfg,
		Logger: logger,
		Store:  store,
		Client: client,
		Exec:   exec,
	}
	if err := r.registerPipelines(); err != nil {
		store.Close()
		return nil, err
	}

	r.Sched = scheduler.New(store, exec, logger, cfg.Scheduler.PollInterval)
	r.Control = control.New(store, exec, r.Sched, logger)
	return r, nil
}

// Start runs the scheduler until ctx is cancelled. Pipeline runs launch
// on their own goroutines inside the scheduler; the group exists so
// future long-lived components share the same lifecycle.
func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Sched.Start(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) Close() error {
	return r.Store.Close()
}

func (r *Runner) registerPipelines() error {
	cfg := r.Cfg

	fetcher := &processors.Fetcher{
		Store:            r.Store,
		Client:           r.Client,
		Targets:          cfg.Fetch.Targets,
		PRState:          cfg.Fetch.PRState,
		MaxPages:         cfg.Fetch.MaxPages,
		HighWater:        cfg.Fetch.HighWater,
		LowWater:         cfg.Fetch.LowWater,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
	}
	repos := &processors.RepositoryProcessor{
		Store:            r.Store,
		BatchSize:        cfg.Pipeline.BatchSize,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
	}
	mrs := &processors.MergeRequestProcessor{
		Store:            r.Store,
		BatchSize:        cfg.Pipeline.BatchSize,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
	}
	commits := &processors.CommitProcessor{
		Store:            r.Store,
		Client:           r.Client,
		BatchSize:        cfg.Pipeline.BatchSize,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
	}
	enrich := &processors.EnrichmentProcessor{
		Store:            r.Store,
		Client:           r.Client,
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		BatchSize:        cfg.Pipeline.BatchSize,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
	}
	ranking := &processors.RankingProcessor{
		Store:   r.Store,
		Weights: cfg.Ranking.Weights,
	}
	indexer := &sitemap.Indexer{
		Store:    r.Store,
		PageSize: cfg.Sitemap.PageSize,
	}

	pipelines := []pipeline.Pipeline{
		{
			Name: PipelineRepoSync,
			Stages: []pipeline.Stage{
				{Name: "fetch", Run: fetcher.Run},
				{Name: "process-repositories", DependsOn: []string{"fetch"},
					Policy: pipeline.ContinueOnError, Run: repos.Run},
				{Name: "process-merge-requests", DependsOn: []string{"process-repositories"},
					Policy: pipeline.ContinueOnError, Run: mrs.Run},
				{Name: "process-commits", DependsOn: []string{"process-merge-requests"},
					Policy: pipeline.ContinueOnError, Run: commits.Run},
			},
		},
		{
			Name: PipelineEnrichment,
			Stages: []pipeline.Stage{
				{Name: "enrich-contributors", Policy: pipeline.ContinueOnError, Run: enrich.EnrichContributors},
				{Name: "enrich-repositories", Policy: pipeline.ContinueOnError, Run: enrich.EnrichRepositories},
				{Name: "enrich-merge-requests", Policy: pipeline.ContinueOnError, Run: enrich.EnrichMergeRequests},
			},
		},
		{
			Name:   PipelineRanking,
			Stages: []pipeline.Stage{{Name: "rank", Run: ranking.Run}},
		},
		{
			Name:   PipelineSitemap,
			Stages: []pipeline.Stage{{Name: "index", Run: indexer.Run}},
		},
	}
	for _, p := range pipelines {
		if err := r.Exec.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Name, err)
		}
	}
	return nil
}

// openStore ensures the DB directory exists and is writable before
// opening.
func openStore(cfg *config.Config, logger *logrus.Logger) (*storage.Store, error) {
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return nil, fmt.Errorf("db directory %s not writable: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return storage.Open(cfg.DBPath, logger)
}

// seedSchedules inserts a default inactive schedule for any pipeline
// type that has none, so the control surface always has a row to edit.
func seedSchedules(ctx context.Context, store *storage.Store) error {
	for _, pt := range PipelineTypes() {
		_, err := store.GetSchedule(ctx, pt)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		sched := &models.PipelineSchedule{
			PipelineType: pt,
			CronExpr:     defaultSchedules[pt],
			Active:       false,
			Description:  "seeded default, enable via control API",
		}
		if err := store.UpsertSchedule(ctx, sched); err != nil {
			return err
		}
	}
	return nil
}
