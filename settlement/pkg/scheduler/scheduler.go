// Package scheduler runs the periodic settlement jobs: drawing due rounds, expiring
// abandoned claims and releasing affiliate weeks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/powersol/settlement/settlement/pkg/draw"
	"github.com/powersol/settlement/settlement/pkg/metrics"
)

const (
	JobDraw         = "draw_due_rounds"
	JobExpireClaims = "expire_claims"
	JobReleaseWeeks = "release_weeks"
)

type Drawer interface {
	ExecuteDue(ctx context.Context) ([]draw.Result, error)
}

type ClaimExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

type WeekReleaser interface {
	ReleaseDue(ctx context.Context) (int64, error)
}

type Config struct {
	Logger   *slog.Logger
	Drawer   Drawer
	Claims   ClaimExpirer
	Releaser WeekReleaser

	// AfterDraw, if set, runs after a draw job that settled at least one round.
	AfterDraw func(ctx context.Context)

	DrawSchedule    string
	ExpirySchedule  string
	ReleaseSchedule string
	// JobTimeout bounds a single job run.
	JobTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Drawer == nil {
		return errors.New("drawer is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim expirer is required")
	}
	if cfg.Releaser == nil {
		return errors.New("week releaser is required")
	}
	if cfg.DrawSchedule == "" {
		cfg.DrawSchedule = "@every 1m"
	}
	if cfg.ExpirySchedule == "" {
		cfg.ExpirySchedule = "@every 1m"
	}
	if cfg.ReleaseSchedule == "" {
		cfg.ReleaseSchedule = "*/5 * * * *"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return nil
}

type Scheduler struct {
	log  *slog.Logger
	cfg  Config
	cron *cron.Cron
	jobs map[string]func(ctx context.Context) error

	// base is the parent context of job runs; set by Run.
	base context.Context
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelInfo))
	s := &Scheduler{
		log:  cfg.Logger,
		cfg:  cfg,
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		base: context.Background(),
	}
	s.jobs = map[string]func(ctx context.Context) error{
		JobDraw:         s.drawDue,
		JobExpireClaims: s.expireClaims,
		JobReleaseWeeks: s.releaseWeeks,
	}

	schedules := map[string]string{
		JobDraw:         cfg.DrawSchedule,
		JobExpireClaims: cfg.ExpirySchedule,
		JobReleaseWeeks: cfg.ReleaseSchedule,
	}
	for name, schedule := range schedules {
		if _, err := s.cron.AddFunc(schedule, func() { _ = s.RunJob(name) }); err != nil {
			return nil, fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
		s.log.Info("scheduler: scheduled job", "job", name, "schedule", schedule)
	}
	return s, nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.base = ctx
	s.cron.Start()
	s.log.Info("scheduler: started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	s.log.Info("scheduler: stopping")
	<-s.cron.Stop().Done()
	return nil
}

// RunJob runs one job by name immediately.
func (s *Scheduler) RunJob(name string) error {
	fn, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	ctx, cancel := context.WithTimeout(s.base, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordJob(name, err)
	if err != nil {
		s.log.Error("scheduler: job failed", "job", name, "duration", time.Since(start), "error", err)
		return err
	}
	s.log.Debug("scheduler: job finished", "job", name, "duration", time.Since(start))
	return nil
}

func (s *Scheduler) drawDue(ctx context.Context) error {
	results, err := s.cfg.Drawer.ExecuteDue(ctx)
	if err != nil {
		return err
	}
	var failed int
	for _, r := range results {
		if r.Status == draw.StatusError {
			failed++
		}
	}
	if len(results) > 0 {
		s.log.Info("scheduler: drew due rounds", "rounds", len(results), "failed", failed)
		if s.cfg.AfterDraw != nil {
			s.cfg.AfterDraw(ctx)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d due rounds failed to draw", failed, len(results))
	}
	return nil
}

func (s *Scheduler) expireClaims(ctx context.Context) error {
	_, err := s.cfg.Claims.ExpireStale(ctx)
	return err
}

func (s *Scheduler) releaseWeeks(ctx context.Context) error {
	_, err := s.cfg.Releaser.ReleaseDue(ctx)
	return err
}
