package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"post_pipeline/internal/domain"
)

// Runner executes a single pipeline run.
type Runner interface {
	Run(ctx context.Context, req domain.RunRequest) (*domain.RunStats, error)
}

// Scheduler runs the pipeline for each configured profile, one run at a
// time, immediately and then on every tick.
type Scheduler struct {
	runner   Runner
	requests []domain.RunRequest
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewScheduler(runner Runner, requests []domain.RunRequest, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		requests: requests,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("%w: schedule interval must be positive, got %s", domain.ErrConfiguration, s.interval)
	}

	s.logger.Info("scheduler started", "interval", s.interval, "profiles", len(s.requests))

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	for _, req := range s.requests {
		if ctx.Err() != nil {
			return
		}
		s.runOne(ctx, req)
	}
}

func (s *Scheduler) runOne(ctx context.Context, req domain.RunRequest) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.runner.Run(runCtx, req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrRunInProgress):
		s.logger.Warn("skipping profile, run already in progress", "handle", req.Handle)
	default:
		s.logger.Error("run failed", "handle", req.Handle, "error", err)
	}
}
