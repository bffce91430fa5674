package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"post_pipeline/internal/config"
	"post_pipeline/internal/domain"
)

// StageObserver is told about every stage a run enters.
type StageObserver func(stage domain.Stage, stats domain.RunStats)

// Pipeline runs fetch, persist, read-back, pending selection,
// classification and write-back for one profile at a time.
type Pipeline struct {
	source     Source
	posts      PostStore
	profiles   ProfileStateStore
	txManager  TransactionManager
	lock       RunLock
	classifier Classifier
	publisher  Publisher
	logger     *slog.Logger
	config     config.PipelineConfig
	observer   StageObserver
}

// NewPipeline wires a pipeline. lock and publisher may be nil.
func NewPipeline(
	source Source,
	posts PostStore,
	profiles ProfileStateStore,
	txManager TransactionManager,
	lock RunLock,
	classifier Classifier,
	publisher Publisher,
	logger *slog.Logger,
	cfg config.PipelineConfig,
) *Pipeline {
	return &Pipeline{
		source:     source,
		posts:      posts,
		profiles:   profiles,
		txManager:  txManager,
		lock:       lock,
		classifier: classifier,
		publisher:  publisher,
		logger:     logger.With("source", source.ID()),
		config:     cfg,
	}
}

func (p *Pipeline) OnStage(fn StageObserver) {
	p.observer = fn
}

// Run executes one pipeline run. Failures come back as *domain.StageError
// and leave completed stages in place; rerunning resumes the work.
func (p *Pipeline) Run(ctx context.Context, req domain.RunRequest) (*domain.RunStats, error) {
	startTime := time.Now()

	req.Handle = domain.NormalizeHandle(req.Handle)
	if req.Count <= 0 {
		req.Count = p.config.DefaultCount
	}

	stats := &domain.RunStats{
		RunID:  uuid.NewString(),
		Handle: req.Handle,
	}
	logger := p.logger.With("handle", req.Handle, "run_id", stats.RunID)

	logger.Info("starting run",
		"source_name", p.source.Name(),
		"count", req.Count,
	)

	stage, err := p.run(ctx, req, stats, logger)
	stats.Duration = time.Since(startTime)

	if err != nil {
		logger.Error("run failed",
			"stage", stage.String(),
			"error", err,
			"duration", stats.Duration,
		)
		p.notify(domain.StageFailed, stats)
		return stats, &domain.StageError{Stage: stage, Err: err}
	}

	p.notify(domain.StageDone, stats)
	logger.Info("run completed",
		"fetched", stats.Fetched,
		"fetch_degraded", stats.FetchDegraded,
		"persisted", stats.Persisted,
		"stored", stats.Stored,
		"pending", stats.Pending,
		"classified", stats.Classified,
		"classification_errors", stats.ClassificationErrors,
		"written_back", stats.WrittenBack,
		"missing", stats.Missing,
		"published", stats.Published,
		"duration", stats.Duration,
	)
	return stats, nil
}

// run walks the stages in order and returns the stage it stopped in.
func (p *Pipeline) run(ctx context.Context, req domain.RunRequest, stats *domain.RunStats, logger *slog.Logger) (domain.Stage, error) {
	stage := domain.StageIdle
	enter := func(s domain.Stage) {
		stage = s
		p.notify(s, stats)
	}
	enter(domain.StageIdle)

	if req.Handle == "" {
		return stage, fmt.Errorf("%w: profile handle is empty", domain.ErrConfiguration)
	}

	if p.lock != nil {
		release, ok, err := p.lock.TryAcquire(ctx, req.Handle)
		if err != nil {
			return stage, fmt.Errorf("%w: acquire run lock: %w", domain.ErrStore, err)
		}
		if !ok {
			return stage, domain.ErrRunInProgress
		}
		defer release()
	}

	if err := p.source.Authenticate(ctx); err != nil {
		if !errors.Is(err, domain.ErrAuthentication) {
			err = fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
		}
		return stage, err
	}

	enter(domain.StageFetching)
	fetched, err := p.source.FetchRecentPosts(ctx, req.Handle, req.Count)
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			return stage, err
		}
		if ctx.Err() != nil {
			return stage, ctx.Err()
		}
		stats.FetchDegraded = true
		logger.Warn("fetch degraded, continuing with partial result",
			"fetched", len(fetched),
			"error", err,
		)
	}
	stats.Fetched = len(fetched)

	posts := prepare(fetched, req)
	if dropped := len(fetched) - len(posts); dropped > 0 {
		logger.Debug("filtered by date window", "dropped", dropped, "remaining", len(posts))
	}

	enter(domain.StagePersisting)
	err = p.retryStore(ctx, logger, "upsert posts", func() error {
		return p.posts.UpsertPosts(ctx, req.Handle, posts)
	})
	if err != nil {
		return stage, err
	}
	stats.Persisted = len(posts)

	enter(domain.StageReadingBack)
	var stored []domain.Post
	err = p.retryStore(ctx, logger, "fetch posts", func() error {
		var err error
		stored, err = p.posts.FetchPosts(ctx, req.Handle, 0)
		return err
	})
	if err != nil {
		return stage, err
	}
	stats.Stored = len(stored)

	enter(domain.StageSelectingPending)
	pending := SelectPending(stored)
	stats.Pending = len(pending)
	logger.Info("posts pending classification", "pending", len(pending), "stored", len(stored))

	if len(pending) > 0 {
		enter(domain.StageClassifying)
		results := p.classifier.Classify(ctx, pending)
		stats.Classified = len(results)
		for _, r := range results {
			if r.Category == domain.CategoryClassificationError {
				stats.ClassificationErrors++
			}
		}

		enter(domain.StageWritingBack)
		if err := p.writeBack(ctx, logger, stats, results); err != nil {
			return stage, err
		}
		p.publish(ctx, logger, stats, results)
	}

	p.updateProfileState(ctx, logger, stats)
	return stage, nil
}

// SelectPending returns the posts that have no category yet or whose last
// classification attempt failed, keeping their order.
func SelectPending(posts []domain.Post) []domain.Post {
	var pending []domain.Post
	for _, post := range posts {
		if post.Category.IsPending() {
			pending = append(pending, post)
		}
	}
	return pending
}

// prepare drops posts outside the request window and stamps owner and
// batch tag. Categories are never carried in from the source.
func prepare(posts []domain.Post, req domain.RunRequest) []domain.Post {
	prepared := make([]domain.Post, 0, len(posts))
	for _, post := range posts {
		if !req.InWindow(post.PublishedAt) {
			continue
		}
		post.OwnerHandle = req.Handle
		post.Category = domain.CategoryUnset
		if req.BatchTag != nil {
			tag := *req.BatchTag
			post.BatchTag = &tag
		}
		prepared = append(prepared, post)
	}
	return prepared
}

func (p *Pipeline) writeBack(ctx context.Context, logger *slog.Logger, stats *domain.RunStats, results []domain.Classification) error {
	var (
		applied int
		missing []string
	)

	err := p.retryStore(ctx, logger, "apply classifications", func() error {
		return p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			var err error
			applied, missing, err = p.posts.ApplyClassifications(txCtx, results)
			return err
		})
	})
	if err != nil {
		return err
	}

	stats.WrittenBack = applied
	stats.Missing = len(missing)
	if len(missing) > 0 {
		logger.Warn("classified posts not found in store", "post_ids", missing)
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, stats *domain.RunStats, results []domain.Classification) {
	if p.publisher == nil {
		return
	}

	for _, r := range results {
		event := &domain.ClassificationEvent{
			EventID:     uuid.NewString(),
			RunID:       stats.RunID,
			Action:      domain.ActionClassified,
			PostID:      r.PostID,
			OwnerHandle: stats.Handle,
			Category:    r.Category,
			Timestamp:   time.Now().UTC(),
		}
		if err := p.publisher.PublishClassification(ctx, event); err != nil {
			logger.Warn("failed to publish classification", "post_id", r.PostID, "error", err)
			continue
		}
		stats.Published++
	}
}

func (p *Pipeline) updateProfileState(ctx context.Context, logger *slog.Logger, stats *domain.RunStats) {
	state, err := p.profiles.Get(ctx, stats.Handle)
	if err != nil {
		logger.Warn("failed to load profile state", "error", err)
		return
	}

	state.Username = stats.Handle
	state.LastRunAt = time.Now().UTC()
	state.LastRunID = stats.RunID
	state.TotalFetched += int64(stats.Fetched)
	state.TotalClassified += int64(stats.WrittenBack)

	if err := p.profiles.Update(ctx, state); err != nil {
		logger.Warn("failed to update profile state", "error", err)
	}
}

// retryStore retries an idempotent store operation with exponential
// backoff. The final error wraps domain.ErrStore.
func (p *Pipeline) retryStore(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.StoreRetry.InitialBackoff
	b.MaxInterval = p.config.StoreRetry.MaxBackoff
	b.MaxElapsedTime = 0

	retries := max(p.config.StoreRetry.MaxAttempts-1, 0)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	attempt := func() error {
		err := fn()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("store operation failed, retrying", "op", op, "backoff", wait, "error", err)
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrStore, op, err)
	}
	return nil
}

func (p *Pipeline) notify(stage domain.Stage, stats *domain.RunStats) {
	if p.observer != nil {
		p.observer(stage, *stats)
	}
}
