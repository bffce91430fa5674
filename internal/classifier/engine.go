package classifier

import (
	"context"
	"log/slog"

	"post_pipeline/internal/domain"
)

// Generator produces free text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Waiter gates outgoing calls, see Throttle.
type Waiter interface {
	Wait(ctx context.Context) error
}

// ProgressFunc is called before each post is handled; i is 1-based.
type ProgressFunc func(i, total int, postID string)

// Engine assigns a taxonomy category to each post, calling the generator at
// most once per post with a caption.
type Engine struct {
	generator Generator
	throttle  Waiter
	maxChars  int
	logger    *slog.Logger
	progress  ProgressFunc
}

func NewEngine(generator Generator, throttle Waiter, maxCaptionChars int, logger *slog.Logger) *Engine {
	return &Engine{
		generator: generator,
		throttle:  throttle,
		maxChars:  maxCaptionChars,
		logger:    logger.With("component", "classifier"),
	}
}

// OnProgress registers a progress callback.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.progress = fn
}

// Classify returns exactly one classification per distinct post ID. A
// failure on one post is recorded as CategoryClassificationError and never
// stops the batch.
func (e *Engine) Classify(ctx context.Context, posts []domain.Post) []domain.Classification {
	unique := dedupeByID(posts)
	results := make([]domain.Classification, 0, len(unique))

	e.logger.Info("starting classification", "posts", len(unique))

	for i := range unique {
		post := &unique[i]
		if e.progress != nil {
			e.progress(i+1, len(unique), post.ID)
		}

		results = append(results, domain.Classification{
			PostID:   post.ID,
			Category: e.classifyOne(ctx, post),
		})
	}

	e.logger.Info("classification completed", "posts", len(results))
	return results
}

func (e *Engine) classifyOne(ctx context.Context, post *domain.Post) domain.Category {
	if !post.HasCaption() {
		return domain.CategoryNoCaption
	}

	if e.throttle != nil {
		if err := e.throttle.Wait(ctx); err != nil {
			e.logger.Warn("throttle wait failed", "post_id", post.ID, "error", err)
			return domain.CategoryClassificationError
		}
	}

	answer, err := e.generator.Generate(ctx, BuildPrompt(post.Caption, e.maxChars))
	if err != nil {
		e.logger.Warn("failed to classify post", "post_id", post.ID, "error", err)
		return domain.CategoryClassificationError
	}

	category := Normalize(answer)
	e.logger.Debug("post classified", "post_id", post.ID, "answer", answer, "category", category)
	return category
}

func dedupeByID(posts []domain.Post) []domain.Post {
	seen := make(map[string]struct{}, len(posts))
	unique := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		unique = append(unique, p)
	}
	return unique
}
