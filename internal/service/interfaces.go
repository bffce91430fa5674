package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"post_pipeline/internal/domain"
)

type Source interface {
	ID() string
	Name() string
	Authenticate(ctx context.Context) error
	FetchRecentPosts(ctx context.Context, handle string, count int) ([]domain.Post, error)
}

type PostStore interface {
	UpsertPosts(ctx context.Context, owner string, posts []domain.Post) error
	FetchPosts(ctx context.Context, owner string, limit int) ([]domain.Post, error)
	ApplyClassifications(ctx context.Context, classifications []domain.Classification) (int, []string, error)
}

type ProfileStateStore interface {
	Get(ctx context.Context, username string) (*domain.ProfileState, error)
	Update(ctx context.Context, state *domain.ProfileState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type RunLock interface {
	TryAcquire(ctx context.Context, handle string) (func(), bool, error)
}

type Classifier interface {
	Classify(ctx context.Context, posts []domain.Post) []domain.Classification
}

type Publisher interface {
	PublishClassification(ctx context.Context, event *domain.ClassificationEvent) error
	Close() error
}
