package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"post_pipeline/internal/config"
	"post_pipeline/internal/domain"
	"post_pipeline/internal/service/mocks"
	"post_pipeline/testdata/utils"
)

type PipelineTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	source     *mocks.MockSource
	posts      *mocks.MockPostStore
	profiles   *mocks.MockProfileStateStore
	txManager  *mocks.MockTransactionManager
	lock       *mocks.MockRunLock
	classifier *mocks.MockClassifier
	publisher  *mocks.MockPublisher

	pipeline *Pipeline
	cfg      config.PipelineConfig
	logger   *slog.Logger
	released bool
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.source = mocks.NewMockSource(s.ctrl)
	s.posts = mocks.NewMockPostStore(s.ctrl)
	s.profiles = mocks.NewMockProfileStateStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.lock = mocks.NewMockRunLock(s.ctrl)
	s.classifier = mocks.NewMockClassifier(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.cfg = config.PipelineConfig{
		DefaultCount: 20,
		RunLock:      true,
		StoreRetry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.released = false

	s.source.EXPECT().ID().Return("test-source").AnyTimes()
	s.source.EXPECT().Name().Return("Test Source").AnyTimes()

	s.pipeline = NewPipeline(
		s.source,
		s.posts,
		s.profiles,
		s.txManager,
		s.lock,
		s.classifier,
		s.publisher,
		s.logger,
		s.cfg,
	)
}

func (s *PipelineTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) expectLock() {
	s.lock.EXPECT().TryAcquire(gomock.Any(), "acme").Return(func() { s.released = true }, true, nil)
}

func (s *PipelineTestSuite) expectTransaction() {
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	).AnyTimes()
}

func (s *PipelineTestSuite) expectProfileState() {
	s.profiles.EXPECT().Get(gomock.Any(), "acme").Return(&domain.ProfileState{Username: "acme", TotalFetched: 5}, nil)
	s.profiles.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil)
}

func post(id string, published time.Time, caption string, category domain.Category) domain.Post {
	return domain.Post{
		ID:          id,
		OwnerHandle: "acme",
		PublishedAt: published,
		Caption:     caption,
		Category:    category,
	}
}

func (s *PipelineTestSuite) TestRun_ClassifiesPendingPosts() {
	ctx := context.Background()
	now := time.Now().UTC()

	fetched := []domain.Post{
		post("1", now, "Compre já", domain.CategoryUnset),
		post("2", now.Add(-time.Hour), "", domain.CategoryUnset),
	}
	stored := []domain.Post{
		post("1", now, "Compre já", domain.CategoryUnset),
		post("2", now.Add(-time.Hour), "", domain.CategoryUnset),
		post("3", now.Add(-2*time.Hour), "Feliz Natal", domain.CategoryEngagement),
		post("4", now.Add(-3*time.Hour), "Dica", domain.CategoryClassificationError),
	}
	results := []domain.Classification{
		{PostID: "1", Category: domain.CategoryInstitutional},
		{PostID: "2", Category: domain.CategoryNoCaption},
		{PostID: "4", Category: domain.CategoryClassificationError},
	}

	s.expectLock()
	s.expectTransaction()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 10).Return(fetched, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", fetched).Return(nil)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(stored, nil)
	s.classifier.EXPECT().Classify(ctx, []domain.Post{stored[0], stored[1], stored[3]}).Return(results)
	s.posts.EXPECT().ApplyClassifications(gomock.Any(), results).Return(3, nil, nil)
	s.publisher.EXPECT().PublishClassification(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, event *domain.ClassificationEvent) error {
			s.Equal(domain.ActionClassified, event.Action)
			s.Equal("acme", event.OwnerHandle)
			s.NotEmpty(event.EventID)
			s.NotEmpty(event.RunID)
			return nil
		},
	).Times(3)
	s.profiles.EXPECT().Get(ctx, "acme").Return(&domain.ProfileState{Username: "acme", TotalFetched: 5}, nil)
	s.profiles.EXPECT().Update(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, state *domain.ProfileState) error {
			s.Equal(int64(7), state.TotalFetched)
			s.Equal(int64(3), state.TotalClassified)
			s.NotEmpty(state.LastRunID)
			s.False(state.LastRunAt.IsZero())
			return nil
		},
	)

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "@acme", Count: 10})

	s.NoError(err)
	s.Equal("acme", stats.Handle)
	s.Equal(2, stats.Fetched)
	s.False(stats.FetchDegraded)
	s.Equal(2, stats.Persisted)
	s.Equal(4, stats.Stored)
	s.Equal(3, stats.Pending)
	s.Equal(3, stats.Classified)
	s.Equal(1, stats.ClassificationErrors)
	s.Equal(3, stats.WrittenBack)
	s.Equal(3, stats.Published)
	s.True(s.released)
}

func (s *PipelineTestSuite) TestRun_NothingPendingSkipsClassification() {
	ctx := context.Background()
	now := time.Now().UTC()
	stored := []domain.Post{post("1", now, "x", domain.CategoryOther)}

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(nil, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Len(0)).Return(nil)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(stored, nil)
	s.expectProfileState()

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.NoError(err)
	s.Equal(0, stats.Pending)
	s.Equal(0, stats.Classified)
}

func (s *PipelineTestSuite) TestRun_AuthenticationFailureIsFatal() {
	ctx := context.Background()

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(fmt.Errorf("%w: wrong password", domain.ErrAuthentication))

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.Error(err)
	s.ErrorIs(err, domain.ErrAuthentication)
	var stageErr *domain.StageError
	s.Require().ErrorAs(err, &stageErr)
	s.Equal(domain.StageIdle, stageErr.Stage)
	s.Equal(0, stats.Fetched)
	s.True(s.released)
}

func (s *PipelineTestSuite) TestRun_AuthenticateNetworkErrorIsAuthError() {
	ctx := context.Background()

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(errors.New("connection refused"))

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.ErrorIs(err, domain.ErrAuthentication)
}

func (s *PipelineTestSuite) TestRun_AuthenticationErrorDuringFetch() {
	ctx := context.Background()

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(nil, domain.ErrAuthentication)

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	var stageErr *domain.StageError
	s.Require().ErrorAs(err, &stageErr)
	s.Equal(domain.StageFetching, stageErr.Stage)
	s.ErrorIs(err, domain.ErrAuthentication)
}

func (s *PipelineTestSuite) TestRun_FetchErrorDegradesToPartialResult() {
	ctx := context.Background()
	now := time.Now().UTC()
	partial := []domain.Post{post("1", now, "", domain.CategoryUnset)}

	s.expectLock()
	s.expectTransaction()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(partial, fmt.Errorf("%w: page 1: timeout", domain.ErrFetch))
	s.posts.EXPECT().UpsertPosts(ctx, "acme", partial).Return(nil)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(partial, nil)
	s.classifier.EXPECT().Classify(ctx, partial).Return([]domain.Classification{{PostID: "1", Category: domain.CategoryNoCaption}})
	s.posts.EXPECT().ApplyClassifications(gomock.Any(), gomock.Any()).Return(1, nil, nil)
	s.publisher.EXPECT().PublishClassification(ctx, gomock.Any()).Return(nil)
	s.expectProfileState()

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.NoError(err)
	s.True(stats.FetchDegraded)
	s.Equal(1, stats.Fetched)
	s.Equal(1, stats.WrittenBack)
}

func (s *PipelineTestSuite) TestRun_StoreFailureAfterRetries() {
	ctx := context.Background()
	dbErr := errors.New("connection reset")

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(nil, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).Return(dbErr).Times(3)

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.ErrorIs(err, domain.ErrStore)
	s.ErrorIs(err, dbErr)
	var stageErr *domain.StageError
	s.Require().ErrorAs(err, &stageErr)
	s.Equal(domain.StagePersisting, stageErr.Stage)
	s.Equal(0, stats.Persisted)
}

func (s *PipelineTestSuite) TestRun_CancelDuringFetchStopsRun() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now().UTC()

	s.expectLock()
	s.source.EXPECT().Authenticate(gomock.Any()).Return(nil)
	s.source.EXPECT().FetchRecentPosts(gomock.Any(), "acme", 20).DoAndReturn(
		func(context.Context, string, int) ([]domain.Post, error) {
			cancel()
			return []domain.Post{post("1", now, "a", domain.CategoryUnset)},
				fmt.Errorf("%w: page 1: %w", domain.ErrFetch, context.Canceled)
		},
	)

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.ErrorIs(err, context.Canceled)
	var stageErr *domain.StageError
	s.Require().ErrorAs(err, &stageErr)
	s.Equal(domain.StageFetching, stageErr.Stage)
	s.False(stats.FetchDegraded)
	s.Zero(stats.Persisted)
	s.True(s.released)
}

func (s *PipelineTestSuite) TestRun_StoreFailureAfterCancelIsNotRetried() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dbErr := errors.New("connection reset")

	s.expectLock()
	s.source.EXPECT().Authenticate(gomock.Any()).Return(nil)
	s.source.EXPECT().FetchRecentPosts(gomock.Any(), "acme", 20).Return(nil, nil)
	s.posts.EXPECT().UpsertPosts(gomock.Any(), "acme", gomock.Any()).DoAndReturn(
		func(context.Context, string, []domain.Post) error {
			cancel()
			return dbErr
		},
	).Times(1)

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.ErrorIs(err, domain.ErrStore)
	s.ErrorIs(err, dbErr)
	var stageErr *domain.StageError
	s.Require().ErrorAs(err, &stageErr)
	s.Equal(domain.StagePersisting, stageErr.Stage)
}

func (s *PipelineTestSuite) TestRun_StoreRetrySucceeds() {
	ctx := context.Background()

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(nil, nil)
	gomock.InOrder(
		s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).Return(errors.New("blip")),
		s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).Return(nil),
	)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(nil, nil)
	s.expectProfileState()

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.NoError(err)
}

func (s *PipelineTestSuite) TestRun_WriteBackFailure() {
	ctx := context.Background()
	now := time.Now().UTC()
	stored := []domain.Post{post("1", now, "x", domain.CategoryUnset)}

	s.expectLock()
	s.expectTransaction()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(nil, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).Return(nil)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(stored, nil)
	s.classifier.EXPECT().Classify(ctx, stored).Return([]domain.Classification{{PostID: "1", Category: domain.CategoryOther}})
	s.posts.EXPECT().ApplyClassifications(gomock.Any(), gomock.Any()).Return(0, nil, errors.New("db down")).Times(3)

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	var stageErr *domain.StageError
	s.Require().ErrorAs(err, &stageErr)
	s.Equal(domain.StageWritingBack, stageErr.Stage)
	s.ErrorIs(err, domain.ErrStore)
}

func (s *PipelineTestSuite) TestRun_MissingRowsAndPublishFailuresAreNotFatal() {
	ctx := context.Background()
	now := time.Now().UTC()
	stored := []domain.Post{
		post("1", now, "a", domain.CategoryUnset),
		post("2", now, "b", domain.CategoryUnset),
	}
	results := []domain.Classification{
		{PostID: "1", Category: domain.CategoryOther},
		{PostID: "2", Category: domain.CategoryEngagement},
	}

	s.expectLock()
	s.expectTransaction()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(nil, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).Return(nil)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(stored, nil)
	s.classifier.EXPECT().Classify(ctx, stored).Return(results)
	s.posts.EXPECT().ApplyClassifications(gomock.Any(), results).Return(1, []string{"2"}, nil)
	gomock.InOrder(
		s.publisher.EXPECT().PublishClassification(ctx, gomock.Any()).Return(errors.New("channel closed")),
		s.publisher.EXPECT().PublishClassification(ctx, gomock.Any()).Return(nil),
	)
	s.profiles.EXPECT().Get(ctx, "acme").Return(nil, errors.New("state table missing"))

	stats, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.NoError(err)
	s.Equal(1, stats.WrittenBack)
	s.Equal(1, stats.Missing)
	s.Equal(1, stats.Published)
}

func (s *PipelineTestSuite) TestRun_AnotherRunInProgress() {
	ctx := context.Background()

	s.lock.EXPECT().TryAcquire(ctx, "acme").Return(nil, false, nil)

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.ErrorIs(err, domain.ErrRunInProgress)
}

func (s *PipelineTestSuite) TestRun_EmptyHandle() {
	_, err := s.pipeline.Run(context.Background(), domain.RunRequest{Handle: " @ "})

	s.ErrorIs(err, domain.ErrConfiguration)
}

func (s *PipelineTestSuite) TestRun_AppliesDateWindowAndBatchTag() {
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC) }

	fetched := []domain.Post{
		post("late", day(20), "a", domain.CategoryUnset),
		post("in", day(10), "b", domain.CategoryEngagement),
		post("early", day(1), "c", domain.CategoryUnset),
	}
	req := domain.RunRequest{
		Handle:   "acme",
		Since:    utils.Ptr(day(5)),
		Until:    utils.Ptr(day(15)),
		BatchTag: utils.Ptr(7),
	}

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(fetched, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, posts []domain.Post) error {
			s.Require().Len(posts, 1)
			s.Equal("in", posts[0].ID)
			s.Equal(domain.CategoryUnset, posts[0].Category)
			s.Require().NotNil(posts[0].BatchTag)
			s.Equal(7, *posts[0].BatchTag)
			return nil
		},
	)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(nil, nil)
	s.expectProfileState()

	stats, err := s.pipeline.Run(ctx, req)

	s.NoError(err)
	s.Equal(3, stats.Fetched)
	s.Equal(1, stats.Persisted)
}

func (s *PipelineTestSuite) TestRun_ReportsStagesInOrder() {
	ctx := context.Background()
	now := time.Now().UTC()
	stored := []domain.Post{post("1", now, "", domain.CategoryUnset)}

	var stages []domain.Stage
	s.pipeline.OnStage(func(stage domain.Stage, _ domain.RunStats) {
		stages = append(stages, stage)
	})

	s.expectLock()
	s.expectTransaction()
	s.source.EXPECT().Authenticate(ctx).Return(nil)
	s.source.EXPECT().FetchRecentPosts(ctx, "acme", 20).Return(stored, nil)
	s.posts.EXPECT().UpsertPosts(ctx, "acme", gomock.Any()).Return(nil)
	s.posts.EXPECT().FetchPosts(ctx, "acme", 0).Return(stored, nil)
	s.classifier.EXPECT().Classify(ctx, stored).Return([]domain.Classification{{PostID: "1", Category: domain.CategoryNoCaption}})
	s.posts.EXPECT().ApplyClassifications(gomock.Any(), gomock.Any()).Return(1, nil, nil)
	s.publisher.EXPECT().PublishClassification(ctx, gomock.Any()).Return(nil)
	s.expectProfileState()

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.NoError(err)
	s.Equal([]domain.Stage{
		domain.StageIdle,
		domain.StageFetching,
		domain.StagePersisting,
		domain.StageReadingBack,
		domain.StageSelectingPending,
		domain.StageClassifying,
		domain.StageWritingBack,
		domain.StageDone,
	}, stages)
}

func (s *PipelineTestSuite) TestRun_FailedStageIsReported() {
	ctx := context.Background()

	var last domain.Stage
	s.pipeline.OnStage(func(stage domain.Stage, _ domain.RunStats) { last = stage })

	s.expectLock()
	s.source.EXPECT().Authenticate(ctx).Return(domain.ErrAuthentication)

	_, err := s.pipeline.Run(ctx, domain.RunRequest{Handle: "acme"})

	s.Error(err)
	s.Equal(domain.StageFailed, last)
}

func TestSelectPending_Idempotent(t *testing.T) {
	now := time.Now()
	posts := []domain.Post{
		post("1", now, "a", domain.CategoryUnset),
		post("2", now, "b", domain.CategoryEngagement),
		post("3", now, "c", domain.CategoryClassificationError),
		post("4", now, "", domain.CategoryNoCaption),
	}

	first := SelectPending(posts)
	second := SelectPending(posts)

	if len(first) != 2 || first[0].ID != "1" || first[1].ID != "3" {
		t.Fatalf("unexpected pending set: %+v", first)
	}
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("pending selection is not idempotent: %v vs %v", first, second)
	}
}
