package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post_pipeline/internal/domain"
)

type recordingRunner struct {
	mu       sync.Mutex
	handles  []string
	active   int
	overlap  bool
	err      error
	deadline bool
	cancelAt int
	cancel   context.CancelFunc
}

func (r *recordingRunner) Run(ctx context.Context, req domain.RunRequest) (*domain.RunStats, error) {
	r.mu.Lock()
	r.active++
	if r.active > 1 {
		r.overlap = true
	}
	r.handles = append(r.handles, req.Handle)
	if _, ok := ctx.Deadline(); ok {
		r.deadline = true
	}
	n := len(r.handles)
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	if r.cancel != nil && n == r.cancelAt {
		r.cancel()
	}
	return &domain.RunStats{Handle: req.Handle}, r.err
}

func (r *recordingRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handles...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requests(handles ...string) []domain.RunRequest {
	reqs := make([]domain.RunRequest, len(handles))
	for i, h := range handles {
		reqs[i] = domain.RunRequest{Handle: h, Count: 10}
	}
	return reqs
}

func TestScheduler_RunsEveryProfileImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{cancel: cancel, cancelAt: 2}
	sched := NewScheduler(runner, requests("a", "b"), time.Hour, time.Minute, testLogger())

	err := sched.Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b"}, runner.seen())
	assert.True(t, runner.deadline)
	assert.False(t, runner.overlap)
}

func TestScheduler_RepeatsOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{cancel: cancel, cancelAt: 4}
	sched := NewScheduler(runner, requests("a", "b"), 5*time.Millisecond, 0, testLogger())

	err := sched.Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b", "a", "b"}, runner.seen())
	assert.False(t, runner.deadline)
	assert.False(t, runner.overlap)
}

func TestScheduler_FailedRunDoesNotStopOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{err: errors.New("boom"), cancel: cancel, cancelAt: 3}
	sched := NewScheduler(runner, requests("a", "b", "c"), time.Hour, 0, testLogger())

	err := sched.Start(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b", "c"}, runner.seen())
}

func TestScheduler_StopsBetweenProfilesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{cancel: cancel, cancelAt: 1}
	sched := NewScheduler(runner, requests("a", "b", "c"), time.Hour, 0, testLogger())

	err := sched.Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, runner.seen())
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	runner := &recordingRunner{}
	sched := NewScheduler(runner, requests("acme"), -time.Hour, 0, testLogger())

	err := sched.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, runner.seen())
}
