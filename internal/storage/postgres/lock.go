package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	lockKeyPrefix  = "postpipe:"
	releaseTimeout = 5 * time.Second
)

// RunLock guards a profile against concurrent pipeline runs with a session
// level advisory lock. The lock lives on a dedicated connection so it
// survives as long as the run holds it.
type RunLock struct {
	db *sqlx.DB
}

func NewRunLock(db *sqlx.DB) *RunLock {
	return &RunLock{db: db}
}

// TryAcquire takes the lock for handle without blocking. ok is false when
// another session holds it. release must be called once the run ends.
func (l *RunLock) TryAcquire(ctx context.Context, handle string) (func(), bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock connection: %w", err)
	}

	key := lockKeyPrefix + handle
	var ok bool
	if err := conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key)
			_ = conn.Close()
		})
	}
	return release, true, nil
}
