package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"post_pipeline/internal/domain"
)

type ProfileStateStore struct {
	db *sqlx.DB
}

func NewProfileStateStore(db *sqlx.DB) *ProfileStateStore {
	return &ProfileStateStore{db: db}
}

// Get returns the run bookkeeping for username, or a zero state when the
// profile has never been run.
func (s *ProfileStateStore) Get(ctx context.Context, username string) (*domain.ProfileState, error) {
	var state domain.ProfileState
	query := `
		SELECT id, username, last_run_at, last_run_id, total_fetched, total_classified
		FROM profile_state
		WHERE username = $1`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &state, query, username)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ProfileState{Username: username}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile state: %w", err)
	}
	return &state, nil
}

func (s *ProfileStateStore) Update(ctx context.Context, state *domain.ProfileState) error {
	query := `
		INSERT INTO profile_state (username, last_run_at, last_run_id, total_fetched, total_classified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_run_id = EXCLUDED.last_run_id,
			total_fetched = EXCLUDED.total_fetched,
			total_classified = EXCLUDED.total_classified`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		state.Username,
		state.LastRunAt,
		state.LastRunID,
		state.TotalFetched,
		state.TotalClassified,
	)
	if err != nil {
		return fmt.Errorf("update profile state: %w", err)
	}
	return nil
}
