package domain

import (
	"fmt"
	"time"
)

// Stage is a step of the pipeline state machine. Stages only move forward;
// StageFailed is reachable from any of them.
type Stage int

const (
	StageIdle Stage = iota
	StageFetching
	StagePersisting
	StageReadingBack
	StageSelectingPending
	StageClassifying
	StageWritingBack
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageIdle:             "idle",
	StageFetching:         "fetching",
	StagePersisting:       "persisting",
	StageReadingBack:      "reading_back",
	StageSelectingPending: "selecting_pending",
	StageClassifying:      "classifying",
	StageWritingBack:      "writing_back",
	StageDone:             "done",
	StageFailed:           "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// RunRequest describes one pipeline run for a single profile.
type RunRequest struct {
	Handle   string
	Count    int
	Since    *time.Time // inclusive, optional
	Until    *time.Time // inclusive, optional
	BatchTag *int
}

// InWindow reports whether t falls inside the request's optional date window.
func (r RunRequest) InWindow(t time.Time) bool {
	if r.Since != nil && t.Before(*r.Since) {
		return false
	}
	if r.Until != nil && t.After(*r.Until) {
		return false
	}
	return true
}

// RunStats holds statistics about a pipeline run.
type RunStats struct {
	RunID                string
	Handle               string
	Fetched              int
	FetchDegraded        bool
	Persisted            int
	Stored               int
	Pending              int
	Classified           int
	ClassificationErrors int
	WrittenBack          int
	Missing              int
	Published            int
	Duration             time.Duration
}

type ProfileState struct {
	ID              int64     `db:"id"`
	Username        string    `db:"username"`
	LastRunAt       time.Time `db:"last_run_at"`
	LastRunID       string    `db:"last_run_id"`
	TotalFetched    int64     `db:"total_fetched"`
	TotalClassified int64     `db:"total_classified"`
}
