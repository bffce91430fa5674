package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrFetch          = errors.New("fetch failed")
	ErrStore          = errors.New("store failed")
	ErrClassification = errors.New("classification failed")
	ErrConfiguration  = errors.New("invalid configuration")
	ErrRunInProgress  = errors.New("another run for this profile is in progress")
)

// StageError tags a pipeline failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
