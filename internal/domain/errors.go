package domain

import (
	"fmt"

	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrBatchSize         = errors.New("batch size out of range")
	ErrVersionConflict   = errors.New("version conflict")
	ErrShardUnhealthy    = errors.New("shard unhealthy")
	ErrNonRetryable      = errors.New("non-retryable")
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
)

// CreateStage names the step of record creation that failed.
type CreateStage string

const (
	StageValidation CreateStage = "validation"
	StageBegin      CreateStage = "transaction begin"
	StageInsert     CreateStage = "insert"
	StagePublish    CreateStage = "publish"
	StageCommit     CreateStage = "commit"
)

// StageError is returned by record creation. Callers must not retry it blindly.
type StageError struct {
	Stage CreateStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("create sync record: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func NewStageError(stage CreateStage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
