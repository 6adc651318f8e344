package versioning

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound       = errors.New("document not found")
	ErrVersionNotFound        = errors.New("version not found")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrWriteConflict          = errors.New("write conflict")
	ErrRetentionCleanupFailed = errors.New("retention cleanup failed")
	ErrStorage                = errors.New("storage error")
	ErrInvalidInput           = errors.New("invalid input")
)

// Stage names the ingestion step that failed.
type Stage string

const (
	StageBegin             Stage = "begin"
	StageLookupDocument    Stage = "lookup_document"
	StageFindByHash        Stage = "find_by_hash"
	StageMaxVersion        Stage = "max_version"
	StageInsertVersion     Stage = "insert_version"
	StageSetCurrentVersion Stage = "set_current_version"
	StageCommit            Stage = "commit"
	StagePrune             Stage = "prune"
)

// StageError wraps a failure with the pipeline stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StorageError carries an unclassified storage failure. It matches ErrStorage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// StageOf reports the stage recorded on err, if any.
func StageOf(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}
