package processor

import (
	"errors"
	"fmt"
)

// Failure classes recorded on failed jobs. The class, message, and a stack
// captured at the job boundary become the pipeline_jobs.error string.
const (
	ErrClassInput    = "InputError"    // segment, raw asset, or source text missing
	ErrClassModel    = "ModelError"    // model call failed after transport retries
	ErrClassOutput   = "OutputError"   // model output invalid after the repair round
	ErrClassBlob     = "BlobError"     // blob store transfer failed
	ErrClassStore    = "StoreError"    // catalogue read or write failed
	ErrClassInternal = "InternalError" // anything else, including panics
)

// JobError tags a job failure with its class.
type JobError struct {
	Class string
	Err   error
}

func (e *JobError) Error() string { return e.Err.Error() }

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError wraps err with a failure class.
func NewJobError(class string, err error) *JobError {
	return &JobError{Class: class, Err: err}
}

// Errorf builds a classified job failure.
func Errorf(class, format string, args ...any) *JobError {
	return &JobError{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns err's failure class, defaulting to InternalError for
// untagged errors.
func ClassOf(err error) string {
	var je *JobError
	if errors.As(err, &je) {
		return je.Class
	}
	return ErrClassInternal
}
