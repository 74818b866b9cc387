package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures into the engine's retry taxonomy.
// Adapters classify provider errors at the boundary; the rest of the engine
// only ever looks at the kind.
type ErrorKind string

const (
	// KindTransient covers network blips, throttling, and timeouts. Retried
	// with backoff up to the attempt limit.
	KindTransient ErrorKind = "transient_io"
	// KindChecksumMismatch means the target wrote different bytes than the
	// source produced. Treated as transient for retry purposes.
	KindChecksumMismatch ErrorKind = "checksum_mismatch"
	// KindAuthorization is bad credentials against source or target. Fatal:
	// aborts the whole job.
	KindAuthorization ErrorKind = "authorization"
	// KindQuotaExceeded means the target rejects writes for capacity reasons.
	// Fatal: aborts the whole job.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindObjectNotFound means the source object vanished after the scope
	// snapshot. Fail-soft: counted per file, the job continues.
	KindObjectNotFound ErrorKind = "object_not_found"
)

// Error is a classified adapter error.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind. A nil err yields a nil result.
func NewError(kind ErrorKind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors default to
// transient so that an unknown failure is retried rather than killing a job.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsFatal reports whether err must abort the whole job regardless of the
// continue-on-error option.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthorization, KindQuotaExceeded:
		return true
	}
	return false
}

// IsNotFound reports whether err is the fail-soft vanished-object case.
func IsNotFound(err error) bool {
	return KindOf(err) == KindObjectNotFound
}

// ErrJobAlreadyActive rejects starting a migration while another job is
// pending, in progress, or paused for the same workspace. A caller-correctness
// signal, not a retryable condition.
var ErrJobAlreadyActive = errors.New("a migration job is already active for this workspace")

// ErrNotResumable is returned when resuming a job whose manifest state is gone
// or whose status is terminal and non-resumable.
var ErrNotResumable = errors.New("job is not resumable")
