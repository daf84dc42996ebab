package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/reference"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/transform"
)

// Kind classifies a sync failure by how the engine reacts to it.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindTransform       Kind = "transform"
	KindReference       Kind = "reference"
	KindConflict        Kind = "conflict"
	KindRemoteTransient Kind = "remote_transient"
	KindRemotePermanent Kind = "remote_permanent"
	KindStorage         Kind = "storage"
	KindCanceled        Kind = "canceled"
	KindInternal        Kind = "internal"
)

var (
	ErrPassInProgress   = errors.New("a sync pass is already running for this object pair")
	ErrConflictNotFound = errors.New("conflict not found")
)

// SyncError attaches a kind and the record it concerns to an underlying error.
type SyncError struct {
	Kind     Kind
	Object   string
	RecordID string
	Err      error
}

func (e *SyncError) Error() string {
	switch {
	case e.RecordID != "":
		return fmt.Sprintf("%s error on %s/%s: %v", e.Kind, e.Object, e.RecordID, e.Err)
	case e.Object != "":
		return fmt.Sprintf("%s error on %s: %v", e.Kind, e.Object, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable is true when processing the same record again may succeed.
func (e *SyncError) Retryable() bool {
	return e.Kind == KindRemoteTransient || e.Kind == KindInternal
}

func configError(format string, args ...any) error {
	return &SyncError{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

func storageError(object string, err error) error {
	return &SyncError{Kind: KindStorage, Object: object, Err: err}
}

// Classify maps an error from any sync component onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	var re *remote.Error
	if errors.As(err, &re) {
		if re.Retryable() {
			return KindRemoteTransient
		}
		return KindRemotePermanent
	}
	var (
		missing     *transform.MissingRequiredFieldError
		fieldErr    *transform.FieldError
		notFound    *transform.FieldNotFoundError
		unsupported *transform.UnsupportedTransformError
		refErr      *reference.NotFoundError
	)
	switch {
	case errors.As(err, &missing), errors.As(err, &fieldErr), errors.As(err, &notFound), errors.As(err, &unsupported),
		errors.Is(err, transform.ErrEmptySequence), errors.Is(err, transform.ErrExpectedCurrencyShape):
		return KindTransform
	case errors.As(err, &refErr), errors.Is(err, storage.ErrDuplicateMapping):
		return KindReference
	case errors.Is(err, conflict.ErrManualResolutionRequired):
		return KindConflict
	}
	return KindInternal
}

// IsRetryable reports whether err leaves its record to be picked up by a later pass.
func IsRetryable(err error) bool {
	k := Classify(err)
	return k == KindRemoteTransient || k == KindInternal
}
