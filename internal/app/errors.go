package app

import (
	"errors"

	"school-registry/internal/ledger"
	"school-registry/internal/model"
)

var (
	ErrConnection          = errors.New("no identity available")
	ErrUnauthorized        = errors.New("only the admin can modify students")
	ErrNotFound            = errors.New("student not found")
	ErrAlreadyExists       = errors.New("student already registered")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrStoreRejected       = errors.New("store rejected the operation")
	ErrFetchFailed         = errors.New("failed to load students")
	ErrInvalidInput        = errors.New("please fill in all fields")
)

var (
	errConfirmTimeout = errors.New("confirmation timed out")
	// ErrAbandoned means the caller stopped waiting. The submission may
	// still settle in the store.
	ErrAbandoned = errors.New("stopped waiting for the store")
)

// RejectedError is a submit or commit failure reported by the store. Its
// message is the store's reason, verbatim. Reasons the store shares with
// local checks also match ErrAlreadyExists and ErrNotFound.
type RejectedError struct {
	Kind model.OperationKind
	ID   uint64
	Err  error
}

func (e *RejectedError) Error() string { return e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrStoreRejected:
		return true
	case ErrAlreadyExists:
		return errors.Is(e.Err, ledger.ErrAlreadyRegistered)
	case ErrNotFound:
		return errors.Is(e.Err, ledger.ErrNotRegistered)
	}
	return false
}

// Code maps an operation error onto a stable code for clients and metrics.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrOperationInProgress):
		return "operation_in_progress"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	case errors.Is(err, ErrStoreRejected):
		return "store_rejected"
	case errors.Is(err, ErrFetchFailed):
		return "fetch_failed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
