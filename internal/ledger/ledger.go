// Package ledger defines the contract of the authoritative student store and
// the implementations the server can run against.
package ledger

import (
	"context"
	"errors"
	"strings"
)

// Student is the detail tuple the store returns for an id.
type Student struct {
	Name             string `json:"name"`
	IsRegistered     bool   `json:"is_registered"`
	RegistrationDate int64  `json:"registration_date"` // unix seconds
}

// Store is the external authoritative ledger.
//
// Mutations return a Submission as soon as the store accepts them. Acceptance
// is not commitment: callers must AwaitCommit before treating the change as
// durable.
type Store interface {
	RegisterStudent(ctx context.Context, from string, id uint64, name string) (Submission, error)
	RemoveStudent(ctx context.Context, from string, id uint64) (Submission, error)
	GetStudent(ctx context.Context, id uint64) (Student, error)
	// GetAllStudentIDs returns every id ever registered, removed ones included.
	GetAllStudentIDs(ctx context.Context) ([]uint64, error)
	// Admin returns ErrNoAdmin when the store does not expose one.
	Admin(ctx context.Context) (string, error)
}

// Submission is a pending mutation.
type Submission interface {
	ID() string
	// AwaitCommit blocks until the mutation is committed or rejected.
	AwaitCommit(ctx context.Context) error
}

var (
	ErrNoAdmin           = errors.New("store exposes no admin")
	ErrNotAdmin          = errors.New("only admin can perform this action")
	ErrAlreadyRegistered = errors.New("student already registered")
	ErrNotRegistered     = errors.New("student not registered")
	ErrEmptyName         = errors.New("name cannot be empty")
	ErrUnknownSubmission = errors.New("unknown submission")
)

// RejectError is a store-level rejection carrying the store's own reason.
type RejectError struct {
	Err    error
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "rejected"
}

func (e *RejectError) Unwrap() error { return e.Err }

// Reject wraps a rule violation with its reason string.
func Reject(err error) *RejectError {
	return &RejectError{Err: err, Reason: err.Error()}
}

// RejectReason builds a rejection from a reason string, mapping known reasons
// back onto their sentinel.
func RejectReason(reason string) *RejectError {
	for _, known := range []error{ErrNotAdmin, ErrAlreadyRegistered, ErrNotRegistered, ErrEmptyName, ErrUnknownSubmission} {
		if reason == known.Error() {
			return &RejectError{Err: known, Reason: reason}
		}
	}
	return &RejectError{Reason: reason}
}

// SameIdentity compares identities the way addresses are compared: case-insensitively.
func SameIdentity(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// checkRegister validates a registration against the current state of id.
func checkRegister(admin, from string, cur Student, name string) error {
	if !SameIdentity(admin, from) {
		return Reject(ErrNotAdmin)
	}
	if strings.TrimSpace(name) == "" {
		return Reject(ErrEmptyName)
	}
	if cur.IsRegistered {
		return Reject(ErrAlreadyRegistered)
	}
	return nil
}

// checkRemove validates a removal against the current state of id.
func checkRemove(admin, from string, cur Student) error {
	if !SameIdentity(admin, from) {
		return Reject(ErrNotAdmin)
	}
	if !cur.IsRegistered {
		return Reject(ErrNotRegistered)
	}
	return nil
}
