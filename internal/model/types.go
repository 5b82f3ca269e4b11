package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one registered student as projected from the ledger.
type Record struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	Registered   bool      `json:"registered"`
	RegisteredAt time.Time `json:"registered_at"`
}

// OperationKind names the user intent an operation carries out.
type OperationKind string

const (
	KindRegister OperationKind = "register"
	KindRemove   OperationKind = "remove"
	KindSearch   OperationKind = "search"
)

// Phase is the lifecycle position of an operation.
type Phase int

const (
	PhaseIdle       Phase = iota
	PhaseConnecting       // Resolving identity and admin
	PhaseSubmitting       // Waiting for the ledger to accept the submission
	PhaseConfirming       // Accepted, waiting for durable commit
	PhaseSettled          // Committed, local list being re-derived
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseSubmitting:
		return "submitting"
	case PhaseConfirming:
		return "confirming"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// OperationKey identifies an in-flight operation.
type OperationKey struct {
	Kind OperationKind
	ID   uint64
}

func (k OperationKey) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.ID)
}

// OperationState is the reconciler's view of one in-flight intent.
type OperationState struct {
	Kind      OperationKind `json:"kind"`
	ID        uint64        `json:"id"`
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
}

// View is the observable view model handed to the presentation layer.
type View struct {
	Version    uint64                    `json:"version"`
	Identity   string                    `json:"identity"`
	Connected  bool                      `json:"connected"`
	Authorized bool                      `json:"authorized"`
	Connecting bool                      `json:"connecting"`
	Records    []Record                  `json:"records"`
	Operations map[string]OperationState `json:"operations"`
	LastError  string                    `json:"last_error,omitempty"`
}

// Contains reports whether id is in the published record list.
func (v View) Contains(id uint64) bool {
	for _, r := range v.Records {
		if r.ID == id {
			return true
		}
	}
	return false
}

// ParseStudentID parses a decimal student id as typed by a user.
func ParseStudentID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("student id is required")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid student id %q", s)
	}
	return id, nil
}
