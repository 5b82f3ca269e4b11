// Package identity supplies the caller identity to the reconciler and
// notifies it when the identity changes.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoIdentity means no identity is available from the provider.
var ErrNoIdentity = errors.New("no identity available")

// Provider is the injected source of the active caller identity.
type Provider interface {
	Current(ctx context.Context) (string, error)
	// Subscribe registers fn for identity changes. fn runs synchronously on
	// the goroutine that made the change. The returned func unsubscribes.
	Subscribe(fn func(identity string)) (cancel func())
}

// Static is a fixed identity, typically from configuration or a CLI flag.
type Static string

func (s Static) Current(context.Context) (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

func (Static) Subscribe(func(string)) func() { return func() {} }

// Session is a mutable identity owned by one client connection.
type Session struct {
	mu       sync.Mutex
	identity string
	subs     map[int]func(string)
	nextSub  int
}

func NewSession() *Session {
	return &Session{subs: make(map[int]func(string))}
}

func (s *Session) Current(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		return "", ErrNoIdentity
	}
	return s.identity, nil
}

// Set replaces the identity without notifying subscribers. Used when the
// caller connects explicitly.
func (s *Session) Set(identity string) {
	s.mu.Lock()
	s.identity = strings.TrimSpace(identity)
	s.mu.Unlock()
}

// Change replaces the identity and notifies subscribers if it differs from
// the current one (compared case-insensitively). It reports whether it did.
func (s *Session) Change(identity string) bool {
	identity = strings.TrimSpace(identity)
	s.mu.Lock()
	if strings.EqualFold(s.identity, identity) {
		s.mu.Unlock()
		return false
	}
	s.identity = identity
	subs := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(identity)
	}
	return true
}

func (s *Session) Subscribe(fn func(string)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
