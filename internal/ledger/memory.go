package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Accepted submissions stay pending until a
// block is mined, either by Mine or by the loop started with Run.
type Memory struct {
	mu       sync.Mutex
	admin    string
	now      func() time.Time
	students map[uint64]Student
	order    []uint64
	pending  []*memSubmission
	calls    int
	failNext string
}

type memSubmission struct {
	id      string
	remove  bool
	from    string
	student uint64
	name    string

	done chan struct{}
	err  error
}

func (s *memSubmission) ID() string { return s.id }

func (s *memSubmission) AwaitCommit(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewMemory creates an empty store administered by admin. An empty admin
// makes Admin report ErrNoAdmin.
func NewMemory(admin string) *Memory {
	return &Memory{
		admin:    admin,
		now:      time.Now,
		students: make(map[uint64]Student),
	}
}

// SetClock overrides the block timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Seed writes a student directly, bypassing submissions.
func (m *Memory) Seed(id uint64, name string, registered bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[id]; !ok {
		m.order = append(m.order, id)
	}
	m.students[id] = Student{Name: name, IsRegistered: registered, RegistrationDate: at.Unix()}
}

func (m *Memory) RegisterStudent(_ context.Context, from string, id uint64, name string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := checkRegister(m.admin, from, m.students[id], name); err != nil {
		return nil, err
	}
	return m.enqueue(&memSubmission{from: from, student: id, name: name}), nil
}

func (m *Memory) RemoveStudent(_ context.Context, from string, id uint64) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := checkRemove(m.admin, from, m.students[id]); err != nil {
		return nil, err
	}
	return m.enqueue(&memSubmission{remove: true, from: from, student: id}), nil
}

func (m *Memory) enqueue(s *memSubmission) *memSubmission {
	s.id = uuid.NewString()
	s.done = make(chan struct{})
	m.pending = append(m.pending, s)
	return s
}

func (m *Memory) GetStudent(_ context.Context, id uint64) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.students[id], nil
}

func (m *Memory) GetAllStudentIDs(_ context.Context) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *Memory) Admin(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin == "" {
		return "", ErrNoAdmin
	}
	return m.admin, nil
}

// Calls returns how many mutation requests reached the store.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Pending returns the number of accepted, uncommitted submissions.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// FailNextBlock makes every submission in the next mined block fail with reason.
func (m *Memory) FailNextBlock(reason string) {
	m.mu.Lock()
	m.failNext = reason
	m.mu.Unlock()
}

// Mine commits all pending submissions in submission order and returns how
// many were settled. Rules are re-checked against the state at commit.
func (m *Memory) Mine() int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	failReason := m.failNext
	m.failNext = ""
	at := m.now().Unix()
	for _, s := range batch {
		switch {
		case failReason != "":
			s.err = RejectReason(failReason)
		case s.remove:
			cur := m.students[s.student]
			if s.err = checkRemove(m.admin, s.from, cur); s.err == nil {
				cur.IsRegistered = false
				m.students[s.student] = cur
			}
		default:
			cur, known := m.students[s.student]
			if s.err = checkRegister(m.admin, s.from, cur, s.name); s.err == nil {
				if !known {
					m.order = append(m.order, s.student)
				}
				m.students[s.student] = Student{Name: s.name, IsRegistered: true, RegistrationDate: at}
			}
		}
	}
	m.mu.Unlock()

	for _, s := range batch {
		close(s.done)
	}
	return len(batch)
}

// Run mines a block every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Mine()
		}
	}
}
