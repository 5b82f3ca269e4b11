package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"school-registry/internal/data"
)

const metaAdmin = "admin"

// LocalConfig configures a durable local ledger.
type LocalConfig struct {
	// Admin is recorded once, on first open, like a constructor-set owner.
	Admin         string
	BlockInterval time.Duration
}

// Local is a Store persisted in sqlite. A block producer (Run or Mine)
// commits pending submissions in order, re-checking the rules against the
// state at commit time.
type Local struct {
	repo          data.LedgerRepo
	blockInterval time.Duration
	now           func() time.Time
	log           zerolog.Logger

	mu    sync.Mutex
	block chan struct{}
}

func NewLocal(ctx context.Context, repo data.LedgerRepo, cfg LocalConfig, logger zerolog.Logger) (*Local, error) {
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	if cfg.Admin != "" {
		if err := repo.SetMetaIfAbsent(ctx, metaAdmin, cfg.Admin); err != nil {
			return nil, err
		}
	}
	return &Local{
		repo:          repo,
		blockInterval: cfg.BlockInterval,
		now:           time.Now,
		log:           logger,
		block:         make(chan struct{}),
	}, nil
}

func (l *Local) Admin(ctx context.Context) (string, error) {
	admin, ok, err := l.repo.Meta(ctx, metaAdmin)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoAdmin
	}
	return admin, nil
}

func (l *Local) GetStudent(ctx context.Context, id uint64) (Student, error) {
	row, err := l.repo.GetStudent(ctx, id)
	if err != nil || row == nil {
		return Student{}, err
	}
	return Student{Name: row.Name, IsRegistered: row.Registered, RegistrationDate: row.RegisteredAt}, nil
}

func (l *Local) GetAllStudentIDs(ctx context.Context) ([]uint64, error) {
	return l.repo.ListStudentIDs(ctx)
}

func (l *Local) RegisterStudent(ctx context.Context, from string, id uint64, name string) (Submission, error) {
	return l.submit(ctx, &data.Submission{Kind: "register", StudentID: id, Name: name, Sender: from})
}

func (l *Local) RemoveStudent(ctx context.Context, from string, id uint64) (Submission, error) {
	return l.submit(ctx, &data.Submission{Kind: "remove", StudentID: id, Sender: from})
}

func (l *Local) submit(ctx context.Context, s *data.Submission) (Submission, error) {
	// Pre-flight: reject what would certainly fail against the current state.
	if err := l.check(ctx, s); err != nil {
		return nil, err
	}
	s.ID = uuid.NewString()
	s.SubmittedAt = l.now()
	if err := l.repo.InsertSubmission(ctx, s); err != nil {
		return nil, err
	}
	l.log.Debug().Str("submission", s.ID).Str("kind", s.Kind).Uint64("student", s.StudentID).Msg("Submission accepted")
	return &localSubmission{id: s.ID, ledger: l}, nil
}

func (l *Local) check(ctx context.Context, s *data.Submission) error {
	admin, err := l.Admin(ctx)
	if err != nil && !errors.Is(err, ErrNoAdmin) {
		return err
	}
	cur, err := l.GetStudent(ctx, s.StudentID)
	if err != nil {
		return err
	}
	if s.Kind == "remove" {
		return checkRemove(admin, s.Sender, cur)
	}
	return checkRegister(admin, s.Sender, cur, s.Name)
}

// Mine produces one block and returns how many submissions it settled.
func (l *Local) Mine(ctx context.Context) (int, error) {
	pending, err := l.repo.PendingSubmissions(ctx)
	if err != nil {
		return 0, err
	}
	at := l.now()
	settled := 0
	for _, s := range pending {
		status, reason := data.StatusCommitted, ""
		var row *data.StudentRow
		if err := l.check(ctx, s); err != nil {
			var rej *RejectError
			if !errors.As(err, &rej) {
				return settled, err
			}
			status, reason = data.StatusFailed, rej.Reason
		} else {
			row = &data.StudentRow{ID: s.StudentID}
			if s.Kind == "remove" {
				cur, err := l.GetStudent(ctx, s.StudentID)
				if err != nil {
					return settled, err
				}
				row.Name, row.RegisteredAt = cur.Name, cur.RegistrationDate
			} else {
				row.Name, row.Registered, row.RegisteredAt = s.Name, true, at.Unix()
			}
		}

		err := l.repo.SettleSubmission(ctx, s.ID, status, reason, at, row)
		if errors.Is(err, data.ErrAlreadySettled) {
			continue
		}
		if err != nil {
			return settled, err
		}
		settled++
		l.log.Debug().Str("submission", s.ID).Str("status", status).Str("reason", reason).Msg("Submission settled")
	}

	l.mu.Lock()
	close(l.block)
	l.block = make(chan struct{})
	l.mu.Unlock()
	return settled, nil
}

// Run produces a block every block interval until ctx is done.
func (l *Local) Run(ctx context.Context) {
	ticker := time.NewTicker(l.blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Mine(ctx); err != nil && ctx.Err() == nil {
				l.log.Error().Err(err).Msg("Block production failed")
			}
		}
	}
}

// SubmissionStatus reports the settlement state of a submission.
func (l *Local) SubmissionStatus(ctx context.Context, id string) (status, reason string, err error) {
	s, err := l.repo.GetSubmission(ctx, id)
	if errors.Is(err, data.ErrSubmissionNotFound) {
		return "", "", Reject(ErrUnknownSubmission)
	}
	if err != nil {
		return "", "", err
	}
	return s.Status, s.Reason, nil
}

func (l *Local) nextBlock() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

type localSubmission struct {
	id     string
	ledger *Local
}

func (s *localSubmission) ID() string { return s.id }

func (s *localSubmission) AwaitCommit(ctx context.Context) error {
	for {
		// Grab the block channel before reading status so a block landing in
		// between is not missed.
		next := s.ledger.nextBlock()
		status, reason, err := s.ledger.SubmissionStatus(ctx, s.id)
		if err != nil {
			return err
		}
		switch status {
		case data.StatusCommitted:
			return nil
		case data.StatusFailed:
			return RejectReason(reason)
		case data.StatusPending:
		default:
			return fmt.Errorf("submission %s: unexpected status %q", s.id, status)
		}

		// Another process may produce the block, so re-poll on a timer too.
		select {
		case <-next:
		case <-time.After(s.ledger.blockInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
