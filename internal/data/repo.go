package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Submission statuses.
const (
	StatusPending   = "pending"
	StatusCommitted = "committed"
	StatusFailed    = "failed"
)

// StudentRow is the persisted state of one student id.
type StudentRow struct {
	ID           uint64
	Name         string
	Registered   bool
	RegisteredAt int64
}

// Submission is a persisted mutation request.
type Submission struct {
	ID          string
	Kind        string // "register" or "remove"
	StudentID   uint64
	Name        string
	Sender      string
	Status      string
	Reason      string
	SubmittedAt time.Time
	SettledAt   *time.Time
}

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrAlreadySettled     = errors.New("submission already settled")
)

type LedgerRepo interface {
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMetaIfAbsent(ctx context.Context, key, value string) error
	GetStudent(ctx context.Context, id uint64) (*StudentRow, error)
	ListStudentIDs(ctx context.Context) ([]uint64, error)
	InsertSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	PendingSubmissions(ctx context.Context) ([]*Submission, error)
	SettleSubmission(ctx context.Context, id, status, reason string, at time.Time, student *StudentRow) error
	Close() error
}

type SQLiteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo opens the ledger database. The file may be shared with other
// processes producing blocks, so writers wait on the lock instead of failing.
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	// One writer keeps block commits serialized inside this process.
	db.SetMaxOpenConns(1)
	r := &SQLiteRepo{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

const busyTimeout = 5 * time.Second

var schema = []string{
	`CREATE TABLE IF NOT EXISTS meta(
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS students(
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		is_registered INTEGER NOT NULL,
		registered_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS submissions(
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		student_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		submitted_at DATETIME NOT NULL,
		settled_at DATETIME
	);`,
}

func (r *SQLiteRepo) init() error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create ledger tables: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepo) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, true, nil
}

func (r *SQLiteRepo) SetMetaIfAbsent(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING;`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save meta %s: %w", key, err)
	}
	return nil
}

// GetStudent returns nil, nil when the id was never registered.
func (r *SQLiteRepo) GetStudent(ctx context.Context, id uint64) (*StudentRow, error) {
	row := StudentRow{ID: id}
	var registered int
	err := r.db.QueryRowContext(ctx,
		`SELECT name, is_registered, registered_at FROM students WHERE student_id=?;`, formatID(id)).
		Scan(&row.Name, &registered, &row.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student %d: %w", id, err)
	}
	row.Registered = registered != 0
	return &row, nil
}

// ListStudentIDs returns every known id in first-registration order.
func (r *SQLiteRepo) ListStudentIDs(ctx context.Context) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT student_id FROM students ORDER BY seq;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		id, err := parseID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) InsertSubmission(ctx context.Context, s *Submission) error {
	if s.ID == "" || s.Kind == "" {
		return errors.New("invalid submission data")
	}
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO submissions(id, kind, student_id, name, sender, status, reason, submitted_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		s.ID, s.Kind, formatID(s.StudentID), s.Name, s.Sender, s.Status, s.Reason, s.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, kind, student_id, name, sender, status, reason, submitted_at, settled_at`

func (r *SQLiteRepo) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?;`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	return s, err
}

// PendingSubmissions returns unsettled submissions in submission order.
func (r *SQLiteRepo) PendingSubmissions(ctx context.Context) ([]*Submission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE status=? ORDER BY seq;`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending submissions: %w", err)
	}
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SettleSubmission marks a pending submission settled and, when student is
// non-nil, writes the student row in the same transaction. It returns
// ErrAlreadySettled if another producer got there first.
func (r *SQLiteRepo) SettleSubmission(ctx context.Context, id, status, reason string, at time.Time, student *StudentRow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, reason=?, settled_at=? WHERE id=? AND status=?;`,
		status, reason, at, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to settle submission %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadySettled
	}

	if student != nil {
		registered := 0
		if student.Registered {
			registered = 1
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO students(student_id, name, is_registered, registered_at)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(student_id) DO UPDATE SET
				name=excluded.name,
				is_registered=excluded.is_registered,
				registered_at=excluded.registered_at;`,
			formatID(student.ID), student.Name, registered, student.RegisteredAt)
		if err != nil {
			return fmt.Errorf("failed to write student %d: %w", student.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(sc scanner) (*Submission, error) {
	var (
		s       Submission
		rawID   string
		settled sql.NullTime
	)
	err := sc.Scan(&s.ID, &s.Kind, &rawID, &s.Name, &s.Sender, &s.Status, &s.Reason, &s.SubmittedAt, &settled)
	if err != nil {
		return nil, err
	}
	if s.StudentID, err = parseID(rawID); err != nil {
		return nil, err
	}
	if settled.Valid {
		t := settled.Time
		s.SettledAt = &t
	}
	return &s, nil
}

// Ids are stored as decimal text: sqlite integers are signed 64-bit.
func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt student id %q: %w", raw, err)
	}
	return id, nil
}
