// Package ledgerclient is a ledger.Store backed by a remote registry server's
// /api/ledger endpoints.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"school-registry/internal/ledger"
)

const adminCacheKey = "admin"

type Client struct {
	Base   string
	APIKey string
	HTTP   *http.Client
	// PollInterval is how often AwaitCommit asks for a submission's status.
	PollInterval time.Duration

	admin *gocache.Cache
}

// NewClient creates a client for base. The admin identity is cached for
// adminTTL; a non-positive adminTTL disables the cache.
func NewClient(base, apikey string, pollInterval, adminTTL time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	c := &Client{
		Base:         base,
		APIKey:       apikey,
		HTTP:         &http.Client{Timeout: 15 * time.Second},
		PollInterval: pollInterval,
	}
	// go-cache reads a zero ttl as never expire.
	if adminTTL > 0 {
		c.admin = gocache.New(adminTTL, 2*adminTTL)
	}
	return c
}

// StatusError is a non-2xx response that does not map onto a ledger rejection.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

type errorBody struct {
	Error string `json:"error"`
}

type submissionStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (c *Client) do(ctx context.Context, method, p, caller string, body, out any) error {
	u, err := url.Parse(c.Base)
	if err != nil {
		return err
	}
	u.Path = path.Join(u.Path, "/api/ledger", p)
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

// responseError turns 4xx bodies carrying a reason into ledger rejections.
func responseError(code int, b []byte) error {
	var eb errorBody
	if code >= 400 && code < 500 && code != http.StatusUnauthorized &&
		json.Unmarshal(b, &eb) == nil && eb.Error != "" {
		return ledger.RejectReason(eb.Error)
	}
	return &StatusError{Code: code, Body: string(b)}
}

func (c *Client) Admin(ctx context.Context) (string, error) {
	if c.admin != nil {
		if v, ok := c.admin.Get(adminCacheKey); ok {
			return v.(string), nil
		}
	}
	var out struct {
		Admin string `json:"admin"`
	}
	err := c.do(ctx, http.MethodGet, "/admin", "", nil, &out)
	var rej *ledger.RejectError
	if errors.As(err, &rej) && rej.Reason == ledger.ErrNoAdmin.Error() {
		return "", ledger.ErrNoAdmin
	}
	if err != nil {
		return "", err
	}
	if c.admin != nil {
		c.admin.SetDefault(adminCacheKey, out.Admin)
	}
	return out.Admin, nil
}

func (c *Client) GetAllStudentIDs(ctx context.Context) ([]uint64, error) {
	var out struct {
		IDs []uint64 `json:"ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/students", "", nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

func (c *Client) GetStudent(ctx context.Context, id uint64) (ledger.Student, error) {
	var out ledger.Student
	err := c.do(ctx, http.MethodGet, "/students/"+strconv.FormatUint(id, 10), "", nil, &out)
	return out, err
}

func (c *Client) RegisterStudent(ctx context.Context, from string, id uint64, name string) (ledger.Submission, error) {
	body := map[string]any{"id": id, "name": name}
	return c.submit(ctx, http.MethodPost, "/students", from, body)
}

func (c *Client) RemoveStudent(ctx context.Context, from string, id uint64) (ledger.Submission, error) {
	return c.submit(ctx, http.MethodDelete, "/students/"+strconv.FormatUint(id, 10), from, nil)
}

func (c *Client) submit(ctx context.Context, method, p, from string, body any) (ledger.Submission, error) {
	var out struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := c.do(ctx, method, p, from, body, &out); err != nil {
		return nil, err
	}
	if out.SubmissionID == "" {
		return nil, errors.New("server accepted the submission without an id")
	}
	return &submission{id: out.SubmissionID, client: c}, nil
}

type submission struct {
	id     string
	client *Client
}

func (s *submission) ID() string { return s.id }

// AwaitCommit polls the submission until it settles.
func (s *submission) AwaitCommit(ctx context.Context) error {
	ticker := time.NewTicker(s.client.PollInterval)
	defer ticker.Stop()

	for {
		var st submissionStatus
		if err := s.client.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(s.id), "", nil, &st); err != nil {
			return err
		}
		switch st.Status {
		case "committed":
			return nil
		case "failed":
			return ledger.RejectReason(st.Reason)
		case "pending":
		default:
			return fmt.Errorf("submission %s: unexpected status %q", s.id, st.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ ledger.Store = (*Client)(nil)
