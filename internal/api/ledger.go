package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"school-registry/internal/data"
	"school-registry/internal/ledger"
	"school-registry/internal/model"
)

// CallerHeader carries the identity a mutation is submitted as.
const CallerHeader = "X-Caller"

// statusSource is implemented by stores that persist submission outcomes.
type statusSource interface {
	SubmissionStatus(ctx context.Context, id string) (status, reason string, err error)
}

type submissionEntry struct {
	Status string
	Reason string
}

type SubmissionView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type RegisterRequest struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// LedgerHandler exposes a ledger.Store over HTTP so remote reconcilers can
// share one ledger.
type LedgerHandler struct {
	store ledger.Store
	ttl   time.Duration
	subs  *gocache.Cache
	log   zerolog.Logger
}

// NewLedgerHandler serves store. Outcomes of submissions accepted through the
// handler stay queryable for ttl after they settle.
func NewLedgerHandler(store ledger.Store, ttl time.Duration, logger zerolog.Logger) *LedgerHandler {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LedgerHandler{
		store: store,
		ttl:   ttl,
		subs:  gocache.New(ttl, 2*ttl),
		log:   logger,
	}
}

func (h *LedgerHandler) Register(g *gin.RouterGroup) {
	g.GET("/admin", h.getAdmin)
	g.GET("/students", h.listStudentIDs)
	g.GET("/students/:id", h.getStudent)
	g.POST("/students", h.registerStudent)
	g.DELETE("/students/:id", h.removeStudent)
	g.GET("/submissions/:id", h.getSubmission)
}

func (h *LedgerHandler) getAdmin(c *gin.Context) {
	admin, err := h.store.Admin(c.Request.Context())
	if errors.Is(err, ledger.ErrNoAdmin) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": admin})
}

func (h *LedgerHandler) listStudentIDs(c *gin.Context) {
	ids, err := h.store.GetAllStudentIDs(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

func (h *LedgerHandler) getStudent(c *gin.Context) {
	id, err := model.ParseStudentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.store.GetStudent(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *LedgerHandler) registerStudent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := h.store.RegisterStudent(c.Request.Context(), c.GetHeader(CallerHeader), req.ID, req.Name)
	h.accepted(c, sub, err)
}

func (h *LedgerHandler) removeStudent(c *gin.Context) {
	id, err := model.ParseStudentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := h.store.RemoveStudent(c.Request.Context(), c.GetHeader(CallerHeader), id)
	h.accepted(c, sub, err)
}

func (h *LedgerHandler) accepted(c *gin.Context, sub ledger.Submission, err error) {
	if err != nil {
		c.JSON(rejectStatus(err), gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.store.(statusSource); !ok {
		h.track(sub)
	}
	c.JSON(http.StatusAccepted, gin.H{"submission_id": sub.ID()})
}

// track records the outcome of sub once it settles. Entries for submissions
// that never settle within the ttl are dropped.
func (h *LedgerHandler) track(sub ledger.Submission) {
	h.subs.Set(sub.ID(), submissionEntry{Status: data.StatusPending}, gocache.NoExpiration)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.ttl)
		defer cancel()

		err := sub.AwaitCommit(ctx)
		var rej *ledger.RejectError
		switch {
		case err == nil:
			h.subs.Set(sub.ID(), submissionEntry{Status: data.StatusCommitted}, h.ttl)
		case errors.As(err, &rej):
			h.subs.Set(sub.ID(), submissionEntry{Status: data.StatusFailed, Reason: rej.Error()}, h.ttl)
		default:
			h.log.Warn().Err(err).Str("submission", sub.ID()).Msg("Stopped tracking submission")
			h.subs.Delete(sub.ID())
		}
	}()
}

func (h *LedgerHandler) getSubmission(c *gin.Context) {
	id := c.Param("id")
	if v, ok := h.subs.Get(id); ok {
		e := v.(submissionEntry)
		c.JSON(http.StatusOK, SubmissionView{ID: id, Status: e.Status, Reason: e.Reason})
		return
	}
	src, ok := h.store.(statusSource)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ledger.ErrUnknownSubmission.Error()})
		return
	}
	status, reason, err := src.SubmissionStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownSubmission) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, SubmissionView{ID: id, Status: status, Reason: reason})
}

func (h *LedgerHandler) internalError(c *gin.Context, err error) {
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Ledger request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotRegistered), errors.Is(err, ledger.ErrUnknownSubmission):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrEmptyName):
		return http.StatusBadRequest
	}
	var rej *ledger.RejectError
	if errors.As(err, &rej) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
