package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"school-registry/config"
)

type Handler struct {
	Cfg     *config.Config
	Ledger  *LedgerHandler
	WS      http.Handler
	Metrics http.Handler
	log     zerolog.Logger
}

// NewHandler wires the HTTP surface. ledger, ws and metrics may be nil to
// leave their routes out.
func NewHandler(cfg *config.Config, lh *LedgerHandler, ws, metrics http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{Cfg: cfg, Ledger: lh, WS: ws, Metrics: metrics, log: logger}
}

func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.Cfg.Auth.Enable {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			// Browsers cannot set headers on a websocket handshake.
			token = c.Query("token")
		}
		if token != h.Cfg.Auth.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request through zerolog.
func (h *Handler) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("HTTP request")
	}
}

func (h *Handler) SetupRoutes(r *gin.Engine) {
	r.Use(h.RequestLogger())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	if h.Ledger != nil {
		g := r.Group("/api/ledger")
		g.Use(h.AuthMiddleware())
		h.Ledger.Register(g)
	}

	if h.WS != nil {
		wsGroup := r.Group("/ws")
		wsGroup.Use(h.AuthMiddleware())
		wsGroup.GET("", gin.WrapH(h.WS))
	}
}

// NewEngine returns a gin engine with recovery and the handler's routes.
func NewEngine(h *Handler) *gin.Engine {
	if h.Cfg.Server.Mode != "" {
		gin.SetMode(h.Cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	h.SetupRoutes(r)
	return r
}
