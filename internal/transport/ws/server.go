package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"school-registry/internal/app"
	"school-registry/internal/identity"
	"school-registry/internal/ledger"
)

// Server manages WebSocket connections. Every connection gets its own
// identity session and reconciler over the shared store.
type Server struct {
	Store    ledger.Store
	Config   app.Config
	Upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewServer(store ledger.Store, cfg app.Config, logger zerolog.Logger) *Server {
	return &Server{
		Store:  store,
		Config: cfg,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger,
	}
}

// ServeHTTP handles the WebSocket handshake and runs the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("New connection")

	session := identity.NewSession()
	cfg := s.Config
	cfg.Logger = log
	rec := app.NewReconciler(s.Store, session, cfg)

	NewHandler(conn, rec, session, log).Loop()
}
