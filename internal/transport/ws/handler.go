package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"school-registry/internal/app"
	"school-registry/internal/identity"
	"school-registry/internal/model"
)

var errUnknownCommand = errors.New("unknown command")

// Handler handles a single WebSocket connection.
type Handler struct {
	Conn    *websocket.Conn
	Rec     *app.Reconciler
	Session *identity.Session
	SendMu  sync.Mutex
	log     zerolog.Logger
}

func NewHandler(conn *websocket.Conn, rec *app.Reconciler, session *identity.Session, logger zerolog.Logger) *Handler {
	return &Handler{
		Conn:    conn,
		Rec:     rec,
		Session: session,
		log:     logger,
	}
}

// Send writes one message. Safe for concurrent use.
func (h *Handler) Send(msg any) error {
	h.SendMu.Lock()
	defer h.SendMu.Unlock()
	return h.Conn.WriteJSON(msg)
}

// Loop reads commands until the connection drops. Commands run
// concurrently; view changes are pushed as events.
func (h *Handler) Loop() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	unsubscribe := h.Rec.Subscribe(func(v model.View) {
		if err := h.Send(model.Event{Type: "event", Event: "view", Data: v}); err != nil {
			h.log.Debug().Err(err).Msg("Dropping view event")
		}
	})
	unwatch := h.Rec.Watch(ctx)

	defer func() {
		cancel()
		wg.Wait()
		unwatch()
		unsubscribe()
		h.Conn.Close()
		h.log.Info().Msg("Connection closed")
	}()

	for {
		var req model.Request
		if err := h.Conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Msg("Read error")
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handleRequest(ctx, req)
		}()
	}
}

func (h *Handler) handleRequest(ctx context.Context, req model.Request) {
	data, err := h.dispatch(ctx, req)

	resp := model.Response{Type: "response", RequestID: req.RequestID}
	if err != nil {
		resp.Code = -1
		resp.Message = errorCode(err)
		resp.Error = err.Error()
		h.log.Debug().Err(err).Str("command", req.Command).Msg("Command failed")
	} else {
		resp.Message = "success"
		resp.Data = data
	}
	if err := h.Send(resp); err != nil {
		h.log.Debug().Err(err).Str("request_id", req.RequestID).Msg("Dropping response")
	}
}

func (h *Handler) dispatch(ctx context.Context, req model.Request) (any, error) {
	switch req.Command {
	case "connect":
		h.Session.Set(req.Params["identity"])
		if err := h.Rec.Connect(ctx); err != nil {
			return nil, err
		}
		return h.Rec.Snapshot(), nil

	case "identity_changed":
		// The reconciler's watch reconnects synchronously inside Change.
		if !h.Session.Change(req.Params["identity"]) {
			return h.Rec.Snapshot(), nil
		}
		v := h.Rec.Snapshot()
		if err := reconnectError(v); err != nil {
			return nil, err
		}
		return v, nil

	case "list":
		if err := h.Rec.ListAll(ctx); err != nil {
			return nil, err
		}
		return h.Rec.Snapshot().Records, nil

	case "register":
		id, err := studentID(req)
		if err != nil {
			return nil, err
		}
		if err := h.Rec.Register(ctx, id, req.Params["name"]); err != nil {
			return nil, err
		}
		return h.Rec.Snapshot(), nil

	case "remove":
		id, err := studentID(req)
		if err != nil {
			return nil, err
		}
		if err := h.Rec.Remove(ctx, id); err != nil {
			return nil, err
		}
		return h.Rec.Snapshot(), nil

	case "search":
		id, err := studentID(req)
		if err != nil {
			return nil, err
		}
		return h.Rec.Search(ctx, id)

	case "view":
		return h.Rec.Snapshot(), nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, req.Command)
	}
}

func studentID(req model.Request) (uint64, error) {
	id, err := model.ParseStudentID(req.Params["id"])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", app.ErrInvalidInput, err)
	}
	return id, nil
}

// reconnectError recovers the outcome of a watch-driven reconnect from the
// view it left behind.
func reconnectError(v model.View) error {
	switch {
	case !v.Connected:
		return viewError{msg: v.LastError, kind: app.ErrConnection}
	case v.LastError != "":
		return viewError{msg: v.LastError, kind: app.ErrFetchFailed}
	}
	return nil
}

// viewError carries a published last error under its sentinel.
type viewError struct {
	msg  string
	kind error
}

func (e viewError) Error() string {
	if e.msg == "" {
		return e.kind.Error()
	}
	return e.msg
}

func (e viewError) Unwrap() error { return e.kind }

func errorCode(err error) string {
	if errors.Is(err, errUnknownCommand) {
		return "unknown_command"
	}
	return app.Code(err)
}
