package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/lockstep/internal/codec"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// Path is the HTTP path an engine server is served at.
const Path = "/engine"

// Handler serves one Engine over WebSocket connections.
type Handler struct {
	engine   Engine
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger used for connection diagnostics.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a Handler for engine.
func NewHandler(engine Engine, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and answers protocol requests until the
// peer disconnects or a shutdown request has been served.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "engine", h.engine.Name(), "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("loop connected", "engine", h.engine.Name(), "remote", r.RemoteAddr)
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection closed", "engine", h.engine.Name(), "error", err)
			}
			return
		}

		resp := h.dispatch(r.Context(), req)
		if err := conn.WriteJSON(resp); err != nil {
			h.logger.Warn("write response failed", "engine", h.engine.Name(), "op", req.Op, "error", err)
			return
		}
		if req.Op == OpShutdown {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, req Request) Response {
	resp, err := h.handle(ctx, req)
	if err != nil {
		h.logger.Debug("request failed", "engine", h.engine.Name(), "op", req.Op, "error", err)
		return Response{ID: req.ID, Error: NewErrorBody(h.engine.Name(), err)}
	}
	resp.ID = req.ID
	resp.OK = true
	return resp
}

func (h *Handler) handle(ctx context.Context, req Request) (Response, error) {
	switch req.Op {
	case OpInitialize:
		config := ir.IRObject{}
		if len(req.Config) > 0 {
			v, err := ir.UnmarshalIRValue(req.Config)
			if err != nil {
				return Response{}, simerr.NewMalformedPayloadError("invalid engine config", err)
			}
			obj, ok := v.(ir.IRObject)
			if !ok {
				return Response{}, simerr.NewMalformedPayloadError("engine config must be an object", nil)
			}
			config = obj
		}
		devices, err := h.engine.Initialize(ctx, config)
		if err != nil {
			return Response{}, err
		}
		raw, err := codec.EncodeRaw(devices)
		if err != nil {
			return Response{}, err
		}
		return Response{Devices: raw}, nil

	case OpStep:
		if req.DurationNS < 0 {
			return Response{}, simerr.NewMalformedPayloadError(fmt.Sprintf("negative step duration %d", req.DurationNS), nil)
		}
		result, err := h.engine.Step(ctx, time.Duration(req.DurationNS))
		if err != nil {
			return Response{}, err
		}
		raw, err := codec.EncodeRaw(result.Devices)
		if err != nil {
			return Response{}, err
		}
		return Response{Devices: raw, EngineTimeNS: int64(result.EngineTime)}, nil

	case OpSetInputs:
		devices, err := codec.DecodeRaw(req.Devices)
		if err != nil {
			return Response{}, err
		}
		return Response{}, h.engine.ApplyInputs(ctx, devices)

	case OpShutdown:
		return Response{}, h.engine.Shutdown(ctx)

	default:
		return Response{}, simerr.NewMalformedPayloadError(fmt.Sprintf("unknown op %q", req.Op), nil)
	}
}

// Serve runs an HTTP server exposing engine at Path on addr until ctx is
// cancelled. The listener is closed on return.
func Serve(ctx context.Context, ln net.Listener, engine Engine, opts ...HandlerOption) error {
	mux := http.NewServeMux()
	mux.Handle(Path, NewHandler(engine, opts...))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}
