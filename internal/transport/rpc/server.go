// Package rpc exposes server-side emits over JSON-RPC for backend services.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/hub"
)

const emitTimeout = 5 * time.Second

// Server exposes realtime RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
	logger    zerolog.Logger
}

// NewServer creates a new RPC server.
func NewServer(h *hub.Hub, logger zerolog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{hub: h, logger: logger}
	if err := rpcServer.RegisterName("Realtime", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
		logger:    logger,
	}, nil
}

// Listen binds addr. Call it before Serve and Shutdown are started on other
// goroutines.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn().Err(err).Msg("rpc accept failed")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Realtime RPC methods.
type Handler struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// EmitRequest addresses an event to a room, channel, user or connection.
type EmitRequest struct {
	Room         string          `json:"room"`
	ChannelID    string          `json:"channel_id"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data"`
	Exclude      string          `json:"exclude"`
}

// EmitResponse reports how many connections received the event.
type EmitResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// Emit forwards an event from another service to connected clients.
func (h *Handler) Emit(req *EmitRequest, resp *EmitResponse) error {
	if req == nil {
		return errors.New("emit request is required")
	}
	if req.Event == "" {
		return errors.New("event is required")
	}

	target, ok := hub.Address(req.Room, req.ChannelID, req.UserID, req.ConnectionID, req.Exclude)
	if !ok {
		return errors.New("exactly one target is required")
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	delivered, err := h.hub.Emit(ctx, target, req.Event, payload)
	if err != nil {
		return err
	}

	h.logger.Debug().Str("event", req.Event).Str("room", target.Room).Int("delivered", delivered).Msg("rpc emit")

	if resp != nil {
		resp.OK = true
		resp.Delivered = delivered
	}
	return nil
}
