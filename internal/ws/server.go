// Package ws serves client WebSocket connections and feeds their frames to the hub.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xiaot623/huddle/internal/config"
	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/metrics"
	"github.com/xiaot623/huddle/internal/policy"
	"github.com/xiaot623/huddle/internal/protocol"
)

const (
	policyTimeout   = time.Second
	identifyTimeout = 5 * time.Second
)

// identifying events bind the connection to a user.
var identifying = map[string]bool{
	protocol.EventJoinUser:   true,
	protocol.EventUserOnline: true,
}

// Evaluator decides whether an inbound event is admitted.
type Evaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (string, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	handlers map[string]handlerFunc
	policy   Evaluator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server. eval may be nil.
func NewServer(cfg *config.Config, h *hub.Hub, handlers Handlers, eval Evaluator, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    h,
		policy: eval,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.handlers = s.routes(handlers)
	return s
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	s.logger.Debug().Str("connection_id", conn.ID).Str("remote_addr", c.RealIP()).Msg("client connected")

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
}

// readPump reads frames until the socket fails, then unregisters the connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		_ = conn.Close()
	}()

	limiter := s.newLimiter()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("websocket read failed")
			}
			return
		}

		s.handleMessage(conn, limiter, message)
	}
}

// writePump drains conn.Send to the socket and keeps it alive with pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage admits one inbound frame and queues its handler on the hub.
// Runs on the connection's read goroutine.
func (s *Server) handleMessage(conn *hub.Connection, limiter *rate.Limiter, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.reject(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if !limiter.Allow() {
		s.reject(conn, protocol.ErrorCodeRateLimited, "too many events")
		return
	}

	handler, ok := s.handlers[env.Event]
	if !ok {
		s.reject(conn, protocol.ErrorCodeUnknownEvent, "unknown event: "+env.Event)
		return
	}

	if s.policy != nil && !s.admit(conn, env) {
		return
	}

	metrics.EventsReceived.WithLabelValues(env.Event).Inc()
	task := func() {
		handler(conn, env.Data)
	}

	if !identifying[env.Event] {
		s.hub.Dispatch(conn, task)
		return
	}

	// Hold the read loop until the binding is in place so the next frame's
	// policy input carries it.
	ctx, cancel := context.WithTimeout(context.Background(), identifyTimeout)
	defer cancel()
	if err := s.hub.DispatchWait(ctx, conn, task); err != nil {
		s.logger.Debug().Err(err).Str("connection_id", conn.ID).Str("event", env.Event).Msg("identify not applied")
	}
}

func (s *Server) admit(conn *hub.Connection, env protocol.Envelope) bool {
	var data any
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), policyTimeout)
	defer cancel()

	decision, err := s.policy.Evaluate(ctx, policy.Input{
		Event:        env.Event,
		ConnectionID: conn.ID,
		UserID:       conn.UserID(),
		Data:         data,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event", env.Event).Msg("policy evaluation failed")
		s.reject(conn, protocol.ErrorCodeInternalError, "policy evaluation failed")
		return false
	}
	if decision == policy.DecisionBlock {
		s.logger.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID()).
			Str("event", env.Event).
			Msg("event blocked by policy")
		s.reject(conn, protocol.ErrorCodeForbidden, "event not permitted")
		return false
	}
	return true
}

func (s *Server) reject(conn *hub.Connection, code, message string) {
	s.hub.Dispatch(conn, func() {
		s.hub.ReplyError(conn, code, message)
	})
}
