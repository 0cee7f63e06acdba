// Package http provides the internal HTTP server: health, metrics and
// server-side emits for other backend services.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/logging"
	"github.com/xiaot623/huddle/internal/presence"
)

// PresenceLookup reports a user's presence.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (presence.State, error)
}

// Server is the internal HTTP server.
type Server struct {
	echo     *echo.Echo
	hub      *hub.Hub
	presence PresenceLookup
	logger   zerolog.Logger
}

// NewServer creates a new internal HTTP server.
func NewServer(h *hub.Hub, p PresenceLookup, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(logging.RequestLogger(logger))
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		hub:      h,
		presence: p,
		logger:   logger,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/internal/emit", s.handleEmit)
	e.GET("/internal/presence/:user_id", s.handlePresence)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	stats, err := s.hub.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": stats.Connections,
		"users":       stats.Users,
		"rooms":       stats.Rooms,
	})
}

// EmitRequest is the body of POST /internal/emit. Exactly one of room,
// channel_id, user_id and connection_id must be set.
type EmitRequest struct {
	Room         string          `json:"room"`
	ChannelID    string          `json:"channel_id"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data"`
	Exclude      string          `json:"exclude"`
}

// EmitResponse is the response of POST /internal/emit.
type EmitResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// Target resolves the request to a hub target.
func (r EmitRequest) Target() (hub.Target, bool) {
	return hub.Address(r.Room, r.ChannelID, r.UserID, r.ConnectionID, r.Exclude)
}

func (s *Server) handleEmit(c echo.Context) error {
	var req EmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}
	target, ok := req.Target()
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "exactly one target is required"})
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}

	delivered, err := s.hub.Emit(c.Request().Context(), target, req.Event, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", req.Event).Msg("internal emit failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to emit event"})
	}

	s.logger.Debug().
		Str("event", req.Event).
		Str("room", target.Room).
		Str("connection_id", target.ConnectionID).
		Int("delivered", delivered).
		Msg("internal emit")

	return c.JSON(http.StatusOK, EmitResponse{OK: true, Delivered: delivered})
}

func (s *Server) handlePresence(c echo.Context) error {
	userID := c.Param("user_id")
	st, err := s.presence.Lookup(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
	}
	return c.JSON(http.StatusOK, st)
}
