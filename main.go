package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/auth"
	"github.com/xiaot623/huddle/internal/config"
	internalhttp "github.com/xiaot623/huddle/internal/http"
	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/ingest"
	"github.com/xiaot623/huddle/internal/logging"
	"github.com/xiaot623/huddle/internal/policy"
	"github.com/xiaot623/huddle/internal/presence"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/session"
	"github.com/xiaot623/huddle/internal/signaling"
	"github.com/xiaot623/huddle/internal/store"
	"github.com/xiaot623/huddle/internal/transport/rpc"
	"github.com/xiaot623/huddle/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())

	logger.Info().
		Int("ws_port", cfg.WSPort).
		Int("http_port", cfg.HTTPPort).
		Int("rpc_port", cfg.RPCPort).
		Str("env", cfg.Env).
		Msg("starting realtime server")

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	var mirror *store.RedisPresence
	if cfg.RedisURL != "" {
		mirror, err = store.NewRedisPresence(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
	}

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("policy_file", cfg.PolicyFile).Msg("failed to load policy")
	}

	h := hub.New(session.NewRegistry(), room.NewDirectory(), logging.Component(logger, "hub"), cfg.SendBuffer)

	tracker := presence.New(h, st, cfg.PersistTimeout, logging.Component(logger, "presence"))
	if mirror != nil {
		tracker.SetMirror(mirror)
	}
	if cfg.JWTSecret != "" {
		tracker.SetVerifier(auth.NewVerifier(cfg.JWTSecret))
	} else {
		logger.Warn().Msg("JWT_SECRET not set, identify events are not authenticated")
	}

	handlers := ws.Handlers{
		Messages: ingest.New(h, st, cfg.PersistTimeout, logging.Component(logger, "ingest")),
		Calls:    signaling.New(h, logging.Component(logger, "signaling")),
		Presence: tracker,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	go h.Run(hubCtx)

	trackerCtx, stopTracker := context.WithCancel(ctx)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(trackerCtx)
	}()

	wsServer := ws.NewServer(cfg, h, handlers, engine, logging.Component(logger, "ws"))

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(logging.RequestLogger(logging.Component(logger, "ws")))
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	httpServer := internalhttp.NewServer(h, tracker, logging.Component(logger, "http"))

	rpcServer, err := rpc.NewServer(h, logging.Component(logger, "rpc"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rpc server")
	}
	if err := rpcServer.Listen(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for rpc")
	}

	go serve(logger, "websocket", func() error { return wsEcho.Start(fmt.Sprintf(":%d", cfg.WSPort)) })
	go serve(logger, "http", func() error { return httpServer.Start(fmt.Sprintf(":%d", cfg.HTTPPort)) })
	go serve(logger, "rpc", rpcServer.Serve)

	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"realtime": func(ctx context.Context) error {
				logger.Info().Msg("shutting down realtime server")
				err := wsEcho.Shutdown(ctx)

				// hub removes every connection, then the tracker flushes the
				// resulting offline transitions before the store closes
				stopHub()
				select {
				case <-h.Done():
				case <-ctx.Done():
					err = errors.Join(err, ctx.Err())
				}
				stopTracker()
				select {
				case <-trackerDone:
				case <-ctx.Done():
					err = errors.Join(err, ctx.Err())
				}

				if mirror != nil {
					err = errors.Join(err, mirror.Close())
				}
				return errors.Join(err, st.Close())
			},
			"internal-http": func(ctx context.Context) error {
				return httpServer.Shutdown(ctx)
			},
			"rpc": func(ctx context.Context) error {
				return rpcServer.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("realtime server stopped")
	os.Exit(exitCode)
}

func serve(logger zerolog.Logger, name string, start func() error) {
	if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Str("server", name).Msg("server failed")
	}
}
