// CodeHarbor orchestrates coding agent sessions against git repositories:
// it clones, runs the agent in an isolated worktree, streams events, and
// manages snapshots and reverts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codeharbor/codeharbor/internal/agent"
	"github.com/codeharbor/codeharbor/internal/agent/claude"
	"github.com/codeharbor/codeharbor/internal/common/config"
	"github.com/codeharbor/codeharbor/internal/common/httpmw"
	"github.com/codeharbor/codeharbor/internal/common/logger"
	"github.com/codeharbor/codeharbor/internal/common/tracing"
	"github.com/codeharbor/codeharbor/internal/db"
	"github.com/codeharbor/codeharbor/internal/events/bus"
	"github.com/codeharbor/codeharbor/internal/git"
	"github.com/codeharbor/codeharbor/internal/notifications"
	"github.com/codeharbor/codeharbor/internal/session"
	"github.com/codeharbor/codeharbor/internal/session/eventbus"
	"github.com/codeharbor/codeharbor/internal/session/runner"
	sessionstore "github.com/codeharbor/codeharbor/internal/session/store"
	"github.com/codeharbor/codeharbor/internal/stream"
	"github.com/codeharbor/codeharbor/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "codeharbor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Zap().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = pool.Close() }()

	var genericBus bus.EventBus
	if cfg.NATS.URL != "" {
		nb, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		genericBus = nb
	} else {
		genericBus = bus.NewMemoryEventBus(log)
	}
	defer genericBus.Close()

	sessStore, err := sessionstore.New(pool)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	userStore, err := user.NewStore(pool)
	if err != nil {
		return fmt.Errorf("init user store: %w", err)
	}
	notifStore, err := notifications.NewStore(pool)
	if err != nil {
		return fmt.Errorf("init notifications store: %w", err)
	}

	gitRuntime, err := git.New(cfg.Git, log)
	if err != nil {
		return fmt.Errorf("init git runtime: %w", err)
	}

	registry := agent.NewRegistry(cfg.Agent.DefaultProvider)
	registry.Register(claude.New(cfg.Agent.ClaudeBinary, cfg.Agent.DefaultModel, log))

	sessBus := eventbus.New(sessStore, genericBus, log)

	dispatcher := notifications.NewDispatcher(notifStore, sessStore, userStore, log)
	dispatcher.RegisterProvider(notifications.NewWebhookProvider(cfg.Notifications.WebhookTimeoutDuration()))
	dispatcher.RegisterProvider(notifications.NewLocalProvider(genericBus))
	sessBus.SetNotifier(dispatcher)

	sessRunner := runner.New(sessStore, userStore, sessBus, gitRuntime, registry, log)
	sessService := session.NewService(sessStore, userStore, sessBus, sessRunner, log)

	router := buildRouter(sessService, userStore, notifStore, dispatcher, registry, log)

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// Streaming responses outlive any fixed write timeout.
		WriteTimeout: 0,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func buildRouter(
	sessService *session.Service,
	userStore *user.Store,
	notifStore *notifications.Store,
	dispatcher *notifications.Dispatcher,
	registry *agent.Registry,
	log *logger.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "codeharbor"))
	router.Use(httpmw.OtelTracing("codeharbor"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	userHandler := user.NewHandler(userStore)
	sessHandler := session.NewHandler(sessService)
	agentHandler := agent.NewHandler(registry)
	notifHandler := notifications.NewHandler(notifStore, dispatcher)
	sseHandler := stream.NewSSEHandler(sessService, log)
	wsHandler := stream.NewWSHandler(sessService, userStore, log)

	public := router.Group("/api")
	userHandler.RegisterPublicRoutes(public)
	// WebSocket clients authenticate in-band after the upgrade.
	public.GET("/ws", wsHandler.Serve)

	authed := router.Group("/api")
	authed.Use(httpmw.BearerAuth(userStore))
	userHandler.RegisterRoutes(authed)
	sessHandler.RegisterRoutes(authed)
	notifHandler.RegisterRoutes(authed)
	agentHandler.RegisterRoutes(authed)
	authed.GET("/events", sseHandler.UserEvents)
	authed.GET("/sessions/:sessionId/events", sseHandler.SessionEvents)

	return router
}
