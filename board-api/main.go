package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/api"
	"github.com/x7ddf74479jn5/simple-kanban-planner/bootstrap"
	"github.com/x7ddf74479jn5/simple-kanban-planner/config"
	"github.com/x7ddf74479jn5/simple-kanban-planner/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Open(cfg, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	disp := syncer.NewDispatcher(backend.Store, cfg.DispatcherConfig(), logger)
	boards := syncer.NewBoardService(backend.Store, disp, backend.Cascades, cfg.RenameDebounce.D(), logger)
	views := api.NewViews(backend.Store, disp, cfg.ControllerOptions(), logger)
	views.SetLinger(cfg.PendingTTL.D())

	conn := api.NewConnectivity(backend.Pinger, cfg.PingInterval.D(), logger)
	conn.OnChange(views.SetOnline)
	go conn.Run(ctx)

	var auth *api.Auth
	if cfg.LocalAuthSecret != "" {
		logger.Warn("using shared secret authentication")
		auth = api.NewSharedSecretAuth([]byte(cfg.LocalAuthSecret), cfg.Auth0Audience, "")
	} else {
		jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth0Audience, cfg.Issuer(), cfg.JWKSCacheTTL.D())
	}

	deps := api.Deps{
		Boards: boards,
		Views:  views,
		Auth:   auth,
		Conn:   conn,
		Logger: logger,
	}
	if backend.Redis != nil {
		deps.Deduper = api.NewRedisDeduper(backend.Redis, cfg.DeduperTTL.D())
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware(api.MaxBodySize))
	api.Register(e, deps)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	boards.Flush()
	views.CloseAll()
	disp.Close()
	backend.Close()
}
