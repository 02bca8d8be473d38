package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"duasync/internal/api"
	"duasync/internal/config"
	"duasync/internal/content"
	"duasync/internal/hub"
	"duasync/internal/observability"
	"duasync/internal/router"
	"duasync/internal/session"
	"duasync/internal/websocket"
	pkgdatabase "duasync/pkg/database"
)

// Application coordinates all system components
type Application struct {
	config     *config.Config
	store      *content.Store
	sessions   *session.Registry
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	listener  net.Listener
	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// NewApplication wires components in dependency order:
// Content store → Sessions → Registry → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Content.DatabasePath
	dbConfig.MaxConnections = cfg.Content.MaxConnections

	store, err := content.NewStore(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	if cfg.Content.DataDir != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		_, err := content.NewImporter(store, cfg.Content.DataDir).Import(ctx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to import content: %w", err)
		}
	}

	sessions := session.NewRegistry()
	registry := websocket.NewRegistry()

	messageRouter := router.NewRouter(sessions, registry, store, router.Options{
		GracePeriod:      cfg.Session.GracePeriod,
		StrictHostChecks: cfg.Session.StrictHostChecks,
		RateLimit:        cfg.Session.RateLimit,
		ContentTimeout:   cfg.Session.ContentTimeout,
	})

	messageHub := hub.NewHub(messageRouter)
	// Grace expiry re-enters through the hub goroutine
	messageRouter.SetDispatcher(messageHub)

	wsHandler := websocket.NewHandler(registry, messageHub, websocket.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		ReadLimit:      cfg.WebSocket.ReadLimit,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	})

	apiServer := api.NewServer(api.Deps{
		Sessions:    sessions,
		Connections: registry,
		Catalog:     store,
		Health:      store,
		WebSocket:   wsHandler.HandleWebSocket,
	}, cfg.HTTP.AllowedOrigins)

	httpServer := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     apiServer,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// WriteTimeout would cut hijacked WebSocket connections; the
		// connection writer sets its own per-frame deadline.
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		sessions:   sessions,
		registry:   registry,
		router:     messageRouter,
		hub:        messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
		stopSweep:  make(chan struct{}),
	}, nil
}

// Start runs the hub, then begins accepting HTTP connections. It returns
// once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	observability.RegisterMetrics()

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.sweepWG.Add(1)
	go app.sweepRateLimits(app.config.Session.RateLimitSweep)

	log.Info().
		Str("addr", ln.Addr().String()).
		Dur("grace", app.config.Session.GracePeriod).
		Bool("strict_host_checks", app.config.Session.StrictHostChecks).
		Msg("duasync started")
	return nil
}

// sweepRateLimits drops idle rate-limit windows on the hub goroutine
func (app *Application) sweepRateLimits(every time.Duration) {
	defer app.sweepWG.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.hub.Dispatch(func(context.Context) {
				if n := app.router.SweepRateLimits(); n > 0 {
					log.Debug().Int("removed", n).Msg("rate limit windows swept")
				}
			})
		case <-app.stopSweep:
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP → sweeper → Hub →
// grace timers → sockets → content store
func (app *Application) Stop(ctx context.Context) error {
	log.Info().Msg("shutting down duasync")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	select {
	case <-app.stopSweep:
	default:
		close(app.stopSweep)
	}
	app.sweepWG.Wait()

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	app.router.Shutdown()
	app.registry.CloseAll()

	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("content store shutdown: %w", err))
	}

	log.Info().Msg("duasync shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address, or the configured one before Start
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store exposes the content catalog
func (app *Application) Store() *content.Store {
	return app.store
}

// Sessions exposes the session registry for inspection
func (app *Application) Sessions() *session.Registry {
	return app.sessions
}
