package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/ledger"
	"github.com/evently-hq/evently/internal/notify"
	"github.com/evently-hq/evently/internal/registry"
	"github.com/evently-hq/evently/internal/shared/auth"
	"github.com/evently-hq/evently/internal/shared/config"
	"github.com/evently-hq/evently/internal/shared/database"
	"github.com/evently-hq/evently/internal/shared/hal"
	"github.com/evently-hq/evently/internal/shared/logging"
	"github.com/evently-hq/evently/internal/shared/metrics"
	secmiddleware "github.com/evently-hq/evently/internal/shared/middleware"
	"github.com/evently-hq/evently/internal/shared/shutdown"
	"github.com/evently-hq/evently/internal/source"
	"github.com/evently-hq/evently/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Server.Env)

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("event store is unreachable")
	}

	stack := shutdown.New()
	stack.Register("database", func(context.Context) error {
		db.Close()
		return nil
	})

	src := source.NewService(db, log)
	ledgers := ledger.NewService(db, src, log)
	registries := registry.NewService(db, src, log)
	appends := store.NewService(db, registries, src, log)
	channels := notify.NewChannels(log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router(cfg, log, db, src, ledgers, registries, appends, channels),
		// No WriteTimeout: selector streams and SSE connections are
		// long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	stack.Register("http server", srv.Shutdown)
	stack.Register("notification channels", func(context.Context) error {
		channels.CloseAll()
		return nil
	})

	listener := notify.NewListener(db, channels.Dispatch, log)
	if err := listener.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("event notification listener failed to start")
	}
	stack.Register("notification listener", func(context.Context) error {
		listener.Stop()
		return nil
	})

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		stack.Run(ctx, log)
		close(done)
	}()

	log.Info().Int("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("evently listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-done
	log.Info().Msg("server stopped")
}

func router(
	cfg *config.Config,
	log zerolog.Logger,
	db *database.DB,
	src *source.Service,
	ledgers *ledger.Service,
	registries *registry.Service,
	appends *store.Service,
	channels *notify.Channels,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.MaxBody(10 << 20))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-None-Match", "Last-Event-Id", "Prefer"},
		ExposedHeaders: []string{"Content-Location", "Last-Event-ID", "Link", "Location", "Preference-Applied", "Profile", "WWW-Authenticate"},
	}))
	if cfg.RateLimit.RPS > 0 {
		limiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		r.Use(limiter.Middleware)
	}

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(db))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", indexHandler)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		r.Mount("/ledgers", ledger.NewHandler(ledgers, log).Routes())
		r.Mount("/registry", registry.NewHandler(registries, ledgers, log).Routes())
		r.Mount("/selectors", source.NewHandler(src, ledgers, log).Routes())
		r.Mount("/append", store.NewHandler(appends, log).Routes())
		r.Mount("/notify", notify.NewHandler(channels, log).Routes())
	})

	return r
}

// indexHandler is the unauthenticated hypermedia entry point.
func indexHandler(w http.ResponseWriter, r *http.Request) {
	doc := hal.New().
		Self("/").
		Link("ledgers", "/ledgers").
		Link("registry", "/registry").
		Link("selectors", "/selectors").
		Link("append", "/append").
		Link("notify", "/notify").
		Field("name", "evently")
	hal.Write(w, http.StatusOK, doc)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func readyHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "not ready",
				"database": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
