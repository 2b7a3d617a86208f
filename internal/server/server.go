// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the composition root: New builds every dependency from
// config.Config and wires it into the router, and Start runs the listener
// until a shutdown signal arrives.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → sqlite.DB ─────────────┐
//	              → auth.TokenService ─────┤
//	              → auth.PasswordService ──┼→ service.AccountService → handler.AccountHandler
//	              → media.Uploader ────────┤
//	              → metrics.Metrics ───────┘
//	              → staging.Stager ──────────────────────────────────↗
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/config"
	"github.com/sakif/user-accounts/internal/handler"
	"github.com/sakif/user-accounts/internal/media"
	"github.com/sakif/user-accounts/internal/metrics"
	"github.com/sakif/user-accounts/internal/middleware"
	sqliteRepo "github.com/sakif/user-accounts/internal/repository/sqlite"
	"github.com/sakif/user-accounts/internal/service"
	"github.com/sakif/user-accounts/internal/staging"
)

// ServiceName identifies this process in traces and logs.
const ServiceName = "user-accounts"

// shutdownTimeout bounds how long in-flight requests may take to drain.
const shutdownTimeout = 30 * time.Second

// Server represents the HTTP server and all its dependencies.
//
// The Server owns the database connection and closes it after the listener
// has drained during shutdown.
type Server struct {
	router  *chi.Mux
	handler http.Handler
	config  config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
}

// New creates a Server from cfg. The database is opened and migrated here.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	// otelhttp wraps the whole router so every request gets a server span.
	s.handler = otelhttp.NewHandler(s.router, ServiceName)
	return s, nil
}

// Handler returns the root handler. Tests mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close releases the database. Start calls it on shutdown.
func (s *Server) Close() error {
	return s.db.Close()
}

// newUploader picks the media host: an S3-compatible bucket when one is
// configured, otherwise the local media directory served under /media/.
func (s *Server) newUploader(ctx context.Context) (media.Uploader, error) {
	cfg := s.config
	if cfg.UsesS3() {
		return media.NewS3Uploader(ctx, media.S3Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Bucket:         cfg.S3Bucket,
			Prefix:         cfg.S3Prefix,
			PublicBaseURL:  cfg.MediaPublicBaseURL,
			ForcePathStyle: cfg.S3Endpoint != "",
			Timeout:        cfg.MediaUploadTimeout,
		}, s.logger)
	}
	return media.NewDiskUploader(cfg.MediaDir, cfg.MediaBaseURL(), s.logger)
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET        /healthz                          → liveness + database ping
// GET        /metrics                          → Prometheus exposition
// GET        /media/*                          → disk-hosted images (no S3 bucket configured)
// POST       /api/v1/users/register            → multipart registration
// POST       /api/v1/users/login               → rate limited
// POST       /api/v1/users/refresh-token       → rate limited
// POST       /api/v1/users/logout              → auth
// POST       /api/v1/users/change-password     → auth
// GET        /api/v1/users/current-user        → auth
// POST|PATCH /api/v1/users/update-account      → auth
// POST|PATCH /api/v1/users/avatar              → auth, multipart
// POST|PATCH /api/v1/users/cover-image         → auth, multipart
//
// MIDDLEWARE ORDER MATTERS: RequestID must run before Logger so the log
// line can carry the id, and Recoverer sits inside Logger and Metrics so a
// recovered panic is still recorded as a 500.
func (s *Server) setupRoutes(ctx context.Context) error {
	cfg := s.config

	// === Dependencies ===
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		AccessTTL:     cfg.AccessTokenExpiry,
		RefreshSecret: cfg.RefreshTokenSecret,
		RefreshTTL:    cfg.RefreshTokenExpiry,
		Issuer:        ServiceName,
	})
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	uploader, err := s.newUploader(ctx)
	if err != nil {
		return fmt.Errorf("creating media uploader: %w", err)
	}

	stager, err := staging.New(cfg.UploadTmpDir, cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("creating upload staging: %w", err)
	}

	accounts := service.NewAccountService(s.db, tokens, auth.NewPasswordService(cfg.BcryptCost), uploader, m, s.logger)
	accountHandler := handler.NewAccountHandler(accounts, stager, handler.CookieConfig{
		Secure:     cfg.CookieSecure,
		AccessTTL:  tokens.AccessTTL(),
		RefreshTTL: tokens.RefreshTTL(),
	}, cfg.JSONBodyLimit, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(m))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	// === Operational Routes ===
	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	if !cfg.UsesS3() {
		fileServer := http.FileServer(http.Dir(cfg.MediaDir))
		s.router.Handle("/media/*", http.StripPrefix("/media/", fileServer))
	}

	// === API Routes ===
	requireAuth := auth.RequireAuth(tokens, handler.WriteError)

	s.router.Route("/api/v1/users", func(r chi.Router) {
		r.Post("/register", accountHandler.HandleRegister)

		// Credential endpoints are rate limited per client IP.
		r.Group(func(r chi.Router) {
			if cfg.LoginRateLimit > 0 {
				r.Use(httprate.Limit(cfg.LoginRateLimit, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
					httprate.WithLimitHandler(handler.HandleRateLimited),
				))
			}
			r.Post("/login", accountHandler.HandleLogin)
			r.Post("/refresh-token", accountHandler.HandleRefreshToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/logout", accountHandler.HandleLogout)
			r.Post("/change-password", accountHandler.HandleChangePassword)
			r.Get("/current-user", accountHandler.HandleCurrentUser)
			for _, method := range []string{http.MethodPost, http.MethodPatch} {
				r.MethodFunc(method, "/update-account", accountHandler.HandleUpdateAccount)
				r.MethodFunc(method, "/avatar", accountHandler.HandleUpdateAvatar)
				r.MethodFunc(method, "/cover-image", accountHandler.HandleUpdateCover)
			}
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handler.WriteError(w, apperror.NotFoundMessage("Route not found"))
	})

	return nil
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new connections when ctx is cancelled or SIGINT/SIGTERM arrives
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. Close the database connection (flushes WAL, releases file lock)
func (s *Server) Start(ctx context.Context) error {
	defer s.db.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Uploads can take up to the media timeout, so writes get that plus headroom.
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.MediaUploadTimeout + 15*time.Second,
		WriteTimeout:      s.config.MediaUploadTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
			slog.Bool("s3Media", s.config.UsesS3()),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
