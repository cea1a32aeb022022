// Package web implements the JSON API server for hireboard
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/hireboard/app/store"
)

// Server represents the web server
type Server struct {
	store         Store
	applicants    ApplicantsProvider
	version       string
	authRateLimit float64 // password checks per second per ip, 0 disables
}

// Store defines operations on saved settings
type Store interface {
	Save(ctx context.Context, req store.SaveRequest) (int64, error)
	List(ctx context.Context) ([]store.Summary, error)
	Load(ctx context.Context, id int64, password string) (store.Setting, error)
	Delete(ctx context.Context, id int64, password string) error
}

// ApplicantsProvider returns all applicants of a job
type ApplicantsProvider interface {
	Applicants(ctx context.Context, jobID string) ([]json.RawMessage, error)
}

// Config holds server configuration
type Config struct {
	Store         Store
	Applicants    ApplicantsProvider
	Version       string
	AuthRateLimit float64 // max password-checking requests per second per ip, 0 disables limiting
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("web server initialization failed: Store is required")
	}
	if cfg.Applicants == nil {
		return nil, errors.New("web server initialization failed: ApplicantsProvider is required")
	}
	return &Server{
		store:         cfg.Store,
		applicants:    cfg.Applicants,
		version:       cfg.Version,
		authRateLimit: cfg.AuthRateLimit,
	}, nil
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // applicants of a large job are fetched page by page
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("hireboard", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // settings payloads carry question lists
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /applicants", s.handleApplicants)
		api.HandleFunc("GET /saved-settings", s.handleListSettings)

		// password-checking endpoints are rate limited to slow down guessing
		auth := api.With(s.authLimiter())
		auth.HandleFunc("POST /save-settings", s.handleSaveSettings)
		auth.HandleFunc("POST /load-settings/{id}", s.handleLoadSettings)
		auth.HandleFunc("DELETE /delete-settings/{id}", s.handleDeleteSettings)
	})

	return router
}

// authLimiter returns per-ip rate limiting middleware, pass-through if limit is not set
func (s *Server) authLimiter() func(http.Handler) http.Handler {
	if s.authRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lmt := tollbooth.NewLimiter(s.authRateLimit, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr", IndexFromRight: 0})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"error":"Too many requests"}`)
	return tollbooth.HTTPMiddleware(lmt)
}
