// Package webapi provides a small read-only status service for the relay:
// engine counters, broadcast job progress and delivery failures.
package webapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/tg-relay/app/storage"
)

// Server is a web API server
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string         // version to show in /ping and app-info headers
	ListenAddr string         // listen address
	Users      UserStats      // user counters
	Threads    ThreadStats    // thread counters
	Broadcasts BroadcastStore // broadcast jobs and failures
	AuthPasswd string         // basic auth password for user "tg-relay", disabled if empty
	Dbg        bool           // debug mode
}

// UserStats is the part of the user storage the status endpoints read
type UserStats interface {
	Count(ctx context.Context) (int, error)
	Unreachable(ctx context.Context) ([]storage.User, error)
}

// ThreadStats is the part of the thread storage the status endpoints read
type ThreadStats interface {
	CountOpen(ctx context.Context) (int, error)
}

// BroadcastStore is the part of the broadcast storage the status endpoints read
type BroadcastStore interface {
	List(ctx context.Context, limit int) ([]storage.BroadcastJob, error)
	Failures(ctx context.Context, jobID int64) ([]storage.BroadcastFailure, error)
}

// NewServer creates a new web API server
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the status server, blocks until ctx is canceled
func (s *Server) Run(ctx context.Context) error {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.Throttle(100))
	router.Use(rest.AppInfo("tg-relay", "umputun", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
		router.Use(rest.BasicAuthWithPrompt("tg-relay", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	router.HandleFunc("GET /status", s.statusHandler)
	router.HandleFunc("GET /broadcasts", s.broadcastsHandler)
	router.HandleFunc("GET /broadcasts/{id}/failures", s.broadcastFailuresHandler)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run webapi server: %w", err)
	}
	return nil
}

// statusHandler returns engine counters
// GET /status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.Count(r.Context())
	if err != nil {
		rest.SendErrorJSON(w, r, lgr.Default(), http.StatusInternalServerError, err, "failed to count users")
		return
	}
	openThreads, err := s.Threads.CountOpen(r.Context())
	if err != nil {
		rest.SendErrorJSON(w, r, lgr.Default(), http.StatusInternalServerError, err, "failed to count open threads")
		return
	}
	unreachable, err := s.Users.Unreachable(r.Context())
	if err != nil {
		rest.SendErrorJSON(w, r, lgr.Default(), http.StatusInternalServerError, err, "failed to list unreachable users")
		return
	}

	rest.RenderJSON(w, rest.JSON{
		"version":      s.Version,
		"users":        users,
		"open_threads": openThreads,
		"unreachable":  len(unreachable),
	})
}

// broadcastsHandler returns the most recent broadcast jobs, newest first
// GET /broadcasts?limit=N
func (s *Server) broadcastsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			rest.SendErrorJSON(w, r, lgr.Default(), http.StatusBadRequest, fmt.Errorf("bad limit %q", v), "invalid limit")
			return
		}
		limit = parsed
	}

	jobs, err := s.Broadcasts.List(r.Context(), limit)
	if err != nil {
		rest.SendErrorJSON(w, r, lgr.Default(), http.StatusInternalServerError, err, "failed to list broadcasts")
		return
	}
	rest.RenderJSON(w, rest.JSON{"jobs": jobs})
}

// broadcastFailuresHandler returns per-user delivery failures of a job
// GET /broadcasts/{id}/failures
func (s *Server) broadcastFailuresHandler(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		rest.SendErrorJSON(w, r, lgr.Default(), http.StatusBadRequest, err, "invalid job id")
		return
	}
	failures, err := s.Broadcasts.Failures(r.Context(), jobID)
	if err != nil {
		rest.SendErrorJSON(w, r, lgr.Default(), http.StatusInternalServerError, err, "failed to list failures")
		return
	}
	rest.RenderJSON(w, rest.JSON{"job_id": jobID, "failures": failures})
}
