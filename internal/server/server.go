// Package server exposes the JobServ REST surface: projects, triggers,
// builds, runs (including the run-update ingress), workers, and health.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/jobserv/internal/aggregate"
	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	"git.home.luguber.info/inful/jobserv/internal/config"
	"git.home.luguber.info/inful/jobserv/internal/dispatch"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/metrics"
	"git.home.luguber.info/inful/jobserv/internal/secrets"
	"git.home.luguber.info/inful/jobserv/internal/server/middleware"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/surge"
	"git.home.luguber.info/inful/jobserv/internal/trigger"
	"git.home.luguber.info/inful/jobserv/internal/urls"
)

// Deps carries everything the handlers need.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Artifacts  *artifacts.LocalStore
	Dispatcher *dispatch.Dispatcher
	Aggregator *aggregate.Aggregator
	Engine     *trigger.Engine
	Vault      *secrets.Vault
	WorkerDir  *surge.WorkerDir
	URLs       urls.Builder
	Recorder   metrics.Recorder
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	Deps
	adapter *jerrors.HTTPErrorAdapter
	httpSrv *http.Server
}

// New wires the routes.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Recorder == nil {
		d.Recorder = metrics.NopRecorder{}
	}
	s := &Server{Deps: d, adapter: jerrors.NewHTTPErrorAdapter(d.Logger)}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /projects/{$}", s.projectList)
	mux.HandleFunc("POST /projects/{$}", s.internal(s.projectCreate))
	mux.HandleFunc("GET /projects/{proj}/{$}", s.projectGet)
	mux.HandleFunc("DELETE /projects/{proj}/{$}", s.internal(s.projectDelete))

	mux.HandleFunc("GET /projects/{proj}/triggers/{$}", s.internal(s.triggerList))
	mux.HandleFunc("POST /projects/{proj}/triggers/{$}", s.internal(s.triggerCreate))

	mux.HandleFunc("GET /projects/{proj}/builds/{$}", s.buildList)
	mux.HandleFunc("POST /projects/{proj}/builds/{$}", s.internal(s.buildCreate))
	mux.HandleFunc("GET /projects/{proj}/builds/latest/{$}", s.buildLatest)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/{$}", s.buildGet)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/project.yml", s.buildDefinition)
	mux.HandleFunc("POST /projects/{proj}/builds/{build}/promote", s.internal(s.buildPromote))

	mux.HandleFunc("GET /projects/{proj}/builds/{build}/runs/{$}", s.runList)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/runs/{run}/{$}", s.runGet)
	mux.HandleFunc("POST /projects/{proj}/builds/{build}/runs/{run}/{$}", s.runUpdate)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/runs/{run}/.rundef.json", s.runDefinition)
	mux.HandleFunc("POST /projects/{proj}/builds/{build}/runs/{run}/cancel", s.internal(s.runCancel))
	mux.HandleFunc("POST /projects/{proj}/builds/{build}/runs/{run}/rerun", s.internal(s.runRerun))
	mux.HandleFunc("POST /projects/{proj}/builds/{build}/runs/{run}/create_signed", s.runCreateSigned)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/runs/{run}/tests/{$}", s.testList)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/runs/{run}/tests/{test}/{$}", s.testGet)
	mux.HandleFunc("GET /projects/{proj}/builds/{build}/runs/{run}/{path...}", s.runArtifact)

	mux.HandleFunc("GET /workers/{$}", s.workerList)
	mux.HandleFunc("GET /workers/{name}/{$}", s.workerPoll)
	mux.HandleFunc("POST /workers/{name}/{$}", s.workerCreate)
	mux.HandleFunc("PATCH /workers/{name}/{$}", s.workerUpdate)
	mux.HandleFunc("DELETE /workers/{name}/{$}", s.internal(s.workerDelete))

	mux.HandleFunc("PUT /upload/{path...}", s.uploadArtifact)

	mux.HandleFunc("GET /health/runs/{$}", s.healthRuns)
	if d.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	chain := middleware.Chain(d.Logger, s.adapter)
	s.httpSrv = &http.Server{
		Addr:              d.Config.Listen,
		Handler:           chain(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the wired handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the context ends or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// fail renders an error through the JSend adapter.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.adapter.WriteErrorResponse(w, err)
}

// internal guards admin/automation endpoints with the shared internal key.
// An empty configured key leaves them open for development deployments.
func (s *Server) internal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.Config.InternalAPIKey
		if key != "" {
			presented := bearerToken(r)
			if presented == "" {
				s.fail(w, jerrors.AuthRequired("no Authorization header provided"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				s.fail(w, jerrors.AuthRequired("incorrect API key"))
				return
			}
		}
		next(w, r)
	}
}

// bearerToken extracts the "Authorization: Token <value>" credential.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Token" {
		return ""
	}
	return parts[1]
}

// pathInt parses an integer path segment.
func pathInt(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, jerrors.NotFound(r.URL.Path)
	}
	return n, nil
}
