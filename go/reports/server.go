// Package reports serves the coordinator's HTTP surface: leaderboard
// and model reads, snapshot and prediction history, merkle inclusion
// proofs, checkpoint settlement actions, backfill administration, the
// parquet lake, and a websocket feed tail.
package reports

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/ingest"
	"github.com/crunchdao/coordinator-node-starter/go/merkle"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// Config tunes the listener and the auth gate.
type Config struct {
	Addr           string   // listen address, e.g. ":8080"
	APIKey         string   // static key; empty together with JWTSecret leaves the API open
	JWTSecret      string   // optional HS256 secret; a Bearer JWT verifying against it also authenticates
	ReadAuth       bool     // when set, GET routes outside PublicPrefixes require auth too
	PublicPrefixes []string // path prefixes that never require auth
	AdminPrefixes  []string // path prefixes that always require auth
}

// Deps are the collaborators the API reads from. Proofs defaults to a
// service over Store; Lake, Backfiller and Events are optional and their
// routes answer 503 when absent.
type Deps struct {
	Store      *store.Store
	Proofs     *merkle.Service
	Lake       *ingest.Lake
	Backfiller *ingest.Backfiller
	Events     *bus.Bus
}

// Server is the reporting API.
type Server struct {
	store      *store.Store
	proofs     *merkle.Service
	lake       *ingest.Lake
	backfiller *ingest.Backfiller
	events     *bus.Bus
	cfg        Config
	router     *mux.Router
}

func NewServer(deps Deps, cfg Config) *Server {
	var s = &Server{
		store:      deps.Store,
		proofs:     deps.Proofs,
		lake:       deps.Lake,
		backfiller: deps.Backfiller,
		events:     deps.Events,
		cfg:        cfg,
	}
	if s.proofs == nil && s.store != nil {
		s.proofs = merkle.NewService(s.store)
	}
	s.router = s.routes()
	return s
}

// Handler exposes the routed surface, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	var router = mux.NewRouter()
	router.Use(instrument)
	router.Use(newAuthenticator(s.cfg).middleware)

	router.Path("/healthz").Methods("GET").HandlerFunc(s.handleHealthz)
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())

	router.Path("/reports/leaderboard").Methods("GET").HandlerFunc(s.handleLeaderboard)
	router.Path("/reports/models").Methods("GET").HandlerFunc(s.handleModels)
	router.Path("/reports/snapshots").Methods("GET").HandlerFunc(s.handleSnapshots)
	router.Path("/reports/predictions").Methods("GET").HandlerFunc(s.handlePredictions)
	router.Path("/reports/feeds").Methods("GET").HandlerFunc(s.handleFeeds)
	router.Path("/reports/feeds/tail").Methods("GET").HandlerFunc(s.handleFeedTail)

	router.Path("/reports/checkpoints").Methods("GET").HandlerFunc(s.handleCheckpoints)
	router.Path("/reports/checkpoints/latest").Methods("GET").HandlerFunc(s.handleCheckpointLatest)
	router.Path("/reports/checkpoints/{id}/payload").Methods("GET").HandlerFunc(s.handleCheckpointPayload)
	router.Path("/reports/checkpoints/{id}/emission").Methods("GET").HandlerFunc(s.handleCheckpointEmission)
	router.Path("/reports/checkpoints/{id}/confirm").Methods("POST").HandlerFunc(s.handleCheckpointConfirm)
	router.Path("/reports/checkpoints/{id}/status").Methods("PATCH").HandlerFunc(s.handleCheckpointStatus)

	router.Path("/reports/merkle/cycles").Methods("GET").HandlerFunc(s.handleCycles)
	router.Path("/reports/merkle/cycles/{id}").Methods("GET").HandlerFunc(s.handleCycle)
	router.Path("/reports/merkle/proof").Methods("GET").HandlerFunc(s.handleProof)

	router.Path("/reports/backfill").Methods("POST").HandlerFunc(s.handleBackfillStart)
	router.Path("/reports/backfill/jobs").Methods("GET").HandlerFunc(s.handleBackfillJobs)
	router.Path("/reports/backfill/jobs/{id}").Methods("GET").HandlerFunc(s.handleBackfillJob)

	router.Path("/data/backfill/index").Methods("GET").HandlerFunc(s.handleLakeIndex)
	router.PathPrefix("/data/backfill/").Methods("GET").HandlerFunc(s.handleLakeFile)

	return router
}

// Run serves until the context ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	var srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	var errCh = make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithField("addr", s.cfg.Addr).Info("reporting api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// instrument counts requests by matched route template and status class.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sw = &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		var route = r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil && tpl != "" {
				route = tpl
			}
		}
		ops.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", sw.code/100)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade still works under the
// instrumentation wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
