// Package httpapi is the HTTP/JSON adapter over voxcore's core: a chi
// router, request-id and recovery middleware, and a small
// writeJSON/writeError pair over the stores, index, and retrieval engine.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/voxai/voxcore/internal/annindex"
	"github.com/voxai/voxcore/internal/ingest"
	"github.com/voxai/voxcore/internal/logging"
	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/retrieval"
	"github.com/voxai/voxcore/internal/verrors"
	"github.com/voxai/voxcore/internal/vectorstore"
)

// Server wires HTTP handlers to the vector store, metadata store, ANN
// index, and retrieval engine. It implements http.Handler.
type Server struct {
	router http.Handler
	logger *slog.Logger

	vecs   *vectorstore.Store
	meta   *metadata.Store
	index  *annindex.Graph
	engine *retrieval.Engine

	startedAt time.Time
}

// New constructs a Server over the given subsystems.
func New(vecs *vectorstore.Store, meta *metadata.Store, index *annindex.Graph, engine *retrieval.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		vecs:      vecs,
		meta:      meta,
		index:     index,
		engine:    engine,
		logger:    logging.Component(logger, "httpapi"),
		startedAt: time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.slogMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/reset", s.handleReset)
	r.Post("/ingest", s.handleIngest)
	r.Post("/ingest_message", s.handleIngestMessage)
	r.Post("/retrieve", s.handleRetrieve)

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestIDMiddleware stamps each request with a random UUID rather than
// chi's own sequential counter-based ID, so request IDs stay unique and
// unguessable across process restarts and concurrent voxcore instances
// sharing a data directory. It stores the ID under chi's own
// middleware.RequestIDKey so middleware.GetReqID and chi's downstream
// tooling keep working unchanged.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// slogMiddleware logs each request's method, path, status, and duration
// through structured slog fields, per the ambient-stack convention of
// structured keys over printf-style messages.
func (s *Server) slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceDescriptor{
		Service: "voxcore",
		OK:      true,
		TimeUTC: time.Now().UTC().Format(time.RFC3339),
		Endpoints: []string{
			"GET /", "GET /health", "GET /stats",
			"POST /reset", "POST /ingest", "POST /ingest_message", "POST /retrieve",
		},
		APISchema: 1,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:       true,
		TimeUTC:  time.Now().UTC().Format(time.RFC3339),
		VecCount: s.vecs.Count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{VecCount: s.vecs.Count()})
}

// handleReset clears the in-memory HNSW graph and immediately rebuilds it
// by replaying the vector store, so /reset never leaves the engine in a
// state where retrieval silently returns nothing until some other,
// nonexistent rebuild call happens.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.index.Reset()
	if err := ingest.ReplayIndex(r.Context(), s.index, s.vecs); err != nil {
		writeVoxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Status: "reset_ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes a plain-text error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// writeVoxError maps a verrors.VoxError (or any error) to its HTTP status
// code and writes it as a plain-text body.
func writeVoxError(w http.ResponseWriter, err error) {
	writeError(w, verrors.HTTPStatus(err), err.Error())
}
