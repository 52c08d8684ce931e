package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Server is the Metrics Emitter's read-only HTTP surface (spec §4.7,
// §6: "a set of named snapshot endpoints... snapshot shape is
// versioned; additive changes only").
type Server struct {
	emitter    *Emitter
	collectors *collectorSet
	openapiDoc []byte
	httpServer *http.Server
}

// NewServer validates the embedded OpenAPI document up front (a
// malformed document is a startup-time defect, not a runtime one) and
// builds the chi router.
func NewServer(addr string, emitter *Emitter) (*Server, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "parse embedded openapi document")
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "validate embedded openapi document")
	}
	docJSON, err := doc.MarshalJSON()
	if err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "marshal openapi document")
	}

	s := &Server{
		emitter:    emitter,
		collectors: newCollectorSet(),
		openapiDoc: docJSON,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/openapi.json", s.handleOpenAPI)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// ListenAndServe blocks until the server stops; callers run it in its
// own goroutine and call Shutdown on process shutdown.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.emitter.Compute()
	s.collectors.refresh(snap)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.emitter.Compute()
	s.collectors.refresh(snap)
	promhttp.HandlerFor(s.collectors.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.openapiDoc)
}
