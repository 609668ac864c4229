// Package web serves the session pages, the JSON API, the live websocket
// and the metrics endpoint.
package web

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ajiaco/internal/adapters/exports"
	"ajiaco/internal/core"
	"ajiaco/internal/entitymodel"
	"ajiaco/internal/live"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Options configures a Server.
type Options struct {
	Name           string
	HighlightDelay time.Duration
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server holds the HTTP dependencies.
type Server struct {
	svc       *core.Service
	hub       *live.Hub
	exports   *exports.Worker
	log       *zap.Logger
	name      string
	highlight time.Duration
	gatherer  prometheus.Gatherer
	pages     map[string]*template.Template
}

// NewServer parses the embedded templates and returns a server.
func NewServer(svc *core.Service, hub *live.Hub, worker *exports.Worker, log *zap.Logger, opts Options) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HighlightDelay <= 0 {
		opts.HighlightDelay = live.DefaultHighlightDelay
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Name == "" {
		opts.Name = "ajiaco"
	}
	pages := make(map[string]*template.Template, 2)
	for _, page := range []string{"sessions", "session"} {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+page+".html")
		if err != nil {
			return nil, err
		}
		pages[page] = tmpl
	}
	return &Server{
		svc:       svc,
		hub:       hub,
		exports:   worker,
		log:       log,
		name:      opts.Name,
		highlight: opts.HighlightDelay,
		gatherer:  opts.Gatherer,
		pages:     pages,
	}, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	static, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	r.Get("/", s.handleIndex)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/sessions/{code}", func(r chi.Router) {
		r.Get("/", s.handleSessionPage)
		r.Get("/export.{format}", s.handleSessionExport)
		r.Get("/live", s.handleLive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/openapi.yaml", entitymodel.NewOpenAPIHandler())
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{code}/table", s.handleSessionTable)
		r.Post("/sessions/{code}/fields", s.handleSetFields)
		r.Post("/sessions/{code}/exports", s.handleEnqueueExport)
		r.Get("/sessions/{code}/exports", s.handleListStoredExports)
		r.Post("/sessions/{code}/stages", s.handleEnterStage)
		r.Post("/sessions/{code}/stages/{id}/exit", s.handleExitStage)
		r.Get("/exports/{id}", s.handleGetExport)
		r.Get("/exports/{id}/{format}", s.handleDownloadExport)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
