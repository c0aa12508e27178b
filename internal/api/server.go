package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/aggregate"
	"github.com/lox/covidcanada/internal/narrative"
	"github.com/lox/covidcanada/internal/store"
	"github.com/lox/covidcanada/internal/tracker"
)

type Server struct {
	tracker  *tracker.Tracker
	store    *store.Store
	narrator *narrative.Generator
	port     string
	log      *zap.Logger
	tmpl     *template.Template
	cards    *cardCache
}

// NewServer wires the dashboard. st may be nil, in which case /health omits
// ingest history; a nil narrator uses template summaries only.
func NewServer(tr *tracker.Tracker, st *store.Store, narrator *narrative.Generator, port string, log *zap.Logger) *Server {
	log = log.Named("api")
	if narrator == nil {
		narrator = narrative.NewGenerator("", "", log)
	}
	return &Server{
		tracker:  tr,
		store:    st,
		narrator: narrator,
		port:     port,
		log:      log,
		tmpl:     newTemplates(),
		cards:    newCardCache(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /share.png", s.handleShareImage)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/provinces", s.handleAPIProvinces)
	mux.HandleFunc("GET /api/weeks", s.handleAPIWeeks)
	mux.HandleFunc("GET /api/state", s.handleAPIState)
	mux.HandleFunc("GET /api/current", s.handleAPICurrent)
	mux.HandleFunc("GET /api/series", s.handleAPISeries)
	mux.HandleFunc("GET /api/render", s.handleAPIRender)
	mux.HandleFunc("GET /api/summary", s.handleAPISummary)
	mux.HandleFunc("POST /api/selection", s.handleAPISelection)
	mux.HandleFunc("POST /api/refresh", s.handleAPIRefresh)
	return s.requestLog(mux)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	var idx *aggregate.IndexError
	var length *aggregate.SeriesLengthError
	switch {
	case errors.Is(err, tracker.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, tracker.ErrLoadInProgress):
		return http.StatusConflict
	case errors.As(err, &idx):
		return http.StatusBadRequest
	case errors.As(err, &length):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
