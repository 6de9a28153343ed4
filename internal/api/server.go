package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/config"
	"github.com/studyhall/recap/internal/metrics"
	"github.com/studyhall/recap/internal/session"
	"github.com/studyhall/recap/internal/storage"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the wired dependencies for the HTTP surface.
type ServerOptions struct {
	Config    *config.Config
	Manager   *session.Manager
	Store     RecordingStore
	Audio     storage.AudioStore
	Bus       *session.EventBus
	DB        Pinger
	MQTT      ConnChecker
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(o ServerOptions) *Server {
	r := NewRouter(o)
	return &Server{
		http: &http.Server{
			Addr:         o.Config.HTTPAddr,
			Handler:      r,
			ReadTimeout:  o.Config.ReadTimeout,
			WriteTimeout: o.Config.WriteTimeout,
			IdleTimeout:  o.Config.IdleTimeout,
		},
		log: o.Log,
	}
}

// NewRouter builds the full route tree. Split out so tests can serve it with
// httptest.
func NewRouter(o ServerOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(o.Log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(o.DB, o.MQTT, o.Version, o.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(o.Config.AuthToken))
		r.Mount("/api/v1/sessions", NewSessionsHandler(o.Manager, o.Log).Routes())
		r.Mount("/api/v1/recordings", NewRecordingsHandler(o.Store, o.Audio, o.Manager, o.Log).Routes())
		r.Get("/api/v1/events/stream", NewEventsHandler(o.Bus).StreamEvents)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
