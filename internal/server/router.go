package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	timeout := s.cfg.HTTP.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(api chi.Router) {
			if s.authMw != nil {
				api.Use(s.authMw.Middleware)
			}

			if s.hub != nil {
				api.Get("/ws", s.hub.ServeWS)
			}

			api.Post("/incidents", s.handleCreateIncident)
			api.Get("/incidents/{incidentID}", s.handleGetIncident)
			api.Get("/incidents/{incidentID}/tracking", s.handleGetTracking)
			api.Get("/incidents/{incidentID}/offers", s.handleListOffers)
			api.Patch("/incidents/{incidentID}/status", s.handleUpdateIncidentStatus)
			api.Post("/incidents/{incidentID}/assignments/{slot}/accept", s.handleAcceptAssignment)
			api.Post("/incidents/{incidentID}/assignments/{slot}/decline", s.handleDeclineAssignment)
			api.Post("/incidents/{incidentID}/cancel", s.handleCancelIncident)
			api.Post("/incidents/{incidentID}/resolve", s.handleResolveIncident)

			api.Patch("/responders/{kind}/{responderID}/location", s.handleUpdateResponderLocation)
			api.Post("/responders/{kind}/{responderID}/release", s.handleReleaseResponder)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Msg("http request")
	})
}
