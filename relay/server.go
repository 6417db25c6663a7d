/*
server.go - Mail relay router

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       The library app posts from the browser

SECURITY NOTE:
  No authentication. Bind the relay to a private interface.
*/
package relay

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var emailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "library_relay_emails_total",
	Help: "Emails handled by the relay, by kind and outcome",
}, []string{"kind", "outcome"})

// NewRouter wires the relay endpoints. allowedOrigins defaults to any.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get(PathHealth, h.Health)
	r.Post(PathOverdue, h.SendOverdue)
	r.Post(PathBulkOverdue, h.SendBulkOverdue)
	r.Post(PathBorrow, h.SendBorrowConfirmation)
	r.Post(PathReturn, h.SendReturnConfirmation)
	r.Post(PathRegistration, h.SendRegistrationConfirmation)
	r.Post(PathAnnouncement, h.SendAnnouncement)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
