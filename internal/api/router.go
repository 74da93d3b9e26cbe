// Package api is the HTTP surface: specialist directory, call queue,
// telephony lifecycle webhook and the human review queue.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/het0814/SD-voice-ai-service/internal/callflow"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/monitoring"
	"github.com/het0814/SD-voice-ai-service/internal/orchestrator"
	"github.com/het0814/SD-voice-ai-service/internal/review"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// WebhookSecretHeader carries the telephony webhook secret.
const WebhookSecretHeader = "X-Webhook-Secret"

// ActorHeader names the operator behind a write. Defaults to "api".
const ActorHeader = "X-Actor"

// Services are the collaborators the handlers call.
type Services struct {
	Store        store.Store
	Directory    *directory.Service
	Machine      *callflow.Machine
	Orchestrator *orchestrator.Orchestrator
	Review       *review.Service
	Collector    *monitoring.Collector
}

// Options configure the middleware stack.
type Options struct {
	APIToken       string
	WebhookSecret  string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handler serves the API.
type Handler struct {
	svc Services
}

// NewRouter builds the chi router.
func NewRouter(svc Services, opts Options) http.Handler {
	h := &Handler{svc: svc}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))
	if opts.RateLimitRPS > 0 {
		r.Use(newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst).middleware)
	}

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(requireSecret(opts.WebhookSecret)).Post("/telephony/events", h.handleTelephonyEvent)

		api.Group(func(auth chi.Router) {
			auth.Use(requireToken(opts.APIToken))

			auth.Get("/specialists", h.handleListSpecialists)
			auth.Post("/specialists", h.handleCreateSpecialist)
			auth.Get("/specialists/{id}", h.handleGetSpecialist)
			auth.Delete("/specialists/{id}", h.handleDeleteSpecialist)
			auth.Get("/specialists/{id}/calls", h.handleSpecialistCalls)
			auth.Get("/specialists/{id}/updates", h.handleSpecialistUpdates)
			auth.Get("/specialists/{id}/audit", h.handleSpecialistAudit)

			auth.Get("/calls", h.handleListCalls)
			auth.Get("/calls/queue/stats", h.handleQueueStats)
			auth.Post("/calls/initiate/{specialist_id}", h.handleInitiateCall)
			auth.Get("/calls/{id}", h.handleGetCall)
			auth.Post("/calls/{id}/abort", h.handleAbortCall)

			auth.Get("/review-queue", h.handleReviewQueue)
			auth.Get("/review-queue/{id}", h.handleGetUpdate)
			auth.Post("/review-queue/{id}/approve", h.handleApprove)
			auth.Post("/review-queue/{id}/reject", h.handleReject)
		})
	})

	return r
}
