package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/observability/middleware"
	"e2ee-relay/internal/registry"
	"e2ee-relay/internal/service"
	"e2ee-relay/internal/store"
)

type Deps struct {
	Store           *store.Store
	Registry        *registry.Registry
	Relay           *service.Relay
	Keys            *service.Keys
	Verifier        *auth.Verifier
	CORSOrigins     []string
	RateLimitPerMin int
}

func NewRouter(deps Deps) http.Handler {
	h := &handlers{relay: deps.Relay, keys: deps.Keys}
	ws := &wsHandler{store: deps.Store, registry: deps.Registry}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		if deps.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(deps.RateLimitPerMin, time.Minute))
		}
		r.Use(deps.Verifier.Middleware)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/keys/identity", h.publishIdentity)
			r.Post("/keys/prekeys", h.replenishPrekeys)
			r.Get("/keys/bundle", h.requestBundle)
			r.Route("/channels/{channelID}", func(r chi.Router) {
				r.Post("/envelopes", h.submitEnvelope)
				r.Get("/envelopes", h.listEnvelopes)
				r.Post("/sender-keys", h.publishSenderKeys)
				r.Get("/sender-keys/{distributionID}", h.fetchSenderKey)
			})
		})
	})

	// the websocket endpoint hijacks its connection and lives for the whole
	// session, so it stays outside the timeout group
	r.Group(func(r chi.Router) {
		r.Use(deps.Verifier.Middleware)
		r.Get("/v1/ws", ws.handle)
	})

	return r
}

type handlers struct {
	relay *service.Relay
	keys  *service.Keys
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrMalformedEnvelope),
		errors.Is(err, domain.ErrInvalidKeyMaterial):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownRecipient):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStaleChainIndex):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func requestID(r *http.Request) string {
	return middleware.RequestIDFromContext(r.Context())
}

func traceID(r *http.Request) string {
	return middleware.TraceIDFromContext(r.Context())
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil || id == uuid.Nil {
		return uuid.UUID{}, false
	}
	return id, true
}
