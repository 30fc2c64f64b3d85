package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dealroom.org/internal/access"
	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/disclosure"
	"dealroom.org/internal/obs"
	"dealroom.org/internal/storage"
	"dealroom.org/internal/stream"
)

const serviceName = "dealroom-api"

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck: проверка готовности зависимостей (БД, хранилище).
type ReadyCheck struct {
	Deps []Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	var errs []error
	for _, p := range rp.Deps {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Access   *access.Service
	Broker   *disclosure.Broker
	Sessions *auth.SessionVerifier
	Events   *stream.Stream[audit.Event]

	// Blobs and BlobSigner serve /blobs/*; both nil when downloads are presigned by the object store.
	Blobs      storage.BlobStore
	BlobSigner *storage.HMACSigner
	Ready      ReadyCheck
	Version    string
}

// Options tune the middleware chain.
type Options struct {
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSecond  int
	AllowedOrigins []string
	TrustedProxies []netip.Prefix
}

// API: HTTP слой.
type API struct {
	Deps
	opts   Options
	router chi.Router
}

func New(d Deps, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	a := &API{Deps: d, opts: opts}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Get("/blobs/*", a.serveBlob)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Use(requireTenant)

		r.Post("/access-requests", a.createAccessRequest)
		r.Post("/access-requests/{id}/magic-link", a.resendMagicLink)
		r.Post("/access-requests/{id}/decline", a.declineAccessRequest)
		r.Post("/access-requests/{id}/revoke", a.revokeAccessRequest)
		r.Post("/nda/sign", a.signNDA)

		r.Get("/listings/{id}", a.getListing)
		r.Get("/listings/{id}/files", a.listFiles)
		r.Get("/listings/{id}/files/{assetID}", a.getFile)
		r.Get("/listings/{id}/access-requests", a.listAccessRequests)
		r.Post("/listings/{id}/share-token", a.rotateShareToken)

		r.Post("/registrations", a.register)
		r.Delete("/registrations", a.deregister)
		r.Get("/roles", a.listRoles)
		r.Put("/roles/{userID}", a.grantRole)
		r.Delete("/roles/{userID}/{role}", a.revokeRole)

		r.Get("/audit", a.listAudit)
		r.Get("/audit/stream", a.Stream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the router wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	h = RealIP(h, a.opts.TrustedProxies)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = AccessLog(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	return otelhttp.NewHandler(h, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + obs.CanonicalPath(r.URL.Path)
		}),
	)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
