package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tesoro.app/internal/auth"
	"tesoro.app/internal/ledger"
	"tesoro.app/internal/obs"
	"tesoro.app/internal/stream"
)

const serviceName = "tesoro-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP layer.
type Options struct {
	Service   *ledger.Service
	Tokens    *auth.Tokens
	Stream    *stream.Stream
	Readiness readinessChecker
	Build     obs.Build

	// DevTokens enables POST /v1/auth/token. Never turn it on in production.
	DevTokens bool
	TokenTTL  time.Duration

	RateBurst      int
	RatePerSec     int
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// API is the HTTP surface of the ledger.
type API struct {
	router    chi.Router
	svc       *ledger.Service
	tokens    *auth.Tokens
	stream    *stream.Stream
	readiness readinessChecker
	build     obs.Build

	devTokens bool
	tokenTTL  time.Duration

	rateBurst  int
	ratePerSec int
	maxBody    int64
	origins    []string
}

func New(opts Options) *API {
	a := &API{
		svc:        opts.Service,
		tokens:     opts.Tokens,
		stream:     opts.Stream,
		readiness:  opts.Readiness,
		build:      opts.Build,
		devTokens:  opts.DevTokens,
		tokenTTL:   opts.TokenTTL,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
		maxBody:    opts.MaxBodyBytes,
		origins:    opts.AllowedOrigins,
	}
	if a.readiness == nil {
		a.readiness = ReadyProbe{}
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = 15 * time.Minute
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	if a.devTokens {
		r.Post("/v1/auth/token", a.handleAuthToken)
	}

	r.Route("/v1/workspaces", func(r chi.Router) {
		r.Post("/", a.createWorkspace)

		r.Route("/{ws}", func(r chi.Router) {
			r.Use(a.workspaceCtx)

			r.Get("/", a.getWorkspace)
			r.Delete("/", a.deleteWorkspace)
			r.Post("/members", a.addMember)
			r.Get("/events", a.Stream)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", a.listAccounts)
				r.Post("/", a.createAccount)
				r.Get("/{id}", a.getAccount)
				r.Patch("/{id}", a.updateAccount)
				r.Delete("/{id}", a.deleteAccount)
				r.Get("/{id}/balance", a.getBalance)
			})
			r.Route("/cards", func(r chi.Router) {
				r.Get("/", a.listCards)
				r.Post("/", a.createCard)
				r.Delete("/{id}", a.deleteCard)
			})
			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", a.listContacts)
				r.Post("/", a.createContact)
				r.Patch("/{id}", a.updateContact)
				r.Delete("/{id}", a.deleteContact)
			})
			r.Route("/categories", func(r chi.Router) {
				r.Get("/", a.listCategories)
				r.Post("/", a.createCategory)
				r.Patch("/{id}", a.renameCategory)
				r.Delete("/{id}", a.deleteCategory)
			})

			r.Post("/transfers", a.transfer)
			r.Post("/transfers/{group}/reconcile", a.reconcileTransfer)

			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", a.listTransactions)
				r.Post("/", a.record)
				r.Get("/{id}", a.getTransaction)
				r.Delete("/{id}", a.removeTransaction)
				r.Post("/{id}/settle", a.settleInstallment)
			})
			r.Route("/credit-purchases", func(r chi.Router) {
				r.Get("/", a.listCreditPurchases)
				r.Post("/", a.createCreditPurchase)
				r.Get("/{id}", a.getCreditPurchase)
				r.Delete("/{id}", a.deleteCreditPurchase)
			})
		})
	})
	return r
}

// Handler wraps the router with the shared middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.build.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.build.Version,
		"commit":  a.build.Commit,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
