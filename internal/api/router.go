package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/scheduled-ledger/internal/clock"
	"github.com/example/scheduled-ledger/internal/ledger"
	"github.com/example/scheduled-ledger/internal/security"
)

// Auditor is the audit chain the router appends state-changing requests to.
type Auditor = ledger.Auditor

// Ledger is the scheduled-transfer core the handlers translate to.
type Ledger interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (string, error)
	GetTransaction(id string) (ledger.Transaction, bool)
	GetAccount(id string) (ledger.Account, bool)
	ListAccounts() []ledger.Account
	GetHistory() map[clock.Key]map[string]ledger.Transaction
}

// Dependencies are the collaborators the router is built from. Logger, Auditor and
// RateLimiter are optional; a zero MaxBodyBytes means security.DefaultMaxBodyBytes.
type Dependencies struct {
	Logger       *slog.Logger
	Ledger       Ledger
	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64
}

// NewRouter builds the HTTP API over deps.Ledger. It fails only if the request schema
// does not compile.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	submitV, err := security.NewJSONSchemaValidator(submitTransactionSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/transactions", func(r chi.Router) {
			submit := r.With(
				security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP),
				submitV.Middleware,
			)
			submit.Post("/", handleSubmitTransaction(deps))
			r.Get("/{id}", handleGetTransaction(deps))
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", handleListAccounts(deps))
			r.Get("/{id}", handleGetAccount(deps))
		})

		r.Get("/history", handleHistory(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	return "ip:" + security.ClientIP(r)
}
