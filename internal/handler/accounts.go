package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JetSquirrel/cloudbridge/internal/apierrors"
	"github.com/JetSquirrel/cloudbridge/internal/cloudsvc"
	"github.com/JetSquirrel/cloudbridge/internal/correlation"
	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// CostService is the part of cloudsvc.Service the API exposes.
type CostService interface {
	AddAccount(ctx context.Context, req cloudsvc.AddAccountRequest) (*model.CloudAccount, error)
	RemoveAccount(ctx context.Context, id string) error
	GetAccount(ctx context.Context, id string) (*model.CloudAccount, error)
	ListAccounts(ctx context.Context, filter model.AccountFilter) ([]*model.CloudAccount, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*model.CloudAccount, error)
	Validate(ctx context.Context, id string) (bool, error)
	ValidateCredentials(ctx context.Context, provider model.CloudProvider, region string, creds model.Credentials) (bool, error)
	GetCostSummary(ctx context.Context, id string, force bool) (*cloudsvc.CostResult, error)
	GetCostTrend(ctx context.Context, id string, force bool) (*cloudsvc.CostResult, error)
	CachedSummary(id string) (*cloudsvc.CostResult, bool)
	CachedTrend(id string) (*cloudsvc.CostResult, bool)
	ClearAccountCache(ctx context.Context, id string) (int, error)
	ClearAllCache(ctx context.Context) (int, error)
	Rollup(ctx context.Context, force bool) (*cloudsvc.Rollup, error)
}

// CostHandler serves accounts, cost reads and cache control.
type CostHandler struct {
	svc    CostService
	logger *slog.Logger
}

// NewCostHandler creates a new CostHandler.
func NewCostHandler(svc CostService, logger *slog.Logger) *CostHandler {
	return &CostHandler{svc: svc, logger: logger.With("component", "handler")}
}

// Routes registers the API routes on r.
func (h *CostHandler) Routes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.ListAccounts)
		r.Post("/", h.AddAccount)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Patch("/", h.UpdateAccount)
			r.Delete("/", h.RemoveAccount)
			r.Post("/validate", h.Validate)
			r.Get("/summary", h.GetSummary)
			r.Get("/trend", h.GetTrend)
			r.Delete("/cache", h.ClearAccountCache)
		})
	})
	r.Post("/credentials/validate", h.ValidateCredentials)
	r.Delete("/cache", h.ClearAllCache)
	r.Get("/rollup", h.Rollup)
}

func (h *CostHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apierrors.WriteError(w, r, correlation.Logger(r.Context(), h.logger), err)
}

// ListAccounts handles GET /accounts?provider=aws&enabled=true.
func (h *CostHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	var filter model.AccountFilter
	if p := r.URL.Query().Get("provider"); p != "" {
		tag, err := model.ParseCloudProvider(p)
		if err != nil {
			apierrors.NewBadRequestError(err.Error()).Write(w, r)
			return
		}
		filter.Provider = tag
	}
	enabled, apiErr := queryBool(r, "enabled")
	if apiErr != nil {
		apiErr.Write(w, r)
		return
	}
	filter.EnabledOnly = enabled

	accounts, err := h.svc.ListAccounts(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*model.CloudAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": accounts, "total": len(accounts)})
}

// AddAccount handles POST /accounts. Credentials are validated against the
// provider unless skip_validation is set.
func (h *CostHandler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req cloudsvc.AddAccountRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		apiErr.Write(w, r)
		return
	}
	acct, err := h.svc.AddAccount(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /accounts/{id}.
func (h *CostHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type updateAccountRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateAccount handles PATCH /accounts/{id}. Only the enabled flag can
// change.
func (h *CostHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		apiErr.Write(w, r)
		return
	}
	if req.Enabled == nil {
		apierrors.NewBadRequestError("enabled is required").Write(w, r)
		return
	}
	acct, err := h.svc.SetEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// RemoveAccount handles DELETE /accounts/{id}.
func (h *CostHandler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Validate handles POST /accounts/{id}/validate.
func (h *CostHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

type validateCredentialsRequest struct {
	Provider    string            `json:"provider"`
	Region      string            `json:"region"`
	Credentials model.Credentials `json:"credentials"`
}

// ValidateCredentials handles POST /credentials/validate, the check run
// before an account is added.
func (h *CostHandler) ValidateCredentials(w http.ResponseWriter, r *http.Request) {
	var req validateCredentialsRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		apiErr.Write(w, r)
		return
	}
	tag, err := model.ParseCloudProvider(req.Provider)
	if err != nil {
		apierrors.NewBadRequestError(err.Error()).Write(w, r)
		return
	}
	if req.Credentials.Empty() {
		apierrors.NewBadRequestError("access_key_id and secret_access_key are required").Write(w, r)
		return
	}
	ok, err := h.svc.ValidateCredentials(r.Context(), tag, req.Region, req.Credentials)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}
