package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JetSquirrel/cloudbridge/internal/apierrors"
	"github.com/JetSquirrel/cloudbridge/internal/cloudsvc"
)

type costFetch func(ctx context.Context, id string, force bool) (*cloudsvc.CostResult, error)
type costPeek func(id string) (*cloudsvc.CostResult, bool)

// GetSummary handles GET /accounts/{id}/summary?refresh=true&allow_stale=true.
func (h *CostHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	h.serveCost(w, r, h.svc.GetCostSummary, h.svc.CachedSummary)
}

// GetTrend handles GET /accounts/{id}/trend?refresh=true&allow_stale=true.
func (h *CostHandler) GetTrend(w http.ResponseWriter, r *http.Request) {
	h.serveCost(w, r, h.svc.GetCostTrend, h.svc.CachedTrend)
}

// serveCost answers from the cache or the provider. With allow_stale, a
// failed fetch falls back to the last good payload and carries the error
// message as a warning.
func (h *CostHandler) serveCost(w http.ResponseWriter, r *http.Request, fetch costFetch, peek costPeek) {
	id := chi.URLParam(r, "id")
	force, apiErr := queryBool(r, "refresh")
	if apiErr != nil {
		apiErr.Write(w, r)
		return
	}
	allowStale, apiErr := queryBool(r, "allow_stale")
	if apiErr != nil {
		apiErr.Write(w, r)
		return
	}

	res, err := fetch(r.Context(), id, force)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if allowStale {
		if cached, ok := peek(id); ok {
			stale := *cached
			stale.Stale = true
			stale.Warning = apierrors.FromError(err).Message
			h.logger.Warn("serving stale cost data", "account_id", id, "error", err)
			writeJSON(w, http.StatusOK, &stale)
			return
		}
	}
	h.fail(w, r, err)
}

// ClearAccountCache handles DELETE /accounts/{id}/cache.
func (h *CostHandler) ClearAccountCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearAccountCache(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// ClearAllCache handles DELETE /cache.
func (h *CostHandler) ClearAllCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearAllCache(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// Rollup handles GET /rollup?refresh=true.
func (h *CostHandler) Rollup(w http.ResponseWriter, r *http.Request) {
	force, apiErr := queryBool(r, "refresh")
	if apiErr != nil {
		apiErr.Write(w, r)
		return
	}
	rollup, err := h.svc.Rollup(r.Context(), force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}
