package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/JetSquirrel/cloudbridge/internal/cloudsvc"
	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// Job names registered by the container.
const (
	StaleScanJob = "stale-scan"
	WarmCacheJob = "warm-cache"
)

// Refresher is the part of cloudsvc.Service the refresh jobs drive.
type Refresher interface {
	NotifyStale() []model.CostQuery
	Refresh(ctx context.Context, q model.CostQuery) error
	Rollup(ctx context.Context, force bool) (*cloudsvc.Rollup, error)
}

// FailureFunc is told about each background refresh that failed.
type FailureFunc func(q model.CostQuery, err error)

// StaleScan reports entries past their TTL to the refresh hook. With
// autoRefresh it also refetches them, one at a time. onFailure may be nil.
func StaleScan(svc Refresher, autoRefresh bool, onFailure FailureFunc, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		stale := svc.NotifyStale()
		if len(stale) == 0 {
			return nil
		}
		logger.Info("stale cache entries", "count", len(stale), "auto_refresh", autoRefresh)
		if !autoRefresh {
			return nil
		}

		failed := 0
		for _, q := range stale {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := svc.Refresh(ctx, q); err != nil {
				failed++
				logger.Warn("refresh failed", "query", q.String(), "kind", model.KindOf(err), "error", err)
				if onFailure != nil {
					onFailure(q, err)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("jobs: %d of %d refreshes failed", failed, len(stale))
		}
		return nil
	}
}

// WarmCache loads the summary of every enabled account that has none cached.
func WarmCache(svc Refresher, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		r, err := svc.Rollup(ctx, false)
		if err != nil {
			return err
		}
		logger.Info("cache warmed", "accounts", len(r.Accounts), "failed", r.Failed)
		return nil
	}
}
