// Package cloudsvc is the entry point for everything a presentation layer
// needs: account management, cached cost reads and the cross-account rollup.
package cloudsvc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/cache"
	"github.com/JetSquirrel/cloudbridge/internal/credstore"
	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/provider"
	"github.com/JetSquirrel/cloudbridge/internal/repository"
)

// CredentialStore hands out decrypted credentials for a single call.
type CredentialStore interface {
	Put(ctx context.Context, ref string, creds model.Credentials) error
	Get(ctx context.Context, ref string) (model.Credentials, error)
	Delete(ctx context.Context, ref string) error
}

// Options configures a Service.
type Options struct {
	// RollupConcurrency bounds the accounts summarized at once. Zero means 8.
	RollupConcurrency int
	// Now is the calendar clock queries are built from. Nil uses time.Now.
	Now func() time.Time
}

// Service ties accounts, credentials, providers and the cache together.
type Service struct {
	accounts repository.AccountRepository
	creds    CredentialStore
	registry *provider.Registry
	cache    *cache.Manager

	rollupConcurrency int
	now               func() time.Time
	logger            *slog.Logger
}

// New creates a Service.
func New(accounts repository.AccountRepository, creds CredentialStore, registry *provider.Registry, cm *cache.Manager, opts Options, logger *slog.Logger) *Service {
	if opts.RollupConcurrency <= 0 {
		opts.RollupConcurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		accounts:          accounts,
		creds:             creds,
		registry:          registry,
		cache:             cm,
		rollupConcurrency: opts.RollupConcurrency,
		now:               opts.Now,
		logger:            logger.With("component", "cloudsvc"),
	}
}

// Start loads persisted cache entries.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cache.Rehydrate(ctx); err != nil {
		return fmt.Errorf("cloudsvc: rehydrate cache: %w", err)
	}
	return nil
}

// AddAccountRequest describes a new account.
type AddAccountRequest struct {
	Name        string            `json:"name"`
	Provider    string            `json:"provider"`
	Region      string            `json:"region"`
	Credentials model.Credentials `json:"credentials"`
	// SkipValidation stores the account without a provider round trip.
	SkipValidation bool `json:"skip_validation"`
}

// AddAccount validates the credentials against the provider, seals them and
// stores the account. Rejected credentials give an Auth error.
func (s *Service) AddAccount(ctx context.Context, req AddAccountRequest) (*model.CloudAccount, error) {
	const op = "add account"

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, model.Errorf(model.KindInvalidInput, op, "name is required")
	}
	tag, err := model.ParseCloudProvider(req.Provider)
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, op, err)
	}
	if req.Credentials.Empty() {
		return nil, model.Errorf(model.KindInvalidInput, op, "access key id and secret are required")
	}
	p, err := s.registry.Get(tag)
	if err != nil {
		return nil, err
	}

	acct := model.NewCloudAccount(name, tag, strings.TrimSpace(req.Region))
	acct.CreatedAt = s.now().UTC()

	if !req.SkipValidation {
		ok, err := p.ValidateCredentials(ctx, acct, req.Credentials)
		if err != nil {
			return nil, fmt.Errorf("cloudsvc: validate credentials: %w", err)
		}
		if !ok {
			e := model.Errorf(model.KindAuth, op, "credentials rejected by %s", tag.DisplayName())
			e.Provider = tag
			return nil, e
		}
	}

	acct.CredentialRef = credstore.NewRef()
	if err := s.creds.Put(ctx, acct.CredentialRef, req.Credentials); err != nil {
		return nil, fmt.Errorf("cloudsvc: %w", err)
	}
	if err := s.accounts.Upsert(ctx, acct); err != nil {
		if derr := s.creds.Delete(ctx, acct.CredentialRef); derr != nil {
			s.logger.Error("failed to remove orphaned credentials", "ref", acct.CredentialRef, "error", derr)
		}
		return nil, fmt.Errorf("cloudsvc: save account: %w", err)
	}

	s.logger.Info("account added",
		"account_id", acct.ID, "provider", acct.Provider, "access_key", model.MaskKey(req.Credentials.AccessKeyID))
	return acct, nil
}

// RemoveAccount deletes the account, its credentials and its cached payloads.
func (s *Service) RemoveAccount(ctx context.Context, id string) error {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.cache.InvalidateAccount(ctx, id); err != nil {
		return fmt.Errorf("cloudsvc: clear cache: %w", err)
	}
	if acct.CredentialRef != "" {
		if err := s.creds.Delete(ctx, acct.CredentialRef); err != nil {
			return fmt.Errorf("cloudsvc: %w", err)
		}
	}
	if err := s.accounts.Delete(ctx, id); err != nil {
		return fmt.Errorf("cloudsvc: delete account: %w", err)
	}
	s.logger.Info("account removed", "account_id", id, "provider", acct.Provider)
	return nil
}

// GetAccount returns one account or an AccountNotFound error.
func (s *Service) GetAccount(ctx context.Context, id string) (*model.CloudAccount, error) {
	return s.accounts.Get(ctx, id)
}

// SetEnabled turns an account on or off. Disabled accounts keep their
// credentials and cache but are left out of rollups and cache warming.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*model.CloudAccount, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Enabled == enabled {
		return acct, nil
	}
	acct.Enabled = enabled
	if err := s.accounts.Upsert(ctx, acct); err != nil {
		return nil, fmt.Errorf("cloudsvc: save account: %w", err)
	}
	s.logger.Info("account updated", "account_id", id, "enabled", enabled)
	return acct, nil
}

// ListAccounts returns the accounts matching filter, oldest first.
func (s *Service) ListAccounts(ctx context.Context, filter model.AccountFilter) ([]*model.CloudAccount, error) {
	accounts, err := s.accounts.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("cloudsvc: list accounts: %w", err)
	}
	return accounts, nil
}

// Validate checks the stored credentials of an account against its provider.
func (s *Service) Validate(ctx context.Context, id string) (bool, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return false, err
	}
	p, err := s.registry.Get(acct.Provider)
	if err != nil {
		return false, err
	}
	creds, err := s.creds.Get(ctx, acct.CredentialRef)
	if err != nil {
		return false, err
	}
	return p.ValidateCredentials(ctx, acct, creds)
}

// ValidateCredentials checks a key pair before an account exists for it.
func (s *Service) ValidateCredentials(ctx context.Context, tag model.CloudProvider, region string, creds model.Credentials) (bool, error) {
	p, err := s.registry.Get(tag)
	if err != nil {
		return false, err
	}
	acct := &model.CloudAccount{Name: "validation", Provider: tag, Region: region}
	return p.ValidateCredentials(ctx, acct, creds)
}

// CostResult is a payload with its provenance.
type CostResult struct {
	Summary   *model.CostSummary `json:"summary,omitempty"`
	Trend     *model.CostTrend   `json:"trend,omitempty"`
	FetchedAt time.Time          `json:"fetched_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	// Stale marks a last known good payload served after its TTL.
	Stale   bool   `json:"stale"`
	Warning string `json:"warning,omitempty"`
}

func resultFrom(e *model.CacheEntry, fresh bool) *CostResult {
	return &CostResult{
		Summary:   e.Payload.Summary,
		Trend:     e.Payload.Trend,
		FetchedAt: e.FetchedAt,
		ExpiresAt: e.ExpiresAt(),
		Stale:     !fresh,
	}
}

// GetCostSummary returns the month to date summary, from the cache when it
// is fresh and force is false.
func (s *Service) GetCostSummary(ctx context.Context, id string, force bool) (*CostResult, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q := model.SummaryQuery(acct.ID, s.now())
	entry, err := s.cache.GetOrFetch(ctx, q, force, s.fetcher(acct, q))
	if err != nil {
		return nil, err
	}
	return resultFrom(entry, true), nil
}

// GetCostTrend returns the daily trend over the trailing window.
func (s *Service) GetCostTrend(ctx context.Context, id string, force bool) (*CostResult, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q := model.TrendQuery(acct.ID, s.now(), model.TrendWindowDays)
	entry, err := s.cache.GetOrFetch(ctx, q, force, s.fetcher(acct, q))
	if err != nil {
		return nil, err
	}
	return resultFrom(entry, true), nil
}

// CachedSummary returns the last known good summary without fetching.
func (s *Service) CachedSummary(id string) (*CostResult, bool) {
	return s.cached(model.SummaryQuery(id, s.now()))
}

// CachedTrend returns the last known good trend without fetching.
func (s *Service) CachedTrend(id string) (*CostResult, bool) {
	return s.cached(model.TrendQuery(id, s.now(), model.TrendWindowDays))
}

func (s *Service) cached(q model.CostQuery) (*CostResult, bool) {
	entry, fresh, ok := s.cache.Peek(q)
	if !ok {
		return nil, false
	}
	return resultFrom(entry, fresh), true
}

// Refresh forces a new fetch for the kind of query q names, on today's window.
func (s *Service) Refresh(ctx context.Context, q model.CostQuery) error {
	var err error
	switch q.Kind {
	case model.QuerySummary:
		_, err = s.GetCostSummary(ctx, q.AccountID, true)
	case model.QueryTrend:
		_, err = s.GetCostTrend(ctx, q.AccountID, true)
	default:
		err = model.Errorf(model.KindInvalidInput, "refresh", "unknown query kind %q", q.Kind)
	}
	return err
}

// ClearAccountCache drops the cached payloads of one account.
func (s *Service) ClearAccountCache(ctx context.Context, id string) (int, error) {
	if _, err := s.accounts.Get(ctx, id); err != nil {
		return 0, err
	}
	return s.cache.InvalidateAccount(ctx, id)
}

// ClearAllCache drops every cached payload.
func (s *Service) ClearAllCache(ctx context.Context) (int, error) {
	return s.cache.Invalidate(ctx, model.CacheFilter{})
}

// OnRefreshNeeded registers a hook told about entries that went stale.
func (s *Service) OnRefreshNeeded(hook cache.RefreshHook) {
	s.cache.OnRefreshNeeded(hook)
}

// NotifyStale fires the refresh hook for entries that crossed their TTL.
func (s *Service) NotifyStale() []model.CostQuery {
	return s.cache.NotifyStale(s.now())
}

// fetcher builds the cache fetch for q. Credentials are decrypted inside the
// fetch and dropped when it returns.
func (s *Service) fetcher(acct *model.CloudAccount, q model.CostQuery) cache.Fetcher {
	return func(ctx context.Context) (model.Payload, error) {
		p, err := s.registry.Get(acct.Provider)
		if err != nil {
			return model.Payload{}, err
		}
		creds, err := s.creds.Get(ctx, acct.CredentialRef)
		if err != nil {
			return model.Payload{}, err
		}

		var payload model.Payload
		switch q.Kind {
		case model.QuerySummary:
			payload.Summary, err = p.GetCostSummary(ctx, acct, creds, q)
		case model.QueryTrend:
			payload.Trend, err = p.GetCostTrend(ctx, acct, creds, q)
		default:
			err = model.Errorf(model.KindInvalidInput, "fetch", "unknown query kind %q", q.Kind)
		}
		if err != nil {
			return model.Payload{}, err
		}

		if err := s.accounts.MarkSynced(ctx, acct.ID, s.now().UTC()); err != nil {
			s.logger.Warn("failed to record sync time", "account_id", acct.ID, "error", err)
		}
		return payload, nil
	}
}
