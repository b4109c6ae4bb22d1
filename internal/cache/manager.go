// Package cache keeps normalized cost payloads per query, refetching them
// only when they go stale or a refresh is forced.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/JetSquirrel/cloudbridge/internal/metrics"
	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/repository"
)

// DefaultTTL is how long a fetched payload counts as fresh.
const DefaultTTL = 6 * time.Hour

// DefaultTolerance bounds the rounding drift accepted between totals and their parts.
const DefaultTolerance = 1e-6

// Fetcher loads a payload from the provider.
type Fetcher func(ctx context.Context) (model.Payload, error)

// RefreshHook is told about queries whose entry crossed its TTL.
type RefreshHook func(q model.CostQuery)

// Options configures a Manager.
type Options struct {
	TTL       time.Duration
	Tolerance float64
	// Now is the freshness clock. Nil uses time.Now.
	Now func() time.Time
}

// Manager maps queries to their last good payload. Readers never wait on
// fetches; at most one fetch per query is in flight.
type Manager struct {
	mu       sync.RWMutex
	entries  map[model.CostQuery]*model.CacheEntry
	notified map[model.CostQuery]string
	// epochs let an invalidation discard fetches that started before it.
	epoch    uint64
	epochs   map[string]uint64
	hook     RefreshHook
	inflight singleflight.Group
	// writeMu orders store writes against invalidations so a row deleted
	// by Invalidate is never upserted back.
	writeMu sync.Mutex

	store     repository.CacheEntryRepository
	ttl       time.Duration
	tolerance float64
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. store may be nil for a memory-only cache.
func NewManager(store repository.CacheEntryRepository, opts Options, logger *slog.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		entries:   make(map[model.CostQuery]*model.CacheEntry),
		notified:  make(map[model.CostQuery]string),
		epochs:    make(map[string]uint64),
		store:     store,
		ttl:       opts.TTL,
		tolerance: opts.Tolerance,
		now:       opts.Now,
		logger:    logger.With("component", "cache"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// TTL returns the configured time to live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// OnRefreshNeeded registers the hook NotifyStale calls.
func (m *Manager) OnRefreshNeeded(hook RefreshHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// GetOrFetch returns the cached entry for q when it is fresh and force is
// false. Otherwise it runs fetch, joining a fetch already in flight for q.
// A failed fetch leaves the previous entry in place and returns the error.
func (m *Manager) GetOrFetch(ctx context.Context, q model.CostQuery, force bool, fetch Fetcher) (*model.CacheEntry, error) {
	if !force {
		entry, err := m.lookup(q)
		if err == nil {
			metrics.CacheLookups.WithLabelValues(string(q.Kind), "hit").Inc()
			return entry, nil
		}
		outcome := "miss"
		if entry != nil {
			outcome = "stale"
		}
		metrics.CacheLookups.WithLabelValues(string(q.Kind), outcome).Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(string(q.Kind), "forced").Inc()
	}

	ch := m.inflight.DoChan(q.String(), func() (interface{}, error) {
		// A flight that finished after our lookup may have stored a fresh entry.
		if !force {
			if entry, err := m.lookup(q); err == nil {
				return entry, nil
			}
		}
		return m.fetch(q, fetch)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.CacheSharedFetches.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.CacheEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup returns the entry and model.ErrCacheMiss when it is absent or stale.
func (m *Manager) lookup(q model.CostQuery) (*model.CacheEntry, error) {
	m.mu.RLock()
	entry, ok := m.entries[q]
	m.mu.RUnlock()

	if !ok {
		return nil, model.ErrCacheMiss
	}
	if !entry.Fresh(m.now()) {
		return entry, model.ErrCacheMiss
	}
	return entry, nil
}

// fetch runs on the manager context so a departing caller does not cancel
// the fetch for the others waiting on it.
func (m *Manager) fetch(q model.CostQuery, fetch Fetcher) (*model.CacheEntry, error) {
	epoch := m.epochFor(q.AccountID)

	start := time.Now()
	payload, err := fetch(m.ctx)
	if err == nil {
		if verr := payload.Validate(q, m.tolerance); verr != nil {
			err = model.NewError(model.KindMalformedResponse, "validate payload", verr)
		}
	}
	if err != nil {
		metrics.CacheFetches.WithLabelValues(string(q.Kind), "error").Inc()
		m.logger.Warn("fetch failed, keeping previous entry",
			"query", q.String(), "kind", model.KindOf(err), "error", err)
		return nil, err
	}
	metrics.CacheFetches.WithLabelValues(string(q.Kind), "ok").Inc()

	entry := &model.CacheEntry{
		ID:        uuid.NewString(),
		Query:     q,
		Payload:   payload,
		FetchedAt: m.now().UTC(),
		TTL:       m.ttl,
	}

	m.writeMu.Lock()
	stored := m.replace(entry, epoch)
	if stored {
		m.persist(entry)
	}
	m.writeMu.Unlock()
	if !stored {
		m.logger.Debug("cache invalidated during fetch, result not stored", "query", q.String())
		return entry, nil
	}

	m.logger.Debug("cache entry replaced", "query", q.String(), "duration", time.Since(start))
	return entry, nil
}

func (m *Manager) epochFor(accountID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch + m.epochs[accountID]
}

// replace swaps the entry in unless an invalidation happened since epoch was read.
func (m *Manager) replace(entry *model.CacheEntry, epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch+m.epochs[entry.Query.AccountID] != epoch {
		return false
	}
	m.entries[entry.Query] = entry
	metrics.CacheEntries.Set(float64(len(m.entries)))
	return true
}

func (m *Manager) persist(entry *model.CacheEntry) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 10*time.Second)
	defer cancel()
	if err := m.store.Upsert(ctx, entry); err != nil {
		m.logger.Error("failed to persist cache entry", "query", entry.Query.String(), "error", err)
	}
}

// Peek returns the last good entry for q, fresh or not, without fetching.
func (m *Manager) Peek(q model.CostQuery) (entry *model.CacheEntry, fresh bool, ok bool) {
	entry, err := m.lookup(q)
	if entry == nil {
		return nil, false, false
	}
	return entry, err == nil, true
}

// Entries returns the entries matching filter.
func (m *Manager) Entries(filter model.CacheFilter) []*model.CacheEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.CacheEntry
	for _, e := range m.entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Invalidate drops matching entries from memory and the store. Fetches
// already in flight for the affected accounts are not stored.
func (m *Manager) Invalidate(ctx context.Context, filter model.CacheFilter) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	n := 0
	for q, e := range m.entries {
		if filter.Match(e) {
			delete(m.entries, q)
			delete(m.notified, q)
			n++
		}
	}
	if filter.AccountID == "" {
		m.epoch++
	} else {
		m.epochs[filter.AccountID]++
	}
	metrics.CacheEntries.Set(float64(len(m.entries)))
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.Delete(ctx, filter); err != nil {
			return n, err
		}
	}
	m.logger.Info("cache invalidated", "account_id", filter.AccountID, "kind", filter.Kind, "entries", n)
	return n, nil
}

// InvalidateAccount drops every entry of one account.
func (m *Manager) InvalidateAccount(ctx context.Context, accountID string) (int, error) {
	return m.Invalidate(ctx, model.CacheFilter{AccountID: accountID})
}

// Rehydrate loads persisted entries. Entries whose payload no longer validates
// are skipped; the rest keep their fetch time, so stale ones stay stale.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.Query(ctx, model.CacheFilter{})
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, e := range stored {
		if err := e.Payload.Validate(e.Query, m.tolerance); err != nil {
			m.logger.Warn("skipping invalid persisted cache entry", "query", e.Query.String(), "error", err)
			continue
		}
		if cur, ok := m.entries[e.Query]; ok && !cur.FetchedAt.Before(e.FetchedAt) {
			continue
		}
		e.TTL = m.ttl
		m.entries[e.Query] = e
		loaded++
	}
	metrics.CacheEntries.Set(float64(len(m.entries)))
	m.logger.Info("cache rehydrated", "loaded", loaded, "stored", len(stored))
	return loaded, nil
}

// NotifyStale calls the refresh hook once for each entry that has crossed its
// TTL since it was fetched, and returns those queries.
func (m *Manager) NotifyStale(now time.Time) []model.CostQuery {
	m.mu.Lock()
	var stale []model.CostQuery
	for q, e := range m.entries {
		if e.Fresh(now) || m.notified[q] == e.ID {
			continue
		}
		m.notified[q] = e.ID
		stale = append(stale, q)
	}
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		for _, q := range stale {
			hook(q)
		}
	}
	return stale
}

// Close cancels in-flight fetches. Waiting callers receive their error.
func (m *Manager) Close() error {
	m.cancel()
	return nil
}
