package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// MemoryAccountRepository keeps accounts in process memory.
type MemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]model.CloudAccount
}

// NewMemoryAccountRepository creates an empty in-memory account repository.
func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{accounts: make(map[string]model.CloudAccount)}
}

func (r *MemoryAccountRepository) Upsert(ctx context.Context, acct *model.CloudAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acct.ID] = *acct
	return nil
}

func (r *MemoryAccountRepository) Get(ctx context.Context, id string) (*model.CloudAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, accountNotFound(id)
	}
	return &a, nil
}

func (r *MemoryAccountRepository) List(ctx context.Context, filter model.AccountFilter) ([]*model.CloudAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.CloudAccount
	for _, a := range r.accounts {
		a := a
		if filter.Match(&a) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryAccountRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
	return nil
}

func (r *MemoryAccountRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil
	}
	a.LastSyncedAt = &at
	r.accounts[id] = a
	return nil
}

// MemoryCacheRepository keeps cache entries in process memory.
type MemoryCacheRepository struct {
	mu      sync.RWMutex
	entries map[model.CostQuery]*model.CacheEntry
}

// NewMemoryCacheRepository creates an empty in-memory cache repository.
func NewMemoryCacheRepository() *MemoryCacheRepository {
	return &MemoryCacheRepository{entries: make(map[model.CostQuery]*model.CacheEntry)}
}

func (r *MemoryCacheRepository) Upsert(ctx context.Context, entry *model.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Query] = entry
	return nil
}

func (r *MemoryCacheRepository) Query(ctx context.Context, filter model.CacheFilter) ([]*model.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.CacheEntry
	for _, e := range r.entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Query.String() < out[j].Query.String() })
	return out, nil
}

func (r *MemoryCacheRepository) Delete(ctx context.Context, filter model.CacheFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for q, e := range r.entries {
		if filter.Match(e) {
			delete(r.entries, q)
			n++
		}
	}
	return n, nil
}

// MemoryCredentialRepository keeps sealed credential blobs in process memory.
type MemoryCredentialRepository struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryCredentialRepository creates an empty in-memory credential repository.
func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{blobs: make(map[string][]byte)}
}

func (r *MemoryCredentialRepository) Put(ctx context.Context, ref string, sealed []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[ref] = append([]byte(nil), sealed...)
	return nil
}

func (r *MemoryCredentialRepository) Get(ctx context.Context, ref string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[ref]
	if !ok {
		return nil, credentialNotFound(ref)
	}
	return append([]byte(nil), b...), nil
}

func (r *MemoryCredentialRepository) Delete(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blobs, ref)
	return nil
}

var (
	_ AccountRepository    = (*MemoryAccountRepository)(nil)
	_ CacheEntryRepository = (*MemoryCacheRepository)(nil)
	_ CredentialRepository = (*MemoryCredentialRepository)(nil)
)
