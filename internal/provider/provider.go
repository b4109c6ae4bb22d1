// Package provider defines the cloud provider capability contract and the
// shared plumbing provider clients are built on.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// Provider is the capability set every provider client implements.
// Credentials are passed per call and must not be retained.
type Provider interface {
	// Type returns the provider tag this client serves.
	Type() model.CloudProvider

	// ValidateCredentials runs a cheap read call. A rejected key pair is
	// (false, nil); transport and throttling failures are returned as errors.
	ValidateCredentials(ctx context.Context, acct *model.CloudAccount, creds model.Credentials) (bool, error)

	// GetCostSummary returns the current month to date against the previous month.
	GetCostSummary(ctx context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostSummary, error)

	// GetCostTrend returns one entry per day of the query window.
	GetCostTrend(ctx context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostTrend, error)

	// Close releases idle connections.
	Close() error
}

// Registry dispatches by provider tag.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.CloudProvider]Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[model.CloudProvider]Provider),
	}
}

// Register adds a provider under its own tag, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

// Get returns the provider for tag or an UnsupportedProvider error.
func (r *Registry) Get(tag model.CloudProvider) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[tag]
	if !ok {
		e := model.Errorf(model.KindUnsupportedProvider, "registry", "no client for provider %q", tag)
		e.Provider = tag
		return nil, e
	}
	return p, nil
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []model.CloudProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]model.CloudProvider, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Close closes all providers.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		p.Close()
	}
	return nil
}
