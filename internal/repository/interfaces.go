// Package repository defines data access interfaces.
package repository

import (
	"context"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// AccountRepository defines cloud account data access methods.
type AccountRepository interface {
	Upsert(ctx context.Context, acct *model.CloudAccount) error
	// Get returns an AccountNotFound error when id is unknown.
	Get(ctx context.Context, id string) (*model.CloudAccount, error)
	List(ctx context.Context, filter model.AccountFilter) ([]*model.CloudAccount, error)
	Delete(ctx context.Context, id string) error
	// MarkSynced sets LastSyncedAt on an existing account and is a no-op for unknown ids.
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// CacheEntryRepository persists cost cache entries so the cache survives restarts.
// Entries are keyed by their query; an upsert replaces the whole entry.
type CacheEntryRepository interface {
	Upsert(ctx context.Context, entry *model.CacheEntry) error
	Query(ctx context.Context, filter model.CacheFilter) ([]*model.CacheEntry, error)
	Delete(ctx context.Context, filter model.CacheFilter) (int64, error)
}

// CredentialRepository stores sealed credential blobs by reference.
type CredentialRepository interface {
	Put(ctx context.Context, ref string, sealed []byte) error
	// Get returns a CredentialNotFound error when ref is unknown.
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

func accountNotFound(id string) error {
	return model.Errorf(model.KindAccountNotFound, "account repository", "account %q not found", id)
}

func credentialNotFound(ref string) error {
	return model.Errorf(model.KindCredentialNotFound, "credential repository", "credential %q not found", ref)
}
