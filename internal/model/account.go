package model

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CloudAccount is a configured provider account. The ID never changes after creation.
type CloudAccount struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	Provider      CloudProvider `json:"provider" db:"provider"`
	Region        string        `json:"region" db:"region"`
	CredentialRef string        `json:"-" db:"credential_ref"`
	Enabled       bool          `json:"enabled" db:"enabled"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	LastSyncedAt  *time.Time    `json:"last_synced_at,omitempty" db:"last_synced_at"`
}

// NewCloudAccount creates an enabled account with a fresh ID.
func NewCloudAccount(name string, provider CloudProvider, region string) *CloudAccount {
	return &CloudAccount{
		ID:        uuid.NewString(),
		Name:      name,
		Provider:  provider,
		Region:    region,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
}

// AccountFilter narrows account queries. Zero fields match everything.
type AccountFilter struct {
	ID          string
	Provider    CloudProvider
	EnabledOnly bool
}

// Match reports whether a satisfies the filter.
func (f AccountFilter) Match(a *CloudAccount) bool {
	if f.ID != "" && a.ID != f.ID {
		return false
	}
	if f.Provider != "" && a.Provider != f.Provider {
		return false
	}
	if f.EnabledOnly && !a.Enabled {
		return false
	}
	return true
}

// Credentials is decrypted secret material handed to a provider for a single call.
type Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// Empty reports whether either half of the key pair is missing.
func (c Credentials) Empty() bool {
	return c.AccessKeyID == "" || c.SecretAccessKey == ""
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key_id", MaskKey(c.AccessKeyID)),
		slog.String("secret_access_key", "[redacted]"),
	)
}

// MaskKey shows only the last four characters of a key id.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
