package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// PostgresAccountRepository implements AccountRepository for PostgreSQL.
type PostgresAccountRepository struct {
	db *sql.DB
}

// NewPostgresAccountRepository creates a new PostgresAccountRepository.
func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func (r *PostgresAccountRepository) Upsert(ctx context.Context, a *model.CloudAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cloud_accounts (id, name, provider, region, credential_ref, enabled, created_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, region = EXCLUDED.region, credential_ref = EXCLUDED.credential_ref,
			enabled = EXCLUDED.enabled, last_synced_at = EXCLUDED.last_synced_at
	`, a.ID, a.Name, string(a.Provider), a.Region, a.CredentialRef, a.Enabled, a.CreatedAt, a.LastSyncedAt)
	return err
}

func (r *PostgresAccountRepository) Get(ctx context.Context, id string) (*model.CloudAccount, error) {
	var a model.CloudAccount
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, provider, region, credential_ref, enabled, created_at, last_synced_at
		FROM cloud_accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Provider, &a.Region, &a.CredentialRef, &a.Enabled, &a.CreatedAt, &a.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accountNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresAccountRepository) List(ctx context.Context, filter model.AccountFilter) ([]*model.CloudAccount, error) {
	var w where
	w.eq("id", filter.ID)
	w.eq("provider", string(filter.Provider))
	w.is("enabled", filter.EnabledOnly)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, provider, region, credential_ref, enabled, created_at, last_synced_at
		FROM cloud_accounts`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.CloudAccount
	for rows.Next() {
		var a model.CloudAccount
		if err := rows.Scan(&a.ID, &a.Name, &a.Provider, &a.Region, &a.CredentialRef, &a.Enabled, &a.CreatedAt, &a.LastSyncedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

func (r *PostgresAccountRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM cloud_accounts WHERE id = $1", id)
	return err
}

func (r *PostgresAccountRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE cloud_accounts SET last_synced_at = $2 WHERE id = $1", id, at)
	return err
}
