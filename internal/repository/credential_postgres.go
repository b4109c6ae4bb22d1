package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresCredentialRepository implements CredentialRepository for PostgreSQL.
// It only ever sees sealed blobs.
type PostgresCredentialRepository struct {
	db *sql.DB
}

// NewPostgresCredentialRepository creates a new PostgresCredentialRepository.
func NewPostgresCredentialRepository(db *sql.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

func (r *PostgresCredentialRepository) Put(ctx context.Context, ref string, sealed []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (ref, sealed, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (ref) DO UPDATE SET sealed = EXCLUDED.sealed, updated_at = EXCLUDED.updated_at
	`, ref, sealed, time.Now().UTC())
	return err
}

func (r *PostgresCredentialRepository) Get(ctx context.Context, ref string) ([]byte, error) {
	var sealed []byte
	err := r.db.QueryRowContext(ctx, "SELECT sealed FROM credentials WHERE ref = $1", ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credentialNotFound(ref)
	}
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

func (r *PostgresCredentialRepository) Delete(ctx context.Context, ref string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM credentials WHERE ref = $1", ref)
	return err
}

var (
	_ AccountRepository    = (*PostgresAccountRepository)(nil)
	_ CacheEntryRepository = (*PostgresCacheRepository)(nil)
	_ CredentialRepository = (*PostgresCredentialRepository)(nil)
)
