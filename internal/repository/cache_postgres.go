package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// PostgresCacheRepository implements CacheEntryRepository for PostgreSQL. Payloads
// are stored as JSONB.
type PostgresCacheRepository struct {
	db *sql.DB
}

// NewPostgresCacheRepository creates a new PostgresCacheRepository.
func NewPostgresCacheRepository(db *sql.DB) *PostgresCacheRepository {
	return &PostgresCacheRepository{db: db}
}

func (r *PostgresCacheRepository) Upsert(ctx context.Context, e *model.CacheEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("repository: failed to encode cache payload: %w", err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	q := e.Query
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cost_cache (id, account_id, kind, start_date, end_date, granularity, payload, fetched_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, kind, start_date, end_date, granularity) DO UPDATE SET
			payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at, ttl_seconds = EXCLUDED.ttl_seconds
	`, e.ID, q.AccountID, string(q.Kind), q.Start, q.End, string(q.Granularity), payload, e.FetchedAt, int64(e.TTL/time.Second))
	return err
}

func (r *PostgresCacheRepository) Query(ctx context.Context, filter model.CacheFilter) ([]*model.CacheEntry, error) {
	w := cacheWhere(filter)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, kind, start_date, end_date, granularity, payload, fetched_at, ttl_seconds
		FROM cost_cache`+w.String()+` ORDER BY account_id, kind, start_date`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.CacheEntry
	for rows.Next() {
		var (
			e       model.CacheEntry
			payload []byte
			ttl     int64
		)
		if err := rows.Scan(&e.ID, &e.Query.AccountID, &e.Query.Kind, &e.Query.Start, &e.Query.End,
			&e.Query.Granularity, &payload, &e.FetchedAt, &ttl); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("repository: failed to decode cache payload %s: %w", e.ID, err)
		}
		e.TTL = time.Duration(ttl) * time.Second
		e.FetchedAt = e.FetchedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *PostgresCacheRepository) Delete(ctx context.Context, filter model.CacheFilter) (int64, error) {
	w := cacheWhere(filter)
	res, err := r.db.ExecContext(ctx, "DELETE FROM cost_cache"+w.String(), w.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func cacheWhere(filter model.CacheFilter) *where {
	w := &where{}
	w.eq("account_id", filter.AccountID)
	w.eq("kind", string(filter.Kind))
	return w
}
