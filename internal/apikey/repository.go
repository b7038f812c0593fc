package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/postgres"
)

const selectColumns = `id, project_id, key_hash, key_prefix, key_suffix, name, scopes, expires_at, revoked_at, last_used_at, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed API key repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new API key record. keyPrefix is uniquely constrained at
// the database level; a collision surfaces as
// ErrPrefixCollision so the caller can regenerate and retry.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*ApiKey, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO api_keys (project_id, key_hash, key_prefix, key_suffix, name, scopes, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+selectColumns,
		params.ProjectID, params.KeyHash, params.KeyPrefix, params.KeySuffix, params.Name, params.Scopes, params.ExpiresAt,
	)
	k, err := scanKey(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrPrefixCollision
		}
		if postgres.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("insert api key: %w", err)
		}
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return k, nil
}

// GetByPrefix returns the single key row matching the indexed prefix
// column, as used by the guard's resolution step.
func (r *PGRepository) GetByPrefix(ctx context.Context, prefix string) (*ApiKey, error) {
	k, err := scanKey(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM api_keys WHERE key_prefix = $1`, prefix))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query api key by prefix: %w", err)
	}
	return k, nil
}

// GetByID returns a single key by its opaque ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*ApiKey, error) {
	k, err := scanKey(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM api_keys WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query api key by id: %w", err)
	}
	return k, nil
}

// ListByProject returns all keys for a project, newest first.
func (r *PGRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]ApiKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM api_keys WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query api keys by project: %w", err)
	}
	defer rows.Close()

	var keys []ApiKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

// Revoke marks a key as revoked immediately, so the very next request using
// it is rejected.
func (r *PGRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed updates last_used_at. Callers invoke this asynchronously
// and best-effort: a failure here must never block or fail the originating
// request.
func (r *PGRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, "UPDATE api_keys SET last_used_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("touch api key last_used_at: %w", err)
	}
	return nil
}

func scanKey(row pgx.Row) (*ApiKey, error) {
	var k ApiKey
	err := row.Scan(
		&k.ID, &k.ProjectID, &k.KeyHash, &k.KeyPrefix, &k.KeySuffix, &k.Name, &k.Scopes,
		&k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
