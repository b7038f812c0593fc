package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/postgres"
)

const selectColumns = `id, project_id, platform, credentials_encrypted, is_active, test_mode, webhook_token, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed platform config repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new platform config. The webhook token is uniquely
// constrained across the whole system; a collision surfaces as
// ErrTokenCollision so the caller can regenerate and retry.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Config, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO project_platforms (project_id, platform, credentials_encrypted, is_active, test_mode, webhook_token)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+selectColumns,
		params.ProjectID, strings.ToLower(params.Platform), params.CredentialsEncrypted,
		params.IsActive, params.TestMode, params.WebhookToken,
	)
	cfg, err := scanConfig(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrTokenCollision
		}
		return nil, fmt.Errorf("insert platform config: %w", err)
	}
	return cfg, nil
}

// GetByID returns one config scoped to its owning project. A config
// belonging to a different project is indistinguishable from a missing one.
func (r *PGRepository) GetByID(ctx context.Context, projectID, id uuid.UUID) (*Config, error) {
	cfg, err := scanConfig(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM project_platforms WHERE id = $1 AND project_id = $2`, id, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config by id: %w", err)
	}
	return cfg, nil
}

// GetAnyByID returns one config regardless of owning project.
func (r *PGRepository) GetAnyByID(ctx context.Context, id uuid.UUID) (*Config, error) {
	cfg, err := scanConfig(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM project_platforms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config by id: %w", err)
	}
	return cfg, nil
}

// GetByWebhookToken returns the config owning the unique inbound routing
// token.
func (r *PGRepository) GetByWebhookToken(ctx context.Context, token string) (*Config, error) {
	cfg, err := scanConfig(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM project_platforms WHERE webhook_token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config by token: %w", err)
	}
	return cfg, nil
}

// ListByProject returns all configs for a project, oldest first.
func (r *PGRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]Config, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM project_platforms WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query platform configs: %w", err)
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform config: %w", err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform configs: %w", err)
	}
	return configs, nil
}

// Update applies a partial update and returns the fresh row. Nil params
// fields are left unchanged.
func (r *PGRepository) Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Config, error) {
	cfg, err := scanConfig(r.db.QueryRow(ctx,
		`UPDATE project_platforms SET
		   credentials_encrypted = COALESCE($1, credentials_encrypted),
		   is_active = COALESCE($2, is_active),
		   test_mode = COALESCE($3, test_mode),
		   updated_at = NOW()
		 WHERE id = $4 AND project_id = $5
		 RETURNING `+selectColumns,
		params.CredentialsEncrypted, params.IsActive, params.TestMode, id, projectID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update platform config: %w", err)
	}
	return cfg, nil
}

// Delete removes a config row.
func (r *PGRepository) Delete(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM project_platforms WHERE id = $1 AND project_id = $2", id, projectID)
	if err != nil {
		return fmt.Errorf("delete platform config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConfig(row pgx.Row) (*Config, error) {
	var cfg Config
	err := row.Scan(
		&cfg.ID, &cfg.ProjectID, &cfg.Platform, &cfg.CredentialsEncrypted,
		&cfg.IsActive, &cfg.TestMode, &cfg.WebhookToken, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
