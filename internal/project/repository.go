package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/postgres"
)

const selectColumns = `id, slug, name, environment, owner_id, is_default, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed project repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new project. If params.IsDefault is true, any other
// default project owned by the same owner is unset first, inside a single
// transaction, so the "at most one default per owner" invariant always
// holds even under concurrent creates.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Project, error) {
	var proj *Project
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.IsDefault {
			if _, err := tx.Exec(ctx,
				"UPDATE projects SET is_default = false WHERE owner_id = $1 AND is_default = true",
				params.OwnerID,
			); err != nil {
				return fmt.Errorf("unset previous default project: %w", err)
			}
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO projects (slug, name, environment, owner_id, is_default)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+selectColumns,
			params.Slug, params.Name, params.Environment, params.OwnerID, params.IsDefault,
		)
		p, err := scanProject(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrSlugTaken
			}
			return fmt.Errorf("insert project: %w", err)
		}
		proj = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proj, nil
}

// GetBySlug returns the project matching the given slug.
func (r *PGRepository) GetBySlug(ctx context.Context, slug string) (*Project, error) {
	proj, err := scanProject(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM projects WHERE slug = $1`, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project by slug: %w", err)
	}
	return proj, nil
}

// GetByID returns the project matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	proj, err := scanProject(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project by id: %w", err)
	}
	return proj, nil
}

// ListByOwner returns all projects owned by ownerID, newest first.
func (r *PGRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Project, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query projects by owner: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// Delete removes a project by slug. Refused (ErrHasActiveKeys) while any
// non-revoked, non-expired API key still references it.
func (r *PGRepository) Delete(ctx context.Context, slug string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var projectID uuid.UUID
		err := tx.QueryRow(ctx, "SELECT id FROM projects WHERE slug = $1", slug).Scan(&projectID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lookup project for delete: %w", err)
		}

		var activeKeys int
		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM api_keys
			 WHERE project_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`,
			projectID,
		).Scan(&activeKeys)
		if err != nil {
			return fmt.Errorf("count active keys: %w", err)
		}
		if activeKeys > 0 {
			return ErrHasActiveKeys
		}

		if _, err := tx.Exec(ctx, "DELETE FROM projects WHERE id = $1", projectID); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return nil
	})
}

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(
		&p.ID, &p.Slug, &p.Name, &p.Environment, &p.OwnerID, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
