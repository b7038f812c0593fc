package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const sentColumns = `id, job_id, project_id, platform_config_id, platform, target_type, target_chat_id,
target_user_id, status, provider_message_id, error_message, sent_at, created_at`

// PGSentRepository implements SentRepository using PostgreSQL.
type PGSentRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGSentRepository creates a new PostgreSQL-backed outcome repository.
func NewPGSentRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGSentRepository {
	return &PGSentRepository{db: db, log: logger}
}

// Create inserts a new row with status pending. Exactly one row exists per
// (job, target): a retry attempt that revisits a target resets its earlier
// unresolved row back to pending instead of inserting a second one.
func (r *PGSentRepository) Create(ctx context.Context, params CreateSentParams) (*SentMessage, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sent_messages (job_id, project_id, platform_config_id, platform, target_type, target_chat_id, target_user_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		 ON CONFLICT (job_id, platform_config_id, target_chat_id)
		 DO UPDATE SET status = 'pending', error_message = NULL
		 RETURNING `+sentColumns,
		params.JobID, params.ProjectID, params.PlatformConfigID, params.Platform,
		params.TargetType, params.TargetChatID, params.TargetUserID,
	)
	m, err := scanSent(row)
	if err != nil {
		return nil, fmt.Errorf("insert sent message: %w", err)
	}
	return m, nil
}

// MarkSent resolves a row to sent and records the provider's message id.
func (r *PGSentRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sent_messages SET status = 'sent', provider_message_id = $1, sent_at = $2, error_message = NULL
		 WHERE id = $3`,
		providerMessageID, at, id,
	)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed resolves a row to failed with the provider's error text.
func (r *PGSentRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE sent_messages SET status = 'failed', error_message = $1 WHERE id = $2",
		errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByJob returns all outcome rows for a job, oldest first.
func (r *PGSentRepository) ListByJob(ctx context.Context, jobID string) ([]SentMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sentColumns+` FROM sent_messages WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query sent messages by job: %w", err)
	}
	defer rows.Close()

	var messages []SentMessage
	for rows.Next() {
		m, err := scanSent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sent message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent messages: %w", err)
	}
	return messages, nil
}

// FindSent returns the already-sent row for a (job, platform config, chat)
// triple, or ErrNotFound if the target has not succeeded yet.
func (r *PGSentRepository) FindSent(ctx context.Context, jobID string, platformConfigID uuid.UUID, targetChatID string) (*SentMessage, error) {
	m, err := scanSent(r.db.QueryRow(ctx,
		`SELECT `+sentColumns+` FROM sent_messages
		 WHERE job_id = $1 AND platform_config_id = $2 AND target_chat_id = $3 AND status = 'sent'`,
		jobID, platformConfigID, targetChatID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query sent message by target: %w", err)
	}
	return m, nil
}

func scanSent(row pgx.Row) (*SentMessage, error) {
	var m SentMessage
	err := row.Scan(
		&m.ID, &m.JobID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.TargetType, &m.TargetChatID,
		&m.TargetUserID, &m.Status, &m.ProviderMessageID, &m.ErrorMessage, &m.SentAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PGInboundRepository implements InboundRepository using PostgreSQL.
type PGInboundRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGInboundRepository creates a new PostgreSQL-backed inbound repository.
func NewPGInboundRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGInboundRepository {
	return &PGInboundRepository{db: db, log: logger}
}

// InsertMessage inserts an inbound message, reporting inserted=false when
// the (platform config, provider message id) pair already exists.
func (r *PGInboundRepository) InsertMessage(ctx context.Context, m ReceivedMessage) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO received_messages
		   (project_id, platform_config_id, platform, provider_message_id, provider_user_id, provider_user_name,
		    chat_id, text, from_me, received_at, raw)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (platform_config_id, provider_message_id) DO NOTHING`,
		m.ProjectID, m.PlatformConfigID, m.Platform, m.ProviderMessageID, m.ProviderUserID, m.ProviderUserName,
		m.ChatID, m.Text, m.FromMe, m.ReceivedAt, m.Raw,
	)
	if err != nil {
		return false, fmt.Errorf("insert received message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertReaction inserts an inbound reaction, reporting inserted=false on a
// duplicate of the full uniqueness key.
func (r *PGInboundRepository) InsertReaction(ctx context.Context, re ReceivedReaction) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO received_reactions
		   (project_id, platform_config_id, platform, provider_message_id, provider_user_id, emoji, reaction_type, from_me, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (platform_config_id, provider_message_id, provider_user_id, emoji, reaction_type) DO NOTHING`,
		re.ProjectID, re.PlatformConfigID, re.Platform, re.ProviderMessageID, re.ProviderUserID,
		re.Emoji, re.ReactionType, re.FromMe, re.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert received reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMessagesByConfig returns inbound messages for one platform config,
// newest first.
func (r *PGInboundRepository) ListMessagesByConfig(ctx context.Context, platformConfigID uuid.UUID, limit int) ([]ReceivedMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, project_id, platform_config_id, platform, provider_message_id, provider_user_id, provider_user_name,
		        chat_id, text, from_me, received_at, raw
		 FROM received_messages WHERE platform_config_id = $1
		 ORDER BY received_at DESC, id DESC LIMIT $2`,
		platformConfigID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query received messages: %w", err)
	}
	defer rows.Close()

	var messages []ReceivedMessage
	for rows.Next() {
		var m ReceivedMessage
		err := rows.Scan(
			&m.ID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.ProviderMessageID, &m.ProviderUserID,
			&m.ProviderUserName, &m.ChatID, &m.Text, &m.FromMe, &m.ReceivedAt, &m.Raw,
		)
		if err != nil {
			return nil, fmt.Errorf("scan received message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate received messages: %w", err)
	}
	return messages, nil
}
