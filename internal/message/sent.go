package message

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the message package.
var (
	ErrNotFound = errors.New("message not found")
)

// SentStatus is the delivery state of one per-target outcome row.
type SentStatus string

// The SentStatus values. A row is inserted as pending before the provider
// call and resolved to sent or failed afterwards; sent rows always carry
// the provider's own message id.
const (
	SentStatusPending SentStatus = "pending"
	SentStatusSent    SentStatus = "sent"
	SentStatusFailed  SentStatus = "failed"
)

// SentMessage is the persisted outcome of one target within one job's
// fan-out. Exactly one row exists per (job, target).
type SentMessage struct {
	ID                uuid.UUID
	JobID             string
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	TargetType        TargetType
	TargetChatID      string
	TargetUserID      *string
	Status            SentStatus
	ProviderMessageID *string
	ErrorMessage      *string
	SentAt            *time.Time
	CreatedAt         time.Time
}

// CreateSentParams groups the inputs for inserting a pending outcome row.
type CreateSentParams struct {
	JobID            string
	ProjectID        uuid.UUID
	PlatformConfigID uuid.UUID
	Platform         string
	TargetType       TargetType
	TargetChatID     string
	TargetUserID     *string
}

// SentRepository defines the data-access contract for per-target outcome
// rows.
type SentRepository interface {
	// Create inserts a new row with status pending.
	Create(ctx context.Context, params CreateSentParams) (*SentMessage, error)

	// MarkSent resolves a row to sent and records the provider's message id.
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error

	// MarkFailed resolves a row to failed with the provider's error text.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	// ListByJob returns all outcome rows for a job, oldest first.
	ListByJob(ctx context.Context, jobID string) ([]SentMessage, error)

	// FindSent returns the already-sent row for a (job, platform config,
	// chat) triple if one exists. Workers consult it on retry so targets
	// that succeeded on an earlier attempt are not re-sent.
	FindSent(ctx context.Context, jobID string, platformConfigID uuid.UUID, targetChatID string) (*SentMessage, error)
}
