package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InboundEventType classifies a canonical event parsed from a provider
// callback.
type InboundEventType string

// The InboundEventType values.
const (
	InboundReceivedMessage InboundEventType = "received_message"
	InboundReactionAdded   InboundEventType = "reaction_added"
	InboundReactionRemoved InboundEventType = "reaction_removed"
)

// InboundEvent is the provider-independent form of one inbound callback
// event. Providers parse their own envelope into zero or more of these.
type InboundEvent struct {
	Type              InboundEventType
	ProviderMessageID string
	ProviderUserID    string
	ProviderUserName  string
	ChatID            string
	Text              string
	Emoji             string
	ReactionType      string
	FromMe            bool
	Timestamp         time.Time
	Raw               json.RawMessage
}

// ReceivedMessage is a persisted inbound message. (platform config,
// provider message id) is unique; replays are swallowed.
type ReceivedMessage struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderUserID    string
	ProviderUserName  string
	ChatID            string
	Text              string
	FromMe            bool
	ReceivedAt        time.Time
	Raw               json.RawMessage
}

// ReceivedReaction is a persisted inbound reaction. The uniqueness key
// additionally includes the reacting user, emoji, and reaction type so the
// same user re-reacting with a different emoji is a distinct row.
type ReceivedReaction struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderUserID    string
	Emoji             string
	ReactionType      string
	FromMe            bool
	ReceivedAt        time.Time
}

// InboundRepository persists canonical inbound events. Both inserts are
// idempotent: a duplicate (by the uniqueness keys above) reports inserted
// false with a nil error, so webhook replays never surface as failures.
type InboundRepository interface {
	InsertMessage(ctx context.Context, m ReceivedMessage) (inserted bool, err error)
	InsertReaction(ctx context.Context, r ReceivedReaction) (inserted bool, err error)

	// ListMessagesByConfig returns inbound messages for one platform config,
	// newest first.
	ListMessagesByConfig(ctx context.Context, platformConfigID uuid.UUID, limit int) ([]ReceivedMessage, error)
}
