// Package message defines the canonical, platform-independent send payload,
// the durable job envelope carried through the queue, and the persisted
// per-target and inbound message records.
package message

import (
	"time"

	"github.com/google/uuid"
)

// TargetType classifies where a message is delivered on a platform.
type TargetType string

// The allowed TargetType values.
const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetGroup   TargetType = "group"
)

// Valid reports whether t is one of the declared TargetType constants.
func (t TargetType) Valid() bool {
	switch t {
	case TargetUser, TargetChannel, TargetGroup:
		return true
	default:
		return false
	}
}

// Target names one delivery destination: a platform config and a chat or
// user identifier understood by that platform.
type Target struct {
	PlatformID uuid.UUID  `json:"platformId" validate:"required"`
	Type       TargetType `json:"type" validate:"required,oneof=user channel group"`
	ID         string     `json:"id" validate:"required"`
}

// Attachment is one attachment input: either a URL to fetch or an inline
// base64 payload (optionally data-URI prefixed).
type Attachment struct {
	URL      string `json:"url,omitempty" validate:"required_without=Data,omitempty,abs_http_url"`
	Data     string `json:"data,omitempty" validate:"required_without=URL"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Button is a simple action button; platforms that support interactive
// components render it, others append it as text.
type Button struct {
	Text  string `json:"text" validate:"required"`
	Value string `json:"value" validate:"required"`
}

// Embed is a rich-content card for platforms that support them.
type Embed struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Color        string `json:"color,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty" validate:"omitempty,abs_http_url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty" validate:"omitempty,abs_http_url"`
}

// Content is the platform-independent message body. At least one of Text
// or Attachments must be present.
type Content struct {
	Text        string       `json:"text,omitempty" validate:"required_without=Attachments"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"required_without=Text,dive"`
	Buttons     []Button     `json:"buttons,omitempty" validate:"dive"`
	Embeds      []Embed      `json:"embeds,omitempty" validate:"dive"`
}

// Options carries per-send delivery options.
type Options struct {
	ReplyTo   string     `json:"replyTo,omitempty"`
	Silent    bool       `json:"silent,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty" validate:"omitempty,future"`
}

// Metadata is an opaque caller extension point; the gateway stores and
// echoes it but never interprets it. Priority is validated against low,
// normal and high and is not otherwise acted on.
type Metadata struct {
	TrackingID string   `json:"trackingId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Priority   string   `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

// SendRequest is the canonical send payload accepted by the HTTP surface
// and carried verbatim inside the queued job.
type SendRequest struct {
	Targets  []Target  `json:"targets" validate:"required,min=1,dive"`
	Content  Content   `json:"content" validate:"required"`
	Options  *Options  `json:"options,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// JobData is the durable queue entry payload: the full send request plus
// the tenant identity resolved at enqueue time.
type JobData struct {
	ProjectID   uuid.UUID   `json:"projectId"`
	ProjectSlug string      `json:"projectSlug"`
	Request     SendRequest `json:"request"`
}

// DeliveryStatus is the aggregated outcome of one job's fan-out.
type DeliveryStatus string

// The DeliveryStatus values. Pending means at least one row is still
// unresolved: an attempt is in flight, or a worker stopped mid-loop.
const (
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryPartial   DeliveryStatus = "partial"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryPending   DeliveryStatus = "pending"
)

// Summary counts per-target outcomes for one job.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// Overall derives the aggregated delivery status from a summary: completed
// iff all succeeded, failed iff all failed, pending if any row is still
// unresolved, partial otherwise.
func (s Summary) Overall() DeliveryStatus {
	switch {
	case s.Pending > 0:
		return DeliveryPending
	case s.Total == 0:
		return DeliveryFailed
	case s.Successful == s.Total:
		return DeliveryCompleted
	case s.Failed == s.Total:
		return DeliveryFailed
	default:
		return DeliveryPartial
	}
}

// Summarize tallies SentMessage rows into a Summary.
func Summarize(rows []SentMessage) Summary {
	s := Summary{Total: len(rows)}
	for _, r := range rows {
		switch r.Status {
		case SentStatusSent:
			s.Successful++
		case SentStatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}
