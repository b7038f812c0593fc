package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/attachment"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
	"github.com/gatekit-chat/gatekit-server/internal/project"
	"github.com/gatekit-chat/gatekit-server/internal/queue"
	"github.com/gatekit-chat/gatekit-server/internal/validate"
)

// MessageHandler serves the send pipeline endpoints.
type MessageHandler struct {
	projects  project.Repository
	platforms platform.Repository
	queue     *queue.Queue
	sent      message.SentRepository
	fetcher   *attachment.Fetcher
	log       zerolog.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(projects project.Repository, platforms platform.Repository, q *queue.Queue, sent message.SentRepository, fetcher *attachment.Fetcher, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		projects:  projects,
		platforms: platforms,
		queue:     q,
		sent:      sent,
		fetcher:   fetcher,
		log:       logger,
	}
}

type sendResponse struct {
	Success     bool        `json:"success"`
	JobID       string      `json:"jobId"`
	Status      string      `json:"status"`
	Targets     []string    `json:"targets"`
	PlatformIDs []uuid.UUID `json:"platformIds"`
	Timestamp   time.Time   `json:"timestamp"`
	Message     string      `json:"message"`
}

// Send handles POST /api/v1/projects/:slug/messages/send. The request is
// validated synchronously — schema, target ownership, attachment SSRF and
// sizing — and a job is enqueued; delivery itself is asynchronous and the
// call never waits for it.
func (h *MessageHandler) Send(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	var req message.SendRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid request body")
	}
	if fieldErrs := validate.Struct(req); fieldErrs != nil {
		return httputil.FailDetails(c, fiber.StatusBadRequest, apierrors.BadRequest, "Request validation failed", fieldErrs)
	}

	// Every target must name an active platform config owned by this
	// project. A config owned by another project is called out as such,
	// not hidden behind a 404.
	platformIDs := make([]uuid.UUID, 0, len(req.Targets))
	seen := make(map[uuid.UUID]struct{})
	for _, target := range req.Targets {
		cfg, err := h.platforms.GetAnyByID(c.Context(), target.PlatformID)
		if err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest,
					fmt.Sprintf("Platform %s not found", target.PlatformID))
			}
			h.log.Error().Err(err).Str("handler", "message").Msg("platform lookup failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
		}
		if cfg.ProjectID != proj.ID {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest,
				fmt.Sprintf("Platform %s belongs to a different project than %q", target.PlatformID, proj.Slug))
		}
		if !cfg.IsActive {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest,
				fmt.Sprintf("Platform %s is not active", target.PlatformID))
		}
		if _, dup := seen[cfg.ID]; !dup {
			seen[cfg.ID] = struct{}{}
			platformIDs = append(platformIDs, cfg.ID)
		}
	}

	// Attachments are validated up front so an SSRF target or oversized
	// payload is rejected before anything is enqueued.
	if h.fetcher != nil {
		for i, att := range req.Content.Attachments {
			if err := h.fetcher.Validate(c.Context(), att); err != nil {
				return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest,
					fmt.Sprintf("Attachment %d rejected: %v", i, err))
			}
		}
	}

	jobID, err := h.queue.Add(c.Context(), message.JobData{
		ProjectID:   proj.ID,
		ProjectSlug: proj.Slug,
		Request:     req,
	})
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("enqueue failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "Failed to enqueue message")
	}

	targets := make([]string, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = t.ID
	}

	return c.Status(fiber.StatusCreated).JSON(sendResponse{
		Success:     true,
		JobID:       jobID,
		Status:      "queued",
		Targets:     targets,
		PlatformIDs: platformIDs,
		Timestamp:   time.Now().UTC(),
		Message:     fmt.Sprintf("Message queued for %d target(s)", len(req.Targets)),
	})
}

type deliveryResult struct {
	PlatformID        uuid.UUID  `json:"platformId"`
	Platform          string     `json:"platform"`
	TargetType        string     `json:"targetType"`
	TargetChatID      string     `json:"targetChatId"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	Error             *string    `json:"error,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
}

type statusResponse struct {
	ID       string         `json:"id"`
	State    string         `json:"state"`
	Progress int            `json:"progress"`
	Attempts int            `json:"attemptsMade"`
	Failed   string         `json:"failedReason,omitempty"`
	Delivery deliveryStatus `json:"delivery"`
}

type deliveryStatus struct {
	OverallStatus string           `json:"overallStatus"`
	Summary       message.Summary  `json:"summary"`
	Results       []deliveryResult `json:"results"`
	Errors        []string         `json:"errors"`
}

// Status handles GET /api/v1/projects/:slug/messages/status/:jobId.
func (h *MessageHandler) Status(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	job, err := h.loadProjectJob(c, proj.ID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Job not found")
	}

	rows, err := h.sent.ListByJob(c.Context(), job.ID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("list outcomes failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
	}

	results := make([]deliveryResult, len(rows))
	var deliveryErrors []string
	for i, row := range rows {
		results[i] = deliveryResult{
			PlatformID:        row.PlatformConfigID,
			Platform:          row.Platform,
			TargetType:        string(row.TargetType),
			TargetChatID:      row.TargetChatID,
			Status:            string(row.Status),
			ProviderMessageID: row.ProviderMessageID,
			Error:             row.ErrorMessage,
			SentAt:            row.SentAt,
		}
		if row.ErrorMessage != nil {
			deliveryErrors = append(deliveryErrors, *row.ErrorMessage)
		}
	}

	summary := message.Summarize(rows)
	return c.JSON(statusResponse{
		ID:       job.ID,
		State:    string(job.State),
		Progress: job.Progress,
		Attempts: job.AttemptsMade,
		Failed:   job.FailedReason,
		Delivery: deliveryStatus{
			OverallStatus: string(summary.Overall()),
			Summary:       summary,
			Results:       results,
			Errors:        deliveryErrors,
		},
	})
}

// Retry handles POST /api/v1/projects/:slug/messages/retry/:jobId. Only
// failed jobs are eligible; the attempt counter resets visibly.
func (h *MessageHandler) Retry(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	job, err := h.loadProjectJob(c, proj.ID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Job not found")
	}

	if err := h.queue.Retry(c.Context(), job.ID); err != nil {
		if errors.Is(err, queue.ErrNotRetryable) {
			return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "Only failed jobs can be retried")
		}
		h.log.Error().Err(err).Str("handler", "message").Msg("retry failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
	}

	return c.JSON(fiber.Map{"success": true, "jobId": job.ID})
}

// QueueMetrics handles GET /api/v1/projects/:slug/messages/queue/metrics.
func (h *MessageHandler) QueueMetrics(c fiber.Ctx) error {
	if _, ok := resolveProject(c, h.projects); !ok {
		return nil
	}

	counts, err := h.queue.Counts(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("queue counts failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
	}
	return c.JSON(counts)
}

// loadProjectJob fetches the :jobId job and verifies it belongs to the
// project; a foreign job is indistinguishable from a missing one.
func (h *MessageHandler) loadProjectJob(c fiber.Ctx, projectID uuid.UUID) (*queue.Job, error) {
	job, err := h.queue.GetJob(c.Context(), c.Params("jobId"))
	if err != nil {
		return nil, err
	}
	if job.Data.ProjectID != projectID {
		return nil, queue.ErrJobNotFound
	}
	return job, nil
}
