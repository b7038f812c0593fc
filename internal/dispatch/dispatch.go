// Package dispatch implements the worker-side orchestrator: it fans one
// queued job out to its targets, resolves adapters through the registry,
// records per-target outcomes, and decides whether the attempt is worth
// retrying.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gatekit-chat/gatekit-server/internal/attachment"
	"github.com/gatekit-chat/gatekit-server/internal/breaker"
	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/metrics"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
	"github.com/gatekit-chat/gatekit-server/internal/project"
	"github.com/gatekit-chat/gatekit-server/internal/queue"
	"github.com/gatekit-chat/gatekit-server/internal/sanitize"
)

// TenantNotifier delivers gateway events (message.sent, message.failed) to
// tenant webhook subscribers. The dispatcher behind it is an external
// collaborator; NopNotifier stands in when none is wired.
type TenantNotifier interface {
	Notify(ctx context.Context, projectID uuid.UUID, event string, payload any)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify implements TenantNotifier.
func (NopNotifier) Notify(context.Context, uuid.UUID, string, any) {}

// CredentialSource decrypts a config's credential blob. Implemented by the
// platform lifecycle service.
type CredentialSource interface {
	DecryptCredentials(cfg *platform.Config) ([]byte, error)
}

// Orchestrator fans one job out to its targets.
type Orchestrator struct {
	projects  project.Repository
	platforms platform.Repository
	creds     CredentialSource
	registry  *platform.Registry
	fetcher   *attachment.Fetcher
	sanitizer *sanitize.Sanitizer
	sent      message.SentRepository
	breakers  *breaker.Registry
	queue     *queue.Queue
	notifier  TenantNotifier
	m         *metrics.Metrics
	log       zerolog.Logger
}

// Config wires an Orchestrator.
type Config struct {
	Projects  project.Repository
	Platforms platform.Repository
	Creds     CredentialSource
	Registry  *platform.Registry
	Fetcher   *attachment.Fetcher
	Sanitizer *sanitize.Sanitizer
	Sent      message.SentRepository
	Breakers  *breaker.Registry
	Queue     *queue.Queue
	Notifier  TenantNotifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	return &Orchestrator{
		projects:  cfg.Projects,
		platforms: cfg.Platforms,
		creds:     cfg.Creds,
		registry:  cfg.Registry,
		fetcher:   cfg.Fetcher,
		sanitizer: cfg.Sanitizer,
		sent:      cfg.Sent,
		breakers:  cfg.Breakers,
		queue:     cfg.Queue,
		notifier:  cfg.Notifier,
		m:         cfg.Metrics,
		log:       cfg.Logger,
	}
}

// group is all targets bound to one platform config.
type group struct {
	cfg     *platform.Config
	targets []message.Target
}

// Process handles one job attempt. It returns nil when every target
// reached a terminal outcome (even if some failed permanently — the
// per-target rows carry that). It returns a retryable error when at least
// one target failed retryably, so the queue applies backoff and a later
// attempt revisits the unresolved targets. It also returns an error,
// before any send, when the project is gone (permanent), cannot be
// loaded, or an attachment cannot be resolved.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) error {
	data := job.Data

	proj, err := o.projects.GetByID(ctx, data.ProjectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return platform.NewProviderError(false, fmt.Errorf("project %s no longer exists", data.ProjectID))
		}
		return fmt.Errorf("load project: %w", err)
	}

	// Group targets by platform config. A target whose config is missing,
	// inactive, or cross-project gets a failed row instead of aborting the
	// whole fan-out; the API validated these up front, so hitting one here
	// means the config changed between enqueue and pickup.
	groups := make(map[uuid.UUID]*group)
	var order []uuid.UUID
	var skipped []message.Target
	for _, target := range data.Request.Targets {
		if g, ok := groups[target.PlatformID]; ok {
			g.targets = append(g.targets, target)
			continue
		}
		cfg, err := o.platforms.GetByID(ctx, proj.ID, target.PlatformID)
		if err != nil || !cfg.IsActive {
			skipped = append(skipped, target)
			continue
		}
		groups[target.PlatformID] = &group{cfg: cfg, targets: []message.Target{target}}
		order = append(order, target.PlatformID)
	}

	for _, target := range skipped {
		o.recordUnroutable(ctx, job.ID, proj.ID, target)
	}

	content := data.Request.Content
	if o.sanitizer != nil {
		content = o.sanitizer.Content(content)
	}

	resolved, err := o.resolveAttachments(ctx, content.Attachments)
	if err != nil {
		return err
	}

	var options message.Options
	if data.Request.Options != nil {
		options = *data.Request.Options
	}

	// Fan out per platform group concurrently; targets within a group run
	// sequentially against the shared adapter.
	var (
		g, gctx   = errgroup.WithContext(ctx)
		retryable = make([]error, len(order))
	)
	for i, id := range order {
		grp := groups[id]
		g.Go(func() error {
			retryable[i] = o.sendGroup(gctx, job, proj.ID, grp, content, resolved, options)
			return nil
		})
	}
	_ = g.Wait()

	if o.queue != nil {
		if err := o.queue.SetProgress(ctx, job.ID, 100); err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job progress")
		}
	}

	var retryErrs []error
	for _, err := range retryable {
		if err != nil {
			retryErrs = append(retryErrs, err)
		}
	}
	if len(retryErrs) > 0 {
		return platform.NewProviderError(true, errors.Join(retryErrs...))
	}
	return nil
}

// sendGroup delivers to every target of one platform group. The returned
// error is non-nil only when at least one target failed retryably.
func (o *Orchestrator) sendGroup(ctx context.Context, job *queue.Job, projectID uuid.UUID, grp *group, content message.Content, attachments []attachment.Resolved, options message.Options) error {
	credentials, err := o.creds.DecryptCredentials(grp.cfg)
	if err != nil {
		o.log.Error().Err(err).Str("config_id", grp.cfg.ID.String()).Msg("Failed to decrypt credentials for dispatch")
		for _, target := range grp.targets {
			o.recordFailure(ctx, job.ID, projectID, grp.cfg, target, "credential decryption failed")
		}
		return nil
	}

	adapter, err := o.registry.GetOrCreateAdapter(ctx, *grp.cfg, credentials)
	if err != nil {
		reason := fmt.Sprintf("adapter unavailable: %v", err)
		for _, target := range grp.targets {
			o.recordFailure(ctx, job.ID, projectID, grp.cfg, target, reason)
		}
		if platform.IsRetryable(err) {
			return err
		}
		return nil
	}

	var retryErr error
	for _, target := range grp.targets {
		// Targets already delivered by an earlier attempt are not re-sent.
		if job.AttemptsMade > 1 {
			if _, err := o.sent.FindSent(ctx, job.ID, grp.cfg.ID, target.ID); err == nil {
				continue
			}
		}

		row, err := o.sent.Create(ctx, message.CreateSentParams{
			JobID:            job.ID,
			ProjectID:        projectID,
			PlatformConfigID: grp.cfg.ID,
			Platform:         grp.cfg.Platform,
			TargetType:       target.Type,
			TargetChatID:     target.ID,
			TargetUserID:     targetUserID(target),
		})
		if err != nil {
			o.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to insert outcome row")
			retryErr = errors.Join(retryErr, err)
			continue
		}

		out, sendErr := o.breakers.Execute(string(grp.cfg.Key()), func() (any, error) {
			return adapter.SendMessage(ctx, platform.SendInput{
				Target:      target,
				Content:     content,
				Attachments: attachments,
				Options:     options,
			})
		})

		if sendErr != nil {
			reason := sendErr.Error()
			if markErr := o.sent.MarkFailed(ctx, row.ID, reason); markErr != nil {
				o.log.Error().Err(markErr).Str("job_id", job.ID).Msg("Failed to record target failure")
			}
			o.countOutcome(grp.cfg.Platform, "failed")
			o.notifier.Notify(ctx, projectID, "message.failed", map[string]any{
				"jobId":      job.ID,
				"platformId": grp.cfg.ID,
				"target":     target,
				"error":      reason,
			})
			if errors.Is(sendErr, breaker.ErrOpen) || platform.IsRetryable(sendErr) {
				retryErr = errors.Join(retryErr, sendErr)
			}
			continue
		}

		result := out.(platform.SendResult)
		if markErr := o.sent.MarkSent(ctx, row.ID, result.ProviderMessageID, time.Now()); markErr != nil {
			o.log.Error().Err(markErr).Str("job_id", job.ID).Msg("Failed to record target success")
		}
		o.countOutcome(grp.cfg.Platform, "sent")
		o.notifier.Notify(ctx, projectID, "message.sent", map[string]any{
			"jobId":             job.ID,
			"platformId":        grp.cfg.ID,
			"target":            target,
			"providerMessageId": result.ProviderMessageID,
		})
	}
	return retryErr
}

// resolveAttachments materializes every attachment once per job attempt.
// Validation failures are permanent; download failures are worth a retry.
func (o *Orchestrator) resolveAttachments(ctx context.Context, inputs []message.Attachment) ([]attachment.Resolved, error) {
	if len(inputs) == 0 || o.fetcher == nil {
		return nil, nil
	}
	resolved := make([]attachment.Resolved, 0, len(inputs))
	for _, in := range inputs {
		r, err := o.fetcher.Resolve(ctx, in)
		if err != nil {
			if errors.Is(err, attachment.ErrInvalid) {
				return nil, platform.NewProviderError(false, err)
			}
			return nil, platform.NewProviderError(true, err)
		}
		resolved = append(resolved, *r)
	}
	return resolved, nil
}

// recordUnroutable writes a failed row for a target whose platform config
// disappeared or deactivated after enqueue.
func (o *Orchestrator) recordUnroutable(ctx context.Context, jobID string, projectID uuid.UUID, target message.Target) {
	row, err := o.sent.Create(ctx, message.CreateSentParams{
		JobID:            jobID,
		ProjectID:        projectID,
		PlatformConfigID: target.PlatformID,
		Platform:         "unknown",
		TargetType:       target.Type,
		TargetChatID:     target.ID,
		TargetUserID:     targetUserID(target),
	})
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to insert unroutable outcome row")
		return
	}
	if err := o.sent.MarkFailed(ctx, row.ID, "platform config missing or inactive"); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record unroutable target")
	}
	o.countOutcome("unknown", "failed")
}

func (o *Orchestrator) recordFailure(ctx context.Context, jobID string, projectID uuid.UUID, cfg *platform.Config, target message.Target, reason string) {
	row, err := o.sent.Create(ctx, message.CreateSentParams{
		JobID:            jobID,
		ProjectID:        projectID,
		PlatformConfigID: cfg.ID,
		Platform:         cfg.Platform,
		TargetType:       target.Type,
		TargetChatID:     target.ID,
		TargetUserID:     targetUserID(target),
	})
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to insert outcome row")
		return
	}
	if err := o.sent.MarkFailed(ctx, row.ID, reason); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record target failure")
	}
	o.countOutcome(cfg.Platform, "failed")
}

func (o *Orchestrator) countOutcome(platformName, status string) {
	if o.m != nil {
		o.m.SendOutcomes.WithLabelValues(platformName, status).Inc()
	}
}

// targetUserID records the user id column for user-type targets.
func targetUserID(t message.Target) *string {
	if t.Type != message.TargetUser {
		return nil
	}
	id := t.ID
	return &id
}
