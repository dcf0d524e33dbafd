// Package dispatch executes due step work: it re-validates the enrollment,
// evaluates the step's branch condition, renders and sends the email, records
// the outcome exactly once, and advances the cursor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/condition"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
	"github.com/fitpulse/campaign-engine/internal/schedule"
	"github.com/fitpulse/campaign-engine/internal/template"
	"github.com/fitpulse/campaign-engine/internal/transport"
)

// Enrollments is the slice of the tracker the dispatcher needs.
type Enrollments interface {
	WithLock(enrollmentID uuid.UUID, fn func() error) error
	Get(ctx context.Context, id uuid.UUID) (*enrollment.Enrollment, error)
	Recipient(ctx context.Context, id uuid.UUID) (*enrollment.Recipient, error)
	RecordDispatch(ctx context.Context, o *enrollment.Outcome) (bool, error)
	Advance(ctx context.Context, e *enrollment.Enrollment, c *campaign.Campaign, resolvedAt time.Time) error
}

// Campaigns resolves campaign definitions.
type Campaigns interface {
	Get(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
}

// Renderer renders a template for a recipient.
type Renderer interface {
	Render(ctx context.Context, templateID uuid.UUID, vars map[string]interface{}) (*template.Rendered, error)
}

// StatsSink receives dispatch counters.
type StatsSink interface {
	OnDispatch(ctx context.Context, campaignID uuid.UUID, state enrollment.DeliveryState) error
}

// Config carries the sender identity and retry policy.
type Config struct {
	FromName   string
	FromEmail  string
	MaxRetries int
	RetryBase  time.Duration
}

// Disposition says what ProcessItem did with a work item.
type Disposition string

const (
	DispositionSent    Disposition = "sent"
	DispositionSkipped Disposition = "skipped"
	DispositionDropped Disposition = "dropped"
	DispositionAborted Disposition = "aborted"
)

// Dispatcher processes due work items. It is safe for concurrent use; work
// for one enrollment is serialized through the tracker's per-enrollment lock.
type Dispatcher struct {
	enrollments Enrollments
	campaigns   Campaigns
	renderer    Renderer
	transport   transport.Transport
	stats       StatsSink
	cfg         Config

	now func() time.Time
}

// NewDispatcher wires a dispatcher. MaxRetries and RetryBase get sane
// defaults when zero.
func NewDispatcher(enrollments Enrollments, campaigns Campaigns, renderer Renderer, tp transport.Transport, stats StatsSink, cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Dispatcher{
		enrollments: enrollments,
		campaigns:   campaigns,
		renderer:    renderer,
		transport:   tp,
		stats:       stats,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ProcessItem handles one claimed work item. A nil error means the item is
// finished and must not be requeued, whatever the disposition. A non-nil
// error means processing could not complete and the caller should restore
// the item.
func (d *Dispatcher) ProcessItem(ctx context.Context, item schedule.Item) (Disposition, error) {
	var disp Disposition
	err := d.enrollments.WithLock(item.EnrollmentID, func() error {
		var err error
		disp, err = d.process(ctx, item)
		return err
	})
	return disp, err
}

func (d *Dispatcher) process(ctx context.Context, item schedule.Item) (Disposition, error) {
	e, err := d.enrollments.Get(ctx, item.EnrollmentID)
	if errors.Is(err, enrollment.ErrNotFound) {
		logger.Warn("work item for unknown enrollment dropped", "enrollment_id", item.EnrollmentID, "step_id", item.StepID)
		return DispositionDropped, nil
	}
	if err != nil {
		return "", err
	}

	if e.Status != enrollment.StatusActive {
		// Unsubscribed or completed while the item waited in the queue.
		return DispositionDropped, nil
	}

	c, err := d.campaigns.Get(ctx, e.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		logger.Warn("work item for deleted campaign dropped", "campaign_id", e.CampaignID, "enrollment_id", e.ID)
		return DispositionDropped, nil
	}
	if err != nil {
		return "", err
	}
	if !c.IsActive {
		// A deactivated campaign pauses its journeys; the enrollment stays
		// where it is and resumes from a schedule rebuild if reactivated.
		return DispositionAborted, nil
	}

	if e.Cursor >= len(c.Steps) {
		return DispositionDropped, nil
	}
	step := c.Steps[e.Cursor]
	if step.ID != item.StepID {
		// The cursor moved past this step already, or the definition changed.
		return DispositionDropped, nil
	}

	// Crash window replay: the outcome is durable but the cursor never moved.
	if prior, ok := e.Outcomes[step.ID]; ok {
		return DispositionDropped, d.enrollments.Advance(ctx, e, c, prior.DispatchedAt)
	}

	if !condition.ShouldSend(step, e) {
		resolvedAt := d.now()
		logger.Info("step skipped by condition",
			"enrollment_id", e.ID, "campaign_id", c.ID, "step_id", step.ID)
		return DispositionSkipped, d.enrollments.Advance(ctx, e, c, resolvedAt)
	}

	recipient, err := d.enrollments.Recipient(ctx, e.RecipientID)
	if err != nil {
		return "", err
	}

	rendered, renderErr := d.renderer.Render(ctx, step.TemplateID, template.RecipientVars(
		recipient.Email, recipient.FirstName, recipient.LastName, recipient.Attributes))

	outcome := &enrollment.Outcome{
		EnrollmentID: e.ID,
		StepID:       step.ID,
	}

	if renderErr != nil {
		// A broken or missing template fails the step but not the journey.
		logger.Error("render failed, recording failed dispatch",
			"enrollment_id", e.ID, "step_id", step.ID, "error", renderErr.Error())
		outcome.DeliveryState = enrollment.DeliveryFailed
	} else {
		// Unsubscribes race with in-flight dispatch; one last status check
		// right before the provider handoff closes most of that window.
		fresh, err := d.enrollments.Get(ctx, e.ID)
		if err != nil {
			return "", err
		}
		if fresh.Status != enrollment.StatusActive {
			return DispositionAborted, nil
		}

		result, sendErr := d.sendWithRetry(ctx, &transport.Message{
			To:           recipient.Email,
			ToName:       recipient.FirstName,
			FromEmail:    d.cfg.FromEmail,
			FromName:     d.cfg.FromName,
			Subject:      rendered.Subject,
			HTML:         rendered.HTML,
			CampaignID:   c.ID,
			EnrollmentID: e.ID,
			StepID:       step.ID,
		})
		if sendErr != nil {
			if ctx.Err() != nil {
				// Shutdown mid-send: leave the item to be restored, not
				// recorded as a failed step.
				return "", ctx.Err()
			}
			logger.Error("send failed",
				"enrollment_id", e.ID, "step_id", step.ID, "error", sendErr.Error())
			// Exhausted retries stay retriable-looking failures; a permanent
			// provider rejection is a bounce.
			if transport.IsTransient(sendErr) {
				outcome.DeliveryState = enrollment.DeliveryFailed
			} else {
				outcome.DeliveryState = enrollment.DeliveryBounced
			}
		} else {
			outcome.DeliveryState = enrollment.DeliveryState(result.State)
			outcome.ProviderMessageID = result.ProviderMessageID
		}
	}

	outcome.DispatchedAt = d.now()

	inserted, err := d.enrollments.RecordDispatch(ctx, outcome)
	if err != nil {
		return "", err
	}
	if inserted {
		if err := d.stats.OnDispatch(ctx, c.ID, outcome.DeliveryState); err != nil {
			logger.Error("stats update failed", "campaign_id", c.ID, "error", err.Error())
		}
	}

	// The next step's delay counts from when this one resolved.
	if err := d.enrollments.Advance(ctx, e, c, outcome.DispatchedAt); err != nil {
		return "", err
	}
	return DispositionSent, nil
}

// sendWithRetry retries transient provider failures with exponential backoff
// and jitter. Permanent failures and context cancellation stop immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, msg *transport.Message) (*transport.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.RetryBase * (1 << (attempt - 1))
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := d.transport.Send(ctx, msg)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !transport.IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", d.cfg.MaxRetries+1, lastErr)
}
