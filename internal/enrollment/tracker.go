package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
)

// ErrAlreadyEnrolled means the recipient already has a non-cancelled
// enrollment in the campaign. Re-triggering is a normal no-op, not a failure.
var ErrAlreadyEnrolled = errors.New("recipient already enrolled")

// Scheduler is the slice of the work queue the tracker drives.
type Scheduler interface {
	ScheduleAt(ctx context.Context, enrollmentID uuid.UUID, stepID string, dueAt time.Time) error
	Cancel(ctx context.Context, enrollmentID uuid.UUID) error
}

// Tracker owns the enrollment lifecycle. All writes to enrollments and
// outcomes go through it, and work for one enrollment is serialized through
// WithLock so step N+1 is never processed before step N's outcome is durable.
type Tracker struct {
	store *Store
	sched Scheduler

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewTracker creates a tracker over the given store and scheduler.
func NewTracker(store *Store, sched Scheduler) *Tracker {
	return &Tracker{store: store, sched: sched}
}

// WithLock runs fn while holding the per-enrollment mutex.
func (t *Tracker) WithLock(enrollmentID uuid.UUID, fn func() error) error {
	v, _ := t.locks.LoadOrStore(enrollmentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Enroll creates an enrollment at cursor 0 and schedules the first step at
// enrolledAt + step[0].delay. The definition is validated first so a broken
// campaign is rejected before any state exists for it.
//
// Policy for repeat triggers: an active or unsubscribed enrollment always
// blocks; a completed one blocks unless the trigger type re-enrolls
// (campaign.TriggerType.ReenrollsCompleted); cancelled never blocks.
func (t *Tracker) Enroll(ctx context.Context, c *campaign.Campaign, recipientID uuid.UUID) (*Enrollment, error) {
	if err := campaign.Validate(c); err != nil {
		return nil, err
	}

	statuses, err := t.store.FindByPair(ctx, c.ID, recipientID)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		switch st {
		case StatusActive, StatusUnsubscribed:
			return nil, ErrAlreadyEnrolled
		case StatusCompleted:
			if !c.Trigger.Type.ReenrollsCompleted() {
				return nil, ErrAlreadyEnrolled
			}
		}
	}

	now := time.Now().UTC()
	e := &Enrollment{
		ID:             uuid.New(),
		CampaignID:     c.ID,
		RecipientID:    recipientID,
		Status:         StatusActive,
		Cursor:         0,
		EnrolledAt:     now,
		LastResolvedAt: now,
		Outcomes:       map[string]*Outcome{},
	}

	inserted, err := t.store.Insert(ctx, e)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost a race with a concurrent enroll for the same pair.
		return nil, ErrAlreadyEnrolled
	}

	first := c.Steps[0]
	dueAt := now.Add(first.Delay.Duration())
	if err := t.sched.ScheduleAt(ctx, e.ID, first.ID, dueAt); err != nil {
		return nil, fmt.Errorf("schedule first step: %w", err)
	}

	logger.Info("enrolled recipient",
		"campaign_id", c.ID, "enrollment_id", e.ID, "recipient_id", recipientID,
		"first_step", first.ID, "due_at", dueAt.Format(time.RFC3339))
	return e, nil
}

// Get loads an enrollment with its outcomes.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	return t.store.Get(ctx, id)
}

// RecordDispatch persists a dispatch outcome exactly once per step.
func (t *Tracker) RecordDispatch(ctx context.Context, o *Outcome) (bool, error) {
	return t.store.InsertOutcome(ctx, o)
}

// Advance moves the enrollment past the step at its current cursor. The next
// step's due time is resolvedAt + delay; when no next step exists the
// enrollment completes. Duplicate advances for the same cursor position are
// no-ops, so Advance is safe under redelivered work.
func (t *Tracker) Advance(ctx context.Context, e *Enrollment, c *campaign.Campaign, resolvedAt time.Time) error {
	advanced, err := t.store.AdvanceCursor(ctx, e.ID, e.Cursor, resolvedAt)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	next := e.Cursor + 1
	e.Cursor = next
	e.LastResolvedAt = resolvedAt

	if next >= len(c.Steps) {
		if err := t.store.MarkCompleted(ctx, e.ID); err != nil {
			return err
		}
		e.Status = StatusCompleted
		logger.Info("enrollment completed", "enrollment_id", e.ID, "campaign_id", e.CampaignID)
		return nil
	}

	step := c.Steps[next]
	dueAt := resolvedAt.Add(step.Delay.Duration())
	if err := t.sched.ScheduleAt(ctx, e.ID, step.ID, dueAt); err != nil {
		return fmt.Errorf("schedule step %s: %w", step.ID, err)
	}
	return nil
}

// ApplyEngagement applies an opened/clicked callback, monotonic per flag.
// Callbacks can arrive long after the enrollment advanced past the step; the
// lookup is by provider message id, never by cursor position.
func (t *Tracker) ApplyEngagement(ctx context.Context, providerMessageID string, kind EngagementKind, at time.Time) (*EngagementUpdate, error) {
	return t.store.ApplyEngagement(ctx, providerMessageID, kind, at)
}

// MarkDelivery upgrades a dispatched message's delivery state from a provider
// delivery or bounce notification.
func (t *Tracker) MarkDelivery(ctx context.Context, providerMessageID string, state DeliveryState) (*EngagementUpdate, error) {
	return t.store.UpdateDeliveryState(ctx, providerMessageID, state)
}

// Unsubscribe silences the recipient account-wide: every active enrollment
// flips to 'unsubscribed' and its pending scheduled work is cancelled. An
// in-flight dispatch for one of these enrollments aborts at its own status
// re-check; that is the one accepted race window.
func (t *Tracker) Unsubscribe(ctx context.Context, recipientID uuid.UUID) ([]UnsubscribedEnrollment, error) {
	affected, err := t.store.MarkUnsubscribed(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	for _, u := range affected {
		if err := t.sched.Cancel(ctx, u.ID); err != nil {
			return nil, fmt.Errorf("cancel scheduled work for %s: %w", u.ID, err)
		}
	}
	if len(affected) > 0 {
		logger.Info("recipient unsubscribed", "recipient_id", recipientID, "enrollments_cancelled", len(affected))
	}
	return affected, nil
}

// Recipient loads the recipient projection for an enrollment's render pass.
func (t *Tracker) Recipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	return t.store.GetRecipient(ctx, id)
}

// Store exposes read access for the API layer (status/debug endpoints).
func (t *Tracker) Store() *Store {
	return t.store
}
