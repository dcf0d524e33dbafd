// Package intake turns platform business events into enrollments. It is the
// only entry point into campaign execution: an event matches zero or more
// active campaigns by trigger, and each match enrolls the recipient.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
)

// Event is a business event from the platform.
type Event struct {
	Type        campaign.TriggerType `json:"type"`
	RecipientID uuid.UUID            `json:"recipient_id"`
	MarathonID  *uuid.UUID           `json:"marathon_id,omitempty"`
	DayNumber   *int                 `json:"day_number,omitempty"`

	// CampaignID targets one specific campaign. Required for manual sends,
	// ignored otherwise.
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Validate rejects events the engine cannot act on.
func (ev *Event) Validate() error {
	if !campaign.KnownTrigger(ev.Type) {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.RecipientID == uuid.Nil {
		return errors.New("recipient_id is required")
	}
	if ev.Type == campaign.TriggerManual && ev.CampaignID == nil {
		return errors.New("manual events must name a campaign_id")
	}
	return nil
}

// Campaigns resolves candidate campaigns for an event.
type Campaigns interface {
	Get(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	ListActiveByTrigger(ctx context.Context, t campaign.TriggerType) ([]*campaign.Campaign, error)
}

// Enroller starts an enrollment.
type Enroller interface {
	Enroll(ctx context.Context, c *campaign.Campaign, recipientID uuid.UUID) (*enrollment.Enrollment, error)
}

// Intake matches events to campaigns and enrolls.
type Intake struct {
	campaigns Campaigns
	enroller  Enroller
}

// NewIntake wires the intake stage.
func NewIntake(campaigns Campaigns, enroller Enroller) *Intake {
	return &Intake{campaigns: campaigns, enroller: enroller}
}

// Matches reports whether a campaign's trigger fires for this event. Filters
// the campaign leaves unset match any value.
func Matches(c *campaign.Campaign, ev *Event) bool {
	t := c.Trigger
	if t.Type != ev.Type {
		return false
	}
	if t.MarathonID != nil && (ev.MarathonID == nil || *t.MarathonID != *ev.MarathonID) {
		return false
	}
	if t.DayNumber != nil && (ev.DayNumber == nil || *t.DayNumber != *ev.DayNumber) {
		return false
	}
	return true
}

// HandleEvent enrolls the event's recipient into every matching active
// campaign. A recipient already enrolled is a silent no-op for that campaign,
// and a campaign with a broken definition is logged and skipped; neither
// fails the event. Storage errors do fail it.
func (in *Intake) HandleEvent(ctx context.Context, ev *Event) (enrolled int, err error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	candidates, err := in.candidates(ctx, ev)
	if err != nil {
		return 0, err
	}

	for _, c := range candidates {
		if !Matches(c, ev) {
			continue
		}
		_, err := in.enroller.Enroll(ctx, c, ev.RecipientID)
		switch {
		case err == nil:
			enrolled++
		case errors.Is(err, enrollment.ErrAlreadyEnrolled):
			// Repeat triggers are expected; nothing to do.
		default:
			var defErr *campaign.DefinitionError
			if errors.As(err, &defErr) {
				logger.Error("campaign definition rejected at enroll",
					"campaign_id", c.ID, "error", defErr.Error())
				continue
			}
			return enrolled, fmt.Errorf("enroll into %s: %w", c.ID, err)
		}
	}
	return enrolled, nil
}

func (in *Intake) candidates(ctx context.Context, ev *Event) ([]*campaign.Campaign, error) {
	if ev.Type == campaign.TriggerManual {
		c, err := in.campaigns.Get(ctx, *ev.CampaignID)
		if err != nil {
			return nil, err
		}
		if !c.IsActive {
			return nil, fmt.Errorf("campaign %s is not active", c.ID)
		}
		return []*campaign.Campaign{c}, nil
	}
	return in.campaigns.ListActiveByTrigger(ctx, ev.Type)
}
