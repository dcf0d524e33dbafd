// Package tracking ingests provider engagement callbacks and folds them into
// step outcomes and campaign counters. Callbacks arrive at-least-once and out
// of order; everything here is idempotent.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
)

// Event types as the provider webhook names them.
const (
	EventOpen     = "open"
	EventClick    = "click"
	EventDelivery = "delivery"
	EventBounce   = "bounce"
)

// ProviderEvent is one engagement callback.
type ProviderEvent struct {
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	Email     string    `json:"email,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcomes is the slice of the tracker the processor writes through.
type Outcomes interface {
	ApplyEngagement(ctx context.Context, providerMessageID string, kind enrollment.EngagementKind, at time.Time) (*enrollment.EngagementUpdate, error)
	MarkDelivery(ctx context.Context, providerMessageID string, state enrollment.DeliveryState) (*enrollment.EngagementUpdate, error)
}

// Counters receives first-time engagement increments.
type Counters interface {
	OnEngagement(ctx context.Context, campaignID uuid.UUID, kind enrollment.EngagementKind) error
	OnDelivered(ctx context.Context, campaignID uuid.UUID) error
	OnBounce(ctx context.Context, campaignID uuid.UUID) error
}

// Processor applies provider events.
type Processor struct {
	outcomes Outcomes
	counters Counters
}

// NewProcessor wires the tracking stage.
func NewProcessor(outcomes Outcomes, counters Counters) *Processor {
	return &Processor{outcomes: outcomes, counters: counters}
}

// Process applies one callback. Unknown message ids and replayed events are
// silent no-ops; the provider retries on non-2xx so only real storage
// failures return an error.
func (p *Processor) Process(ctx context.Context, ev *ProviderEvent) error {
	if ev.MessageID == "" {
		return fmt.Errorf("event has no message_id")
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev.Type {
	case EventOpen:
		return p.engage(ctx, ev.MessageID, enrollment.EngagementOpened, at)

	case EventClick:
		// A click proves the mail was opened even when the open pixel never
		// fired, so the open flag is set alongside.
		if err := p.engage(ctx, ev.MessageID, enrollment.EngagementOpened, at); err != nil {
			return err
		}
		return p.engage(ctx, ev.MessageID, enrollment.EngagementClicked, at)

	case EventDelivery:
		upd, err := p.outcomes.MarkDelivery(ctx, ev.MessageID, enrollment.DeliveryDelivered)
		if err != nil {
			return err
		}
		if upd.Changed {
			return p.counters.OnDelivered(ctx, upd.CampaignID)
		}
		return nil

	case EventBounce:
		upd, err := p.outcomes.MarkDelivery(ctx, ev.MessageID, enrollment.DeliveryBounced)
		if err != nil {
			return err
		}
		if upd.Changed {
			return p.counters.OnBounce(ctx, upd.CampaignID)
		}
		return nil

	default:
		logger.Debug("ignoring provider event", "type", ev.Type, "message_id", ev.MessageID)
		return nil
	}
}

func (p *Processor) engage(ctx context.Context, messageID string, kind enrollment.EngagementKind, at time.Time) error {
	upd, err := p.outcomes.ApplyEngagement(ctx, messageID, kind, at)
	if err != nil {
		return err
	}
	if upd.Changed {
		return p.counters.OnEngagement(ctx, upd.CampaignID, kind)
	}
	return nil
}
