// Package stats maintains per-campaign engagement counters. Counters are
// updated incrementally as the engine dispatches and receives callbacks, and
// can be recomputed from the outcome tables when drift is suspected.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/enrollment"
)

// Stats is the counter row for one campaign.
type Stats struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	Sent         int64     `json:"sent"`
	Delivered    int64     `json:"delivered"`
	Opened       int64     `json:"opened"`
	Clicked      int64     `json:"clicked"`
	Bounced      int64     `json:"bounced"`
	Failed       int64     `json:"failed"`
	Unsubscribed int64     `json:"unsubscribed"`
	OpenRate     float64   `json:"open_rate"`
	ClickRate    float64   `json:"click_rate"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Aggregator owns the campaign_stats table.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates the aggregator.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

func (a *Aggregator) bump(ctx context.Context, campaignID uuid.UUID, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	insertCols := "campaign_id"
	insertVals := "$1"
	updates := ""
	for _, col := range columns {
		insertCols += ", " + col
		insertVals += ", 1"
		if updates != "" {
			updates += ", "
		}
		updates += fmt.Sprintf("%[1]s = campaign_stats.%[1]s + 1", col)
	}
	query := fmt.Sprintf(`
		INSERT INTO campaign_stats (%s, updated_at) VALUES (%s, NOW())
		ON CONFLICT (campaign_id) DO UPDATE SET %s, updated_at = NOW()
	`, insertCols, insertVals, updates)
	if _, err := a.db.ExecContext(ctx, query, campaignID); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return nil
}

// OnDispatch counts a freshly recorded step outcome. Every dispatch counts as
// sent; the delivery state may add a second counter.
func (a *Aggregator) OnDispatch(ctx context.Context, campaignID uuid.UUID, state enrollment.DeliveryState) error {
	switch state {
	case enrollment.DeliveryDelivered:
		return a.bump(ctx, campaignID, "sent", "delivered")
	case enrollment.DeliveryBounced:
		return a.bump(ctx, campaignID, "sent", "bounced")
	case enrollment.DeliveryFailed:
		return a.bump(ctx, campaignID, "sent", "failed")
	default:
		return a.bump(ctx, campaignID, "sent")
	}
}

// OnDelivered upgrades a sent message to delivered when the provider confirms
// asynchronously.
func (a *Aggregator) OnDelivered(ctx context.Context, campaignID uuid.UUID) error {
	return a.bump(ctx, campaignID, "delivered")
}

// OnBounce counts a bounce reported after the fact by the provider.
func (a *Aggregator) OnBounce(ctx context.Context, campaignID uuid.UUID) error {
	return a.bump(ctx, campaignID, "bounced")
}

// OnEngagement counts an open or click. Callers only invoke this for
// first-time flag flips, so replays never double count.
func (a *Aggregator) OnEngagement(ctx context.Context, campaignID uuid.UUID, kind enrollment.EngagementKind) error {
	switch kind {
	case enrollment.EngagementOpened:
		return a.bump(ctx, campaignID, "opened")
	case enrollment.EngagementClicked:
		return a.bump(ctx, campaignID, "clicked")
	default:
		return fmt.Errorf("unknown engagement kind %q", kind)
	}
}

// OnUnsubscribe counts an unsubscribed enrollment. Only enrollments that
// received at least one message are counted; callers filter on that.
func (a *Aggregator) OnUnsubscribe(ctx context.Context, campaignID uuid.UUID) error {
	return a.bump(ctx, campaignID, "unsubscribed")
}

// Get returns the counters for a campaign, zero-valued when the campaign has
// no row yet. Rates are derived, not stored.
func (a *Aggregator) Get(ctx context.Context, campaignID uuid.UUID) (*Stats, error) {
	st := &Stats{CampaignID: campaignID}
	err := a.db.QueryRowContext(ctx, `
		SELECT sent, delivered, opened, clicked, bounced, failed, unsubscribed, updated_at
		FROM campaign_stats WHERE campaign_id = $1
	`, campaignID).Scan(&st.Sent, &st.Delivered, &st.Opened, &st.Clicked, &st.Bounced, &st.Failed, &st.Unsubscribed, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		st.UpdatedAt = time.Now().UTC()
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if st.Sent > 0 {
		st.OpenRate = float64(st.Opened) / float64(st.Sent)
		st.ClickRate = float64(st.Clicked) / float64(st.Sent)
	}
	return st, nil
}

// Recompute rebuilds a campaign's counters from the outcome and enrollment
// tables. The incremental path and this query agree by construction; running
// it repairs any drift from missed increments.
func (a *Aggregator) Recompute(ctx context.Context, campaignID uuid.UUID) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO campaign_stats (campaign_id, sent, delivered, opened, clicked, bounced, failed, unsubscribed, updated_at)
		SELECT
			$1,
			COALESCE(o.sent, 0), COALESCE(o.delivered, 0), COALESCE(o.opened, 0), COALESCE(o.clicked, 0),
			COALESCE(o.bounced, 0), COALESCE(o.failed, 0), COALESCE(u.unsubscribed, 0), NOW()
		FROM (
			SELECT
				COUNT(*) AS sent,
				COUNT(*) FILTER (WHERE so.delivery_state = 'delivered') AS delivered,
				COUNT(*) FILTER (WHERE so.opened) AS opened,
				COUNT(*) FILTER (WHERE so.clicked) AS clicked,
				COUNT(*) FILTER (WHERE so.delivery_state = 'bounced') AS bounced,
				COUNT(*) FILTER (WHERE so.delivery_state = 'failed') AS failed
			FROM step_outcomes so
			JOIN campaign_enrollments e ON e.id = so.enrollment_id
			WHERE e.campaign_id = $1
		) o,
		(
			SELECT COUNT(*) AS unsubscribed
			FROM campaign_enrollments e
			WHERE e.campaign_id = $1 AND e.status = 'unsubscribed'
				AND EXISTS (SELECT 1 FROM step_outcomes so WHERE so.enrollment_id = e.id)
		) u
		ON CONFLICT (campaign_id) DO UPDATE SET
			sent = EXCLUDED.sent, delivered = EXCLUDED.delivered,
			opened = EXCLUDED.opened, clicked = EXCLUDED.clicked,
			bounced = EXCLUDED.bounced, failed = EXCLUDED.failed,
			unsubscribed = EXCLUDED.unsubscribed, updated_at = NOW()
	`, campaignID)
	if err != nil {
		return fmt.Errorf("recompute stats: %w", err)
	}
	return nil
}
