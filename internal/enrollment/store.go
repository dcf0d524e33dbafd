package enrollment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an enrollment or recipient does not exist.
var ErrNotFound = errors.New("enrollment not found")

// Store persists enrollments and step outcomes in Postgres. Nothing outside
// this package writes these tables; callers go through the Tracker.
type Store struct {
	db *sql.DB
}

// NewStore creates the enrollment store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert creates an active enrollment at cursor 0. The partial unique index
// on (campaign_id, recipient_id) WHERE status='active' makes concurrent
// enrolls of the same pair race-safe: the loser sees inserted=false.
func (s *Store) Insert(ctx context.Context, e *Enrollment) (inserted bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO campaign_enrollments (id, campaign_id, recipient_id, status, cursor, enrolled_at, last_resolved_at, updated_at)
		VALUES ($1, $2, $3, 'active', 0, $4, $4, NOW())
		ON CONFLICT (campaign_id, recipient_id) WHERE status = 'active' DO NOTHING
		RETURNING id
	`, e.ID, e.CampaignID, e.RecipientID, e.EnrolledAt).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert enrollment: %w", err)
	}
	return true, nil
}

// Get loads an enrollment with all its recorded outcomes.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	var (
		e           Enrollment
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, recipient_id, status, cursor, enrolled_at, last_resolved_at, completed_at
		FROM campaign_enrollments WHERE id = $1
	`, id).Scan(&e.ID, &e.CampaignID, &e.RecipientID, &e.Status, &e.Cursor, &e.EnrolledAt, &e.LastResolvedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}

	e.Outcomes, err = s.outcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) outcomes(ctx context.Context, enrollmentID uuid.UUID) (map[string]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT enrollment_id, step_id, dispatched_at, delivery_state, provider_message_id, opened, opened_at, clicked, clicked_at
		FROM step_outcomes WHERE enrollment_id = $1
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Outcome)
	for rows.Next() {
		var (
			o         Outcome
			openedAt  sql.NullTime
			clickedAt sql.NullTime
		)
		if err := rows.Scan(&o.EnrollmentID, &o.StepID, &o.DispatchedAt, &o.DeliveryState, &o.ProviderMessageID,
			&o.Opened, &openedAt, &o.Clicked, &clickedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if openedAt.Valid {
			o.OpenedAt = &openedAt.Time
		}
		if clickedAt.Valid {
			o.ClickedAt = &clickedAt.Time
		}
		out[o.StepID] = &o
	}
	return out, rows.Err()
}

// FindByPair returns the statuses of all enrollments for a (campaign,
// recipient) pair, newest first. Used by the re-trigger policy check.
func (s *Store) FindByPair(ctx context.Context, campaignID, recipientID uuid.UUID) ([]Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status FROM campaign_enrollments
		WHERE campaign_id = $1 AND recipient_id = $2
		ORDER BY enrolled_at DESC
	`, campaignID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("find enrollments: %w", err)
	}
	defer rows.Close()

	var statuses []Status
	for rows.Next() {
		var st Status
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// AdvanceCursor moves the cursor past the given position and records when the
// step resolved. The WHERE clause makes it a compare-and-swap: a duplicate
// advance for the same position is a no-op.
func (s *Store) AdvanceCursor(ctx context.Context, id uuid.UUID, fromCursor int, resolvedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_enrollments
		SET cursor = $2 + 1, last_resolved_at = $3, updated_at = NOW()
		WHERE id = $1 AND cursor = $2 AND status = 'active'
	`, id, fromCursor, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCompleted terminates an enrollment whose cursor passed the last step.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_enrollments
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	return nil
}

// UnsubscribedEnrollment describes an enrollment cancelled by an unsubscribe,
// with enough context for scheduler cleanup and stats.
type UnsubscribedEnrollment struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	HadDispatch bool
}

// MarkUnsubscribed flips every active enrollment of the recipient to
// 'unsubscribed' (account-wide) and reports which campaigns were affected.
func (s *Store) MarkUnsubscribed(ctx context.Context, recipientID uuid.UUID) ([]UnsubscribedEnrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE campaign_enrollments e
		SET status = 'unsubscribed', updated_at = NOW()
		WHERE recipient_id = $1 AND status = 'active'
		RETURNING e.id, e.campaign_id,
			EXISTS (SELECT 1 FROM step_outcomes o WHERE o.enrollment_id = e.id)
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("unsubscribe enrollments: %w", err)
	}
	defer rows.Close()

	var affected []UnsubscribedEnrollment
	for rows.Next() {
		var u UnsubscribedEnrollment
		if err := rows.Scan(&u.ID, &u.CampaignID, &u.HadDispatch); err != nil {
			return nil, err
		}
		affected = append(affected, u)
	}
	return affected, rows.Err()
}

// InsertOutcome records a dispatch attempt exactly once per (enrollment,
// step). A duplicate insert is reported, not an error, so at-least-once
// work delivery cannot double-send.
func (s *Store) InsertOutcome(ctx context.Context, o *Outcome) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_outcomes (enrollment_id, step_id, dispatched_at, delivery_state, provider_message_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (enrollment_id, step_id) DO NOTHING
	`, o.EnrollmentID, o.StepID, o.DispatchedAt, o.DeliveryState, o.ProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("insert outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EngagementUpdate is the result of applying a provider callback.
type EngagementUpdate struct {
	CampaignID   uuid.UUID
	EnrollmentID uuid.UUID
	StepID       string
	Changed      bool
}

// ApplyEngagement applies an opened/clicked callback by provider message id.
// The update is monotonic: a flag already set stays set and Changed=false, so
// repeated callbacks count once in the stats.
func (s *Store) ApplyEngagement(ctx context.Context, providerMessageID string, kind EngagementKind, at time.Time) (*EngagementUpdate, error) {
	var column string
	switch kind {
	case EngagementOpened:
		column = "opened"
	case EngagementClicked:
		column = "clicked"
	default:
		return nil, fmt.Errorf("unknown engagement kind %q", kind)
	}

	var upd EngagementUpdate
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE step_outcomes o
		SET %[1]s = TRUE, %[1]s_at = COALESCE(o.%[1]s_at, $2), updated_at = NOW()
		FROM campaign_enrollments e
		WHERE o.provider_message_id = $1 AND o.%[1]s = FALSE AND e.id = o.enrollment_id
		RETURNING e.campaign_id, o.enrollment_id, o.step_id
	`, column), providerMessageID, at).Scan(&upd.CampaignID, &upd.EnrollmentID, &upd.StepID)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the message id is unknown or the flag was already set.
		return &EngagementUpdate{Changed: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("apply engagement: %w", err)
	}
	upd.Changed = true
	return &upd, nil
}

// UpdateDeliveryState upgrades an outcome's delivery state from 'sent' when
// the provider confirms delivery or reports a bounce. States already past
// 'sent' are left alone, so replayed provider events are no-ops.
func (s *Store) UpdateDeliveryState(ctx context.Context, providerMessageID string, state DeliveryState) (*EngagementUpdate, error) {
	var upd EngagementUpdate
	err := s.db.QueryRowContext(ctx, `
		UPDATE step_outcomes o
		SET delivery_state = $2, updated_at = NOW()
		FROM campaign_enrollments e
		WHERE o.provider_message_id = $1 AND o.delivery_state = 'sent' AND e.id = o.enrollment_id
		RETURNING e.campaign_id, o.enrollment_id, o.step_id
	`, providerMessageID, state).Scan(&upd.CampaignID, &upd.EnrollmentID, &upd.StepID)
	if errors.Is(err, sql.ErrNoRows) {
		return &EngagementUpdate{Changed: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update delivery state: %w", err)
	}
	upd.Changed = true
	return &upd, nil
}

// PendingWork is the durable projection the scheduler rebuild reads: one row
// per active enrollment, pointing at its next step.
type PendingWork struct {
	EnrollmentID   uuid.UUID
	CampaignID     uuid.UUID
	Cursor         int
	LastResolvedAt time.Time
}

// ListActive returns all active enrollments for schedule reconstruction.
func (s *Store) ListActive(ctx context.Context) ([]PendingWork, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, cursor, last_resolved_at
		FROM campaign_enrollments WHERE status = 'active'
		ORDER BY last_resolved_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active enrollments: %w", err)
	}
	defer rows.Close()

	var work []PendingWork
	for rows.Next() {
		var w PendingWork
		if err := rows.Scan(&w.EnrollmentID, &w.CampaignID, &w.Cursor, &w.LastResolvedAt); err != nil {
			return nil, err
		}
		work = append(work, w)
	}
	return work, rows.Err()
}

// GetRecipient loads the recipient projection used for rendering.
func (s *Store) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	var (
		r         Recipient
		attrsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, attributes FROM recipients WHERE id = $1
	`, id).Scan(&r.ID, &r.Email, &r.FirstName, &r.LastName, &attrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &r.Attributes); err != nil {
			return nil, fmt.Errorf("recipient %s: bad attributes: %w", r.ID, err)
		}
	}
	return &r, nil
}

// FindByCampaignRecipient returns the newest enrollment for the pair, with
// outcomes. Debug surface for the admin panel.
func (s *Store) FindByCampaignRecipient(ctx context.Context, campaignID, recipientID uuid.UUID) (*Enrollment, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM campaign_enrollments
		WHERE campaign_id = $1 AND recipient_id = $2
		ORDER BY enrolled_at DESC LIMIT 1
	`, campaignID, recipientID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return s.Get(ctx, id)
}
