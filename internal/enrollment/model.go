// Package enrollment owns the per-recipient execution state of a campaign:
// the enrollment lifecycle, per-step outcomes, and the Tracker through which
// every mutation flows.
package enrollment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an enrollment.
type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusUnsubscribed Status = "unsubscribed"
	StatusCancelled    Status = "cancelled"
)

// DeliveryState is the terminal transport result for a dispatched step.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryBounced   DeliveryState = "bounced"
	DeliveryFailed    DeliveryState = "failed"
)

// Enrollment is one recipient's progress through one campaign.
// Cursor is the index of the next step to evaluate; LastResolvedAt is the
// time the previous step resolved and is the base for the next due time.
type Enrollment struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	RecipientID    uuid.UUID
	Status         Status
	Cursor         int
	EnrolledAt     time.Time
	LastResolvedAt time.Time
	CompletedAt    *time.Time

	// Outcomes is keyed by step id. Populated by Store.Get.
	Outcomes map[string]*Outcome
}

// Outcome is the recorded result of one dispatched step. It is written once
// at dispatch time and then only monotonically extended by engagement
// callbacks: opened/clicked flip to true and never back.
type Outcome struct {
	EnrollmentID      uuid.UUID
	StepID            string
	DispatchedAt      time.Time
	DeliveryState     DeliveryState
	ProviderMessageID string
	Opened            bool
	OpenedAt          *time.Time
	Clicked           bool
	ClickedAt         *time.Time
}

// Recipient is the engine's read-only projection of a platform user.
type Recipient struct {
	ID         uuid.UUID
	Email      string
	FirstName  string
	LastName   string
	Attributes map[string]interface{}
}

// EngagementKind is the type of an asynchronous engagement callback.
type EngagementKind string

const (
	EngagementOpened  EngagementKind = "opened"
	EngagementClicked EngagementKind = "clicked"
)
