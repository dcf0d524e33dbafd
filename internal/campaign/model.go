// Package campaign holds the authored campaign definitions the engine
// executes. Definitions are written by the admin panel and are read-only
// here; the engine treats them as immutable values.
package campaign

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType identifies the business event that enrolls a recipient.
type TriggerType string

const (
	TriggerMarathonEnrollment TriggerType = "marathon_enrollment"
	TriggerMarathonStart      TriggerType = "marathon_start"
	TriggerMarathonDay        TriggerType = "marathon_day"
	TriggerMarathonCompletion TriggerType = "marathon_completion"
	TriggerPremiumPurchase    TriggerType = "premium_purchase"
	TriggerDailyProgress      TriggerType = "daily_progress"
	TriggerManual             TriggerType = "manual"
)

var knownTriggers = map[TriggerType]bool{
	TriggerMarathonEnrollment: true,
	TriggerMarathonStart:      true,
	TriggerMarathonDay:        true,
	TriggerMarathonCompletion: true,
	TriggerPremiumPurchase:    true,
	TriggerDailyProgress:      true,
	TriggerManual:             true,
}

// KnownTrigger reports whether t is a trigger type the engine understands.
func KnownTrigger(t TriggerType) bool {
	return knownTriggers[t]
}

// ReenrollsCompleted reports whether a trigger of this type may re-enroll a
// recipient whose previous enrollment already completed. Automatic triggers
// never do; manual sends from the admin panel may repeat.
func (t TriggerType) ReenrollsCompleted() bool {
	return t == TriggerManual
}

// Trigger is the event type plus optional filters that start a campaign.
type Trigger struct {
	Type       TriggerType `json:"type"`
	MarathonID *uuid.UUID  `json:"marathonId,omitempty"`
	DayNumber  *int        `json:"dayNumber,omitempty"`
}

// DelayUnit is the unit of a step delay.
type DelayUnit string

const (
	DelayHours DelayUnit = "hours"
	DelayDays  DelayUnit = "days"
)

// Delay is the wait between the previous step resolving and this step
// becoming due.
type Delay struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

// Duration converts the delay to a time.Duration. Unknown units are treated
// as hours; validation rejects them before they reach execution.
func (d Delay) Duration() time.Duration {
	switch d.Unit {
	case DelayDays:
		return time.Duration(d.Amount) * 24 * time.Hour
	default:
		return time.Duration(d.Amount) * time.Hour
	}
}

// ConditionType is the branch condition kind for a step.
type ConditionType string

const (
	ConditionAll       ConditionType = "all"
	ConditionOpened    ConditionType = "opened"
	ConditionClicked   ConditionType = "clicked"
	ConditionNotOpened ConditionType = "not_opened"
)

// Condition gates a step on the recorded outcome of an earlier step.
// StepID is an explicit reference, never positional, so reordering steps in
// the editor cannot silently change what a condition means.
type Condition struct {
	Type   ConditionType `json:"type"`
	StepID string        `json:"stepId"`
}

// Step is one template + delay + optional branch condition.
type Step struct {
	ID         string     `json:"id"`
	TemplateID uuid.UUID  `json:"templateId"`
	Delay      Delay      `json:"delay"`
	Condition  *Condition `json:"condition,omitempty"`
}

// Campaign is an authored definition: trigger, ordered steps, active flag.
type Campaign struct {
	ID          uuid.UUID
	Name        string
	Description string
	Trigger     Trigger
	Steps       []Step
	IsActive    bool
}

// StepIndex returns the position of the step with the given id, or -1.
func (c *Campaign) StepIndex(stepID string) int {
	for i := range c.Steps {
		if c.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// StepByID returns the step with the given id.
func (c *Campaign) StepByID(stepID string) (Step, bool) {
	if i := c.StepIndex(stepID); i >= 0 {
		return c.Steps[i], true
	}
	return Step{}, false
}
