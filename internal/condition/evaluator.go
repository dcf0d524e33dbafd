// Package condition decides whether a campaign step should be sent, given
// the recorded outcome of the step its branch condition references. It is
// pure: no I/O, no clock.
package condition

import (
	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
)

// ShouldSend evaluates a step's branch condition against the enrollment's
// recorded outcomes.
//
// A referenced step that was itself skipped has no outcome. That makes
// opened/clicked false (a mail never sent cannot have been opened) and
// not_opened true, which is exactly the intended branching for skipped
// predecessors.
func ShouldSend(step campaign.Step, e *enrollment.Enrollment) bool {
	cond := step.Condition
	if cond == nil || cond.Type == campaign.ConditionAll {
		return true
	}

	outcome := e.Outcomes[cond.StepID]

	switch cond.Type {
	case campaign.ConditionOpened:
		return outcome != nil && outcome.Opened
	case campaign.ConditionClicked:
		return outcome != nil && outcome.Clicked
	case campaign.ConditionNotOpened:
		return outcome == nil || !outcome.Opened
	default:
		// Unknown types are rejected by campaign.Validate; fail closed here.
		return false
	}
}
