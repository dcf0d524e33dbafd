package campaign

import (
	"fmt"

	"github.com/google/uuid"
)

// DefinitionError describes an invalid campaign definition. Definitions are
// validated when the authoring UI activates a campaign and again before each
// enrollment is scheduled, so a broken definition can never strand an
// enrollment mid-sequence.
type DefinitionError struct {
	CampaignID string
	StepID     string
	Message    string
}

func (e *DefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid campaign %s: step %s: %s", e.CampaignID, e.StepID, e.Message)
	}
	return fmt.Sprintf("invalid campaign %s: %s", e.CampaignID, e.Message)
}

func definitionErr(c *Campaign, stepID, format string, args ...interface{}) error {
	return &DefinitionError{
		CampaignID: c.ID.String(),
		StepID:     stepID,
		Message:    fmt.Sprintf(format, args...),
	}
}

// Validate checks a campaign definition: known trigger, at least one step,
// unique step ids, sane delays, and condition references that point strictly
// backwards (forward and self references are cycles and are rejected).
func Validate(c *Campaign) error {
	if !knownTriggers[c.Trigger.Type] {
		return definitionErr(c, "", "unknown trigger type %q", c.Trigger.Type)
	}
	if c.Trigger.DayNumber != nil && *c.Trigger.DayNumber < 1 {
		return definitionErr(c, "", "trigger day number must be >= 1, got %d", *c.Trigger.DayNumber)
	}
	if len(c.Steps) == 0 {
		return definitionErr(c, "", "campaign has no steps")
	}

	position := make(map[string]int, len(c.Steps))
	for i, step := range c.Steps {
		if step.ID == "" {
			return definitionErr(c, "", "step at position %d has no id", i)
		}
		if _, dup := position[step.ID]; dup {
			return definitionErr(c, step.ID, "duplicate step id")
		}
		position[step.ID] = i

		if step.TemplateID == uuid.Nil {
			return definitionErr(c, step.ID, "missing template id")
		}
		if step.Delay.Amount < 0 {
			return definitionErr(c, step.ID, "negative delay %d", step.Delay.Amount)
		}
		if step.Delay.Unit != DelayHours && step.Delay.Unit != DelayDays {
			return definitionErr(c, step.ID, "unknown delay unit %q", step.Delay.Unit)
		}
	}

	for i, step := range c.Steps {
		cond := step.Condition
		if cond == nil {
			continue
		}
		switch cond.Type {
		case ConditionAll, ConditionOpened, ConditionClicked, ConditionNotOpened:
		default:
			return definitionErr(c, step.ID, "unknown condition type %q", cond.Type)
		}
		if cond.Type == ConditionAll {
			continue
		}
		ref, ok := position[cond.StepID]
		if !ok {
			return definitionErr(c, step.ID, "condition references unknown step %q", cond.StepID)
		}
		if ref >= i {
			return definitionErr(c, step.ID, "condition references step %q which does not precede it", cond.StepID)
		}
	}

	return nil
}
