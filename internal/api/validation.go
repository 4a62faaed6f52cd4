package api

import (
	"fmt"
	"time"

	"github.com/Nurdok/spanreed/internal/domain"
)

// validateRegisterAutomation checks request shape. The registry is the
// authority on trigger semantics (cron syntax included); this only rejects
// requests that are structurally incomplete, so callers get a clean 400
// with a field-level message.
func validateRegisterAutomation(req RegisterAutomationRequest) error {
	if req.ID == "" {
		return fmt.Errorf("id is required")
	}
	if req.Program == "" {
		return fmt.Errorf("program is required")
	}

	switch domain.TriggerKind(req.Trigger.Kind) {
	case domain.TriggerKindCommand:
		if req.Trigger.Command == "" {
			return fmt.Errorf("trigger.command is required for command triggers")
		}
	case domain.TriggerKindEvent:
		if req.Trigger.EventPattern == "" {
			return fmt.Errorf("trigger.event_pattern is required for event triggers")
		}
	case domain.TriggerKindSchedule:
		if req.Trigger.CronExpression == "" {
			return fmt.Errorf("trigger.cron_expression is required for schedule triggers")
		}
		tz := req.Trigger.Timezone
		if tz == "" {
			tz = "UTC"
		}
		if err := validateTimezone(tz); err != nil {
			return fmt.Errorf("invalid trigger.timezone: %w", err)
		}
	default:
		return fmt.Errorf("trigger.kind must be one of command, event, schedule")
	}

	return nil
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}

// validRunStatus reports whether s names a run status usable as a list
// filter. Empty means no filter.
func validRunStatus(s string) bool {
	switch domain.RunStatus(s) {
	case "", domain.RunStatusPending, domain.RunStatusRunning,
		domain.RunStatusWaitingForInput, domain.RunStatusCompleted,
		domain.RunStatusFailed, domain.RunStatusCancelled:
		return true
	}
	return false
}
