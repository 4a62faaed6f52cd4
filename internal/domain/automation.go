package domain

import "time"

type TriggerKind string

const (
	TriggerKindCommand  TriggerKind = "command"
	TriggerKindEvent    TriggerKind = "event"
	TriggerKindSchedule TriggerKind = "schedule"
)

// TriggerSpec is a closed tagged variant: exactly one of the kind-specific
// fields is meaningful, selected by Kind.
type TriggerSpec struct {
	Kind TriggerKind

	Command string // Kind == command: command name

	EventPattern string // Kind == event: event type pattern, e.g. "mail.*"

	CronExpression string // Kind == schedule
	Timezone       string // IANA timezone, defaults to UTC
}

// Automation is an immutable definition. Redefinition replaces the whole
// record; nothing mutates an Automation in place.
type Automation struct {
	ID      string // canonical name, e.g. "habit-tracker"
	Name    string
	Trigger TriggerSpec

	// Program names the registered logic implementation driven by the
	// execution engine.
	Program string

	// Config is user-supplied configuration passed to every run.
	Config map[string]string

	CreatedAt time.Time
}
