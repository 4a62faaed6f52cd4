package registry

import (
	"errors"
	"testing"

	"github.com/Nurdok/spanreed/internal/cron"
	"github.com/Nurdok/spanreed/internal/domain"
)

func newTestRegistry() *Registry {
	return New(cron.NewParser())
}

func commandAutomation(id, command string) domain.Automation {
	return domain.Automation{
		ID:      id,
		Name:    id,
		Program: id,
		Trigger: domain.TriggerSpec{Kind: domain.TriggerKindCommand, Command: command},
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register(commandAutomation("habit-tracker", "habit")); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	err := r.Register(commandAutomation("habit-tracker", "habit2"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("second Register() error = %v, want ErrDuplicateID", err)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_MalformedScheduleRejectedAtRegistration(t *testing.T) {
	r := newTestRegistry()

	err := r.Register(domain.Automation{
		ID:      "daily-reset",
		Program: "daily-reset",
		Trigger: domain.TriggerSpec{
			Kind:           domain.TriggerKindSchedule,
			CronExpression: "not a cron line",
		},
	})
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("Register() error = %v, want ErrInvalidTrigger", err)
	}
}

func TestRegistry_ValidateSpec(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name string
		a    domain.Automation
	}{
		{"empty id", domain.Automation{Program: "p", Trigger: domain.TriggerSpec{Kind: domain.TriggerKindCommand, Command: "c"}}},
		{"no program", domain.Automation{ID: "a", Trigger: domain.TriggerSpec{Kind: domain.TriggerKindCommand, Command: "c"}}},
		{"empty command", domain.Automation{ID: "a", Program: "p", Trigger: domain.TriggerSpec{Kind: domain.TriggerKindCommand}}},
		{"empty pattern", domain.Automation{ID: "a", Program: "p", Trigger: domain.TriggerSpec{Kind: domain.TriggerKindEvent}}},
		{"unknown kind", domain.Automation{ID: "a", Program: "p", Trigger: domain.TriggerSpec{Kind: "weird"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.a); !errors.Is(err, ErrInvalidTrigger) {
				t.Errorf("Register() error = %v, want ErrInvalidTrigger", err)
			}
		})
	}
}

func TestRegistry_ListFiltersByKind(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register(commandAutomation("b-cmd", "b")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(commandAutomation("a-cmd", "a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(domain.Automation{
		ID:      "on-mail",
		Program: "on-mail",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerKindEvent, EventPattern: "mail.*"},
	}); err != nil {
		t.Fatal(err)
	}

	cmds := r.List(domain.TriggerKindCommand)
	if len(cmds) != 2 {
		t.Fatalf("List(command) = %d automations, want 2", len(cmds))
	}
	if cmds[0].ID != "a-cmd" || cmds[1].ID != "b-cmd" {
		t.Errorf("List() not sorted by id: %v, %v", cmds[0].ID, cmds[1].ID)
	}

	all := r.List("")
	if len(all) != 3 {
		t.Errorf("List(\"\") = %d automations, want 3", len(all))
	}
}

func TestRegistry_ReplaceKeepsCreatedAt(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register(commandAutomation("a", "a")); err != nil {
		t.Fatal(err)
	}
	before, _ := r.Get("a")

	replacement := commandAutomation("a", "renamed")
	if err := r.Replace(replacement); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	after, _ := r.Get("a")
	if after.Trigger.Command != "renamed" {
		t.Errorf("Replace() did not swap definition, command = %q", after.Trigger.Command)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("Replace() changed CreatedAt: %v != %v", after.CreatedAt, before.CreatedAt)
	}

	if err := r.Replace(commandAutomation("ghost", "g")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Replace(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_FindByCommand(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register(commandAutomation("habit-tracker", "habit")); err != nil {
		t.Fatal(err)
	}

	a, err := r.FindByCommand("habit")
	if err != nil {
		t.Fatalf("FindByCommand() error = %v", err)
	}
	if a.ID != "habit-tracker" {
		t.Errorf("FindByCommand() = %q, want habit-tracker", a.ID)
	}

	if _, err := r.FindByCommand("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByCommand(missing) error = %v, want ErrNotFound", err)
	}
}
