// Package registry holds automation definitions and their trigger specs.
// It is pure lookup: registering an automation never starts anything.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Nurdok/spanreed/internal/domain"
)

var (
	ErrDuplicateID    = errors.New("registry: automation id already registered")
	ErrNotFound       = errors.New("registry: automation not found")
	ErrInvalidTrigger = errors.New("registry: invalid trigger spec")
)

// CronValidator rejects malformed schedule expressions at registration
// time, so a bad expression can never reach the trigger engine.
type CronValidator interface {
	Validate(expression string, timezone string) error
}

type Registry struct {
	mu          sync.RWMutex
	automations map[string]domain.Automation
	validator   CronValidator
	clock       func() time.Time
}

func New(validator CronValidator) *Registry {
	return &Registry{
		automations: make(map[string]domain.Automation),
		validator:   validator,
		clock:       time.Now,
	}
}

// Register adds a new automation. The id must be unused; redefinition goes
// through Replace so the caller states its intent explicitly.
func (r *Registry) Register(a domain.Automation) error {
	if err := r.validateSpec(a); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.automations[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
	}

	a.CreatedAt = r.clock().UTC()
	r.automations[a.ID] = a
	return nil
}

// Replace swaps the definition under an existing id. The old definition is
// discarded whole; Automation values are never mutated in place.
func (r *Registry) Replace(a domain.Automation) error {
	if err := r.validateSpec(a); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.automations[a.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}

	a.CreatedAt = old.CreatedAt
	r.automations[a.ID] = a
	return nil
}

func (r *Registry) Get(id string) (domain.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.automations[id]
	if !ok {
		return domain.Automation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.automations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.automations, id)
	return nil
}

// List returns automations sorted by id. kind == "" lists everything.
func (r *Registry) List(kind domain.TriggerKind) []domain.Automation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Automation
	for _, a := range r.automations {
		if kind != "" && a.Trigger.Kind != kind {
			continue
		}
		result = append(result, a)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FindByCommand returns the automation whose command trigger matches name.
func (r *Registry) FindByCommand(name string) (domain.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.automations {
		if a.Trigger.Kind == domain.TriggerKindCommand && a.Trigger.Command == name {
			return a, nil
		}
	}
	return domain.Automation{}, fmt.Errorf("%w: command %q", ErrNotFound, name)
}

func (r *Registry) validateSpec(a domain.Automation) error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTrigger)
	}
	if a.Program == "" {
		return fmt.Errorf("%w: automation %s has no program", ErrInvalidTrigger, a.ID)
	}

	switch a.Trigger.Kind {
	case domain.TriggerKindCommand:
		if a.Trigger.Command == "" {
			return fmt.Errorf("%w: automation %s: empty command name", ErrInvalidTrigger, a.ID)
		}
	case domain.TriggerKindEvent:
		if a.Trigger.EventPattern == "" {
			return fmt.Errorf("%w: automation %s: empty event pattern", ErrInvalidTrigger, a.ID)
		}
	case domain.TriggerKindSchedule:
		if r.validator == nil {
			return fmt.Errorf("%w: automation %s: no cron validator configured", ErrInvalidTrigger, a.ID)
		}
		if err := r.validator.Validate(a.Trigger.CronExpression, a.Trigger.Timezone); err != nil {
			return fmt.Errorf("%w: automation %s: %v", ErrInvalidTrigger, a.ID, err)
		}
	default:
		return fmt.Errorf("%w: automation %s: unknown kind %q", ErrInvalidTrigger, a.ID, a.Trigger.Kind)
	}
	return nil
}
