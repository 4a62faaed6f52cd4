package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Nurdok/spanreed/internal/domain"
)

// StepStart is the step every new run enters at.
const StepStart = "start"

// State is the per-run context threaded through every step. It is the
// serialized content of the continuation token, so everything a program
// needs across a suspension must live in State, not in closures or
// globals: resumption may happen in a different process.
type State struct {
	Step  string          `json:"step"`
	Input json.RawMessage `json:"input,omitempty"`
	Vars  map[string]any  `json:"vars,omitempty"`

	// Reply is set when the run was resumed after a suspension: the user's
	// answer, or a timeout marker if the interaction request expired.
	Reply *domain.Reply `json:"reply,omitempty"`

	// Config is the owning automation's user configuration. Injected on
	// every drive, never serialized.
	Config map[string]string `json:"-"`
}

// Var returns a string variable, "" if absent or not a string.
func (s *State) Var(key string) string {
	v, _ := s.Vars[key].(string)
	return v
}

// SetVar records a variable that survives suspension.
func (s *State) SetVar(key string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[key] = value
}

// Program is automation logic as an explicit state machine: the engine
// calls Step with the current state, and the returned Outcome names the
// next step, asks the user a question, or finishes the run. Suspension
// points are exactly the Ask outcomes, so the engine can reason about them
// without inspecting program internals. Any external call that can take
// unbounded time must itself be expressed as a suspension point.
type Program interface {
	Step(ctx context.Context, state *State) (Outcome, error)
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx context.Context, state *State) (Outcome, error)

func (f ProgramFunc) Step(ctx context.Context, state *State) (Outcome, error) {
	return f(ctx, state)
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeAsk
	outcomeFinish
)

// Outcome is the closed result variant of a step.
type Outcome struct {
	kind     outcomeKind
	next     string
	prompt   json.RawMessage
	surfaces []string
	ttl      time.Duration
	result   json.RawMessage
}

// Continue proceeds to the named step without suspending.
func Continue(nextStep string) Outcome {
	return Outcome{kind: outcomeContinue, next: nextStep}
}

// Ask suspends the run: the prompt goes out through the interaction
// broker, and the run resumes at nextStep once a reply arrives on one of
// the listed surfaces or the ttl passes.
func Ask(prompt json.RawMessage, surfaces []string, ttl time.Duration, nextStep string) Outcome {
	return Outcome{kind: outcomeAsk, prompt: prompt, surfaces: surfaces, ttl: ttl, next: nextStep}
}

// Finish completes the run with its result payload.
func Finish(result json.RawMessage) Outcome {
	return Outcome{kind: outcomeFinish, result: result}
}
