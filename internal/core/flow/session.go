package flow

import (
	"encoding/json"
	"fmt"
)

// Session walks a flow definition, accumulating validated values.
// Not safe for concurrent use; each form fill gets its own session.
type Session struct {
	def     *Definition
	current string
	values  map[string]string
	done    bool
}

// NewSession starts a session at the definition's start step.
func NewSession(def *Definition) *Session {
	return &Session{
		def:     def,
		current: def.Start,
		values:  make(map[string]string),
	}
}

// Current returns the step the session is waiting on. Nil once done.
func (s *Session) Current() *Step {
	if s.done {
		return nil
	}
	step, _ := s.def.Step(s.current)
	return step
}

// Done reports whether the session has passed the terminal step.
func (s *Session) Done() bool {
	return s.done
}

// Submit validates the values for the current step and advances. All
// fields are validated so the caller gets every problem at once.
func (s *Session) Submit(values map[string]string) error {
	if s.done {
		return fmt.Errorf("flow %s already complete", s.def.Name)
	}

	step := s.Current()
	var errs []error
	for i := range step.Fields {
		field := &step.Fields[i]
		if err := field.Validate(values[field.Name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Step: step.Name, Errors: errs}
	}

	for i := range step.Fields {
		name := step.Fields[i].Name
		if v, ok := values[name]; ok && v != "" {
			s.values[name] = v
		}
	}

	if step.Next == "" {
		s.done = true
	} else {
		s.current = step.Next
	}
	return nil
}

// Payload returns the accumulated values as a JSON document, ready to
// enqueue against the definition's collection. Only valid once done.
func (s *Session) Payload() (json.RawMessage, error) {
	if !s.done {
		return nil, fmt.Errorf("flow %s not complete", s.def.Name)
	}
	return json.Marshal(s.values)
}

// ValidationError aggregates the field errors from one step submission.
type ValidationError struct {
	Step   string
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("step %s: %v", e.Step, e.Errors[0])
	}
	return fmt.Sprintf("step %s: %d invalid fields (first: %v)", e.Step, len(e.Errors), e.Errors[0])
}
