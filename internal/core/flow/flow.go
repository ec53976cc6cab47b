// Package flow is a small engine for multi-step form flows: a YAML
// definition declares steps, fields, and routing; a Session walks a
// definition validating submitted values and produces the final payload.
package flow

import (
	"fmt"
	"net/mail"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// Field is one input within a step.
type Field struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Format   string `yaml:"format"`     // "", "email", "url", or "regex"
	Pattern  string `yaml:"pattern"`    // regex source when Format is "regex"
	MinLen   int    `yaml:"min_length"` // 0 means no minimum
	MaxLen   int    `yaml:"max_length"` // 0 means no maximum

	compiled *regexp.Regexp
}

// Step is one screen of a flow.
type Step struct {
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
	Next   string  `yaml:"next"` // empty on the terminal step
}

// Definition is a complete flow loaded from YAML.
type Definition struct {
	Name       string `yaml:"name"`
	Collection string `yaml:"collection"` // where the final payload is enqueued
	Start      string `yaml:"start"`
	Steps      []Step `yaml:"steps"`

	byName map[string]*Step
}

// LoadFile loads and validates a flow definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return Load(data)
}

// Load parses and validates a flow definition.
func Load(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("invalid flow %q: %w", def.Name, err)
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("missing name")
	}
	if d.Collection == "" {
		return fmt.Errorf("missing collection")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("no steps")
	}

	d.byName = make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if _, dup := d.byName[step.Name]; dup {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		d.byName[step.Name] = step

		for j := range step.Fields {
			if err := step.Fields[j].compile(); err != nil {
				return fmt.Errorf("step %q field %q: %w", step.Name, step.Fields[j].Name, err)
			}
		}
	}

	if d.Start == "" {
		d.Start = d.Steps[0].Name
	}
	if _, ok := d.byName[d.Start]; !ok {
		return fmt.Errorf("start step %q not found", d.Start)
	}

	// Every route must land on a declared step, and the flow must be
	// able to terminate.
	terminal := false
	for _, step := range d.Steps {
		if step.Next == "" {
			terminal = true
			continue
		}
		if _, ok := d.byName[step.Next]; !ok {
			return fmt.Errorf("step %q routes to unknown step %q", step.Name, step.Next)
		}
		if step.Next == step.Name {
			return fmt.Errorf("step %q routes to itself", step.Name)
		}
	}
	if !terminal {
		return fmt.Errorf("no terminal step")
	}

	return nil
}

func (f *Field) compile() error {
	if f.Name == "" {
		return fmt.Errorf("missing field name")
	}
	switch f.Format {
	case "", "email", "url":
	case "regex":
		if f.Pattern == "" {
			return fmt.Errorf("regex format requires a pattern")
		}
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("bad pattern: %w", err)
		}
		f.compiled = re
	default:
		return fmt.Errorf("unknown format %q", f.Format)
	}
	if f.MaxLen > 0 && f.MinLen > f.MaxLen {
		return fmt.Errorf("min_length exceeds max_length")
	}
	return nil
}

var urlRe = regexp.MustCompile(`^https?://[^\s]+$`)

// Validate checks a submitted value against the field's rules.
func (f *Field) Validate(value string) error {
	if value == "" {
		if f.Required {
			return fmt.Errorf("%s is required", f.Name)
		}
		return nil
	}
	if f.MinLen > 0 && len(value) < f.MinLen {
		return fmt.Errorf("%s must be at least %d characters", f.Name, f.MinLen)
	}
	if f.MaxLen > 0 && len(value) > f.MaxLen {
		return fmt.Errorf("%s must be at most %d characters", f.Name, f.MaxLen)
	}

	switch f.Format {
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("%s is not a valid email", f.Name)
		}
	case "url":
		if !urlRe.MatchString(value) {
			return fmt.Errorf("%s is not a valid URL", f.Name)
		}
	case "regex":
		if !f.compiled.MatchString(value) {
			return fmt.Errorf("%s has an invalid format", f.Name)
		}
	}
	return nil
}

// Step returns a step by name.
func (d *Definition) Step(name string) (*Step, bool) {
	s, ok := d.byName[name]
	return s, ok
}
