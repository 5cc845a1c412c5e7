package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/orekyuu/mcp-ide-gateway/dispatch"
)

var (
	ErrDuplicateTool     = errors.New("duplicate tool")
	ErrNotFound          = errors.New("tool not found")
	ErrSchemaViolation   = errors.New("schema violation")
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")
	ErrSealed            = errors.New("registry is sealed")
)

// SchemaError lists every way a payload failed its schema.
type SchemaError struct {
	Tool    string
	Output  bool
	Details []string
}

func (e *SchemaError) Error() string {
	which := "input"
	if e.Output {
		which = "output"
	}
	return fmt.Sprintf("schema violation: %s %s: %s", e.Tool, which, strings.Join(e.Details, ", "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaViolation }

// Registry maps tool names to descriptors. It is filled during startup and
// read-only once sealed.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	byName map[string]*Descriptor
	order  []*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds d. Names are unique; schemas are compiled here so that a bad
// schema fails startup rather than the first call.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s: missing handler", ErrInvalidDescriptor, d.Name)
	}
	switch d.Affinity {
	case 0:
		d.Affinity = dispatch.HostExclusive
	case dispatch.HostExclusive, dispatch.CallerContext:
	default:
		return fmt.Errorf("%w: %s: unknown affinity %d", ErrInvalidDescriptor, d.Name, d.Affinity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrSealed, d.Name)
	}
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}

	var err error
	if d.input, err = compileSchema(d.InputSchema); err != nil {
		return fmt.Errorf("%w: %s: input schema: %w", ErrInvalidDescriptor, d.Name, err)
	}
	if d.output, err = compileSchema(d.OutputSchema); err != nil {
		return fmt.Errorf("%w: %s: output schema: %w", ErrInvalidDescriptor, d.Name, err)
	}

	r.byName[d.Name] = d
	r.order = append(r.order, d)
	return nil
}

// MustRegister panics on error.
func (r *Registry) MustRegister(ds ...*Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Seal ends registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// Descriptors returns the tools in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	return r.order
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, d := range r.order {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) Len() int { return len(r.order) }

// Validate checks an invocation payload against the tool's input schema. A
// missing payload is validated as an empty object.
func (r *Registry) Validate(d *Descriptor, payload json.RawMessage) error {
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	details, err := validate(d.input, payload)
	if err != nil {
		return &SchemaError{Tool: d.Name, Details: []string{err.Error()}}
	}
	if len(details) > 0 {
		return &SchemaError{Tool: d.Name, Details: details}
	}
	return nil
}

// ValidateOutput checks structured output against the optional output
// schema. Tools without one accept anything.
func (r *Registry) ValidateOutput(d *Descriptor, structured any) error {
	if d.output == nil || structured == nil {
		return nil
	}
	b, err := json.Marshal(structured)
	if err != nil {
		return &SchemaError{Tool: d.Name, Output: true, Details: []string{err.Error()}}
	}
	details, err := validate(d.output, b)
	if err != nil {
		return &SchemaError{Tool: d.Name, Output: true, Details: []string{err.Error()}}
	}
	if len(details) > 0 {
		return &SchemaError{Tool: d.Name, Output: true, Details: details}
	}
	return nil
}
