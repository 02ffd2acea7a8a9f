// Package skill holds the registry of executable skills.
//
// A skill is registered with a name, JSON schemas for its input and output, and
// a factory that produces an executable instance. The registry compiles the
// schemas once at registration; validation policy is decided by the caller.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenticverz/agenticverz/internal/failure"
)

// Skill executes one step. Errors are classified by the gate: wrap them with
// failure.Permanent when retrying cannot help.
type Skill interface {
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Func adapts a plain function to Skill.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

func (f Func) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

// Metered is implemented by skill instances that know their realized cost
// after Execute returns. Instances that are not Metered are charged their
// estimate.
type Metered interface {
	Usage() (cost, tokens int64)
}

// Factory produces a Skill instance for one invocation.
type Factory func() (Skill, error)

// Definition describes a skill at registration time. Nil schemas accept any
// object.
type Definition struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	New          Factory
}

// Entry is a registered skill with compiled schemas.
type Entry struct {
	Definition
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// ValidateInput checks params against the input schema.
func (e *Entry) ValidateInput(params map[string]any) error {
	return validate(e.input, params)
}

// ValidateOutput checks out against the output schema.
func (e *Entry) ValidateOutput(out map[string]any) error {
	return validate(e.output, out)
}

// Instantiate calls the factory.
func (e *Entry) Instantiate() (Skill, error) {
	s, err := e.New()
	if err != nil {
		return nil, fmt.Errorf("skill %s: instantiate: %w", e.Name, err)
	}
	return s, nil
}

// Registry maps skill names to entries. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: map[string]*Entry{}}
}

// Register compiles def's schemas and adds it, replacing any skill of the same name.
func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("skill: register: empty name")
	}
	if def.New == nil {
		return fmt.Errorf("skill %s: missing factory", def.Name)
	}
	in, err := compileSchema(def.Name+".input.json", def.InputSchema)
	if err != nil {
		return fmt.Errorf("skill %s: input schema: %w", def.Name, err)
	}
	out, err := compileSchema(def.Name+".output.json", def.OutputSchema)
	if err != nil {
		return fmt.Errorf("skill %s: output schema: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[def.Name] = &Entry{Definition: def, input: in, output: out}
	return nil
}

// Lookup returns the entry for name or a SKILL_NOT_FOUND failure.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.skills[name]
	if !ok {
		return nil, failure.SkillNotFound(name)
	}
	return e, nil
}

// Names returns the registered skill names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for n := range r.skills {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

func validate(s *jsonschema.Schema, v map[string]any) error {
	if v == nil {
		v = map[string]any{}
	}
	// Round-trip so Go numeric types reach the validator as JSON numbers.
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
