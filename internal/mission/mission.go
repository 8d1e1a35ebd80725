// Package mission holds named plan templates that operators and event
// pipelines can instantiate without going through the planner.
package mission

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rahul/missionctl/internal/plan"
	"gopkg.in/yaml.v3"
)

//go:embed missions.yaml
var defaultMissions []byte

// ErrUnknownMission is returned when no template has the requested name.
var ErrUnknownMission = errors.New("unknown mission")

// MissingVarError reports a ${var} reference with no value supplied.
type MissingVarError struct {
	Mission string
	Var     string
}

func (e *MissingVarError) Error() string {
	return fmt.Sprintf("mission %s: variable %q is not set", e.Mission, e.Var)
}

type StepTemplate struct {
	ID        string         `yaml:"id" json:"id"`
	Connector string         `yaml:"connector" json:"connector"`
	Action    string         `yaml:"action" json:"action"`
	Params    map[string]any `yaml:"params" json:"params,omitempty"`
}

type Template struct {
	Name        string         `yaml:"-" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Goal        string         `yaml:"goal" json:"goal"`
	Steps       []StepTemplate `yaml:"steps" json:"steps"`
}

type file struct {
	Missions map[string]Template `yaml:"missions"`
}

// Catalog is a concurrency-safe set of templates keyed by name.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string]Template)}
}

// Default returns a catalog seeded with the built-in templates.
func Default() *Catalog {
	c, err := Parse(defaultMissions)
	if err != nil {
		panic(fmt.Sprintf("mission: built-in templates: %v", err))
	}
	return c
}

// Parse decodes a YAML document of the form `missions: {name: template}`.
func Parse(data []byte) (*Catalog, error) {
	c := NewCatalog()
	if err := c.merge(data); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile merges the templates in path into c, replacing same-named ones.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("mission: read %s: %w", path, err)
	}
	if err := c.merge(data); err != nil {
		return fmt.Errorf("mission: %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (c *Catalog) merge(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("mission: document is empty")
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("mission: decode: %w", err)
	}
	for name, t := range f.Missions {
		if err := c.Add(name, t); err != nil {
			return err
		}
	}
	return nil
}

// Add registers t under name after checking its structure.
func (c *Catalog) Add(name string, t Template) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("mission: template name is required")
	}
	t.Name = name
	if strings.TrimSpace(t.Goal) == "" {
		return fmt.Errorf("mission %s: goal is required", name)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("mission %s: at least one step is required", name)
	}
	for i, s := range t.Steps {
		if s.Connector == "" || s.Action == "" {
			return fmt.Errorf("mission %s: step %d needs connector and action", name, i+1)
		}
	}
	c.mu.Lock()
	c.templates[name] = t
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Get(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for n := range c.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named template into a fresh PENDING plan.
func (c *Catalog) Build(name string, vars map[string]string, now time.Time) (*plan.Plan, error) {
	t, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMission, name)
	}
	return t.Build(vars, now)
}

// Build expands ${var} references in the goal and in every string param,
// including those nested in lists and maps.
func (t Template) Build(vars map[string]string, now time.Time) (*plan.Plan, error) {
	goal, err := t.expand(t.Goal, vars)
	if err != nil {
		return nil, err
	}
	specs := make([]plan.StepSpec, 0, len(t.Steps))
	for _, s := range t.Steps {
		params, err := t.expandValue(s.Params, vars)
		if err != nil {
			return nil, err
		}
		m, _ := params.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		specs = append(specs, plan.StepSpec{ID: s.ID, Connector: s.Connector, Action: s.Action, Params: m})
	}
	p := plan.New(goal, specs, now)
	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("mission %s: %w", t.Name, err)
	}
	p.Metadata = map[string]string{"mission": t.Name}
	return p, nil
}

func (t Template) expand(s string, vars map[string]string) (string, error) {
	var missing string
	out := os.Expand(s, func(key string) string {
		v, ok := vars[key]
		if !ok && missing == "" {
			missing = key
		}
		return v
	})
	if missing != "" {
		return "", &MissingVarError{Mission: t.Name, Var: missing}
	}
	return out, nil
}

func (t Template) expandValue(v any, vars map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		return t.expand(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			e, err := t.expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			e, err := t.expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	default:
		return v, nil
	}
}
