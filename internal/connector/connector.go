package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Result is the structured outcome of a connector action.
type Result map[string]any

// Connector is the uniform adapter to an external service.
type Connector interface {
	Execute(ctx context.Context, action string, params map[string]any) (Result, error)
}

// Func adapts a plain function into a Connector.
type Func func(ctx context.Context, action string, params map[string]any) (Result, error)

func (f Func) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	return f(ctx, action, params)
}

// Action describes one operation a connector exposes to the planner.
type Action struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Describer is implemented by connectors that publish their capabilities.
type Describer interface {
	Description() string
	Actions() []Action
}

// CatalogEntry lists the actions of one registered connector.
type CatalogEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions"`
}

// Catalog is the set of valid connector+action combinations.
type Catalog []CatalogEntry

// Has reports whether connector/action is a known combination. A connector
// that publishes no actions accepts any action name.
func (c Catalog) Has(connectorName, action string) bool {
	for _, e := range c {
		if e.Name != connectorName {
			continue
		}
		if len(e.Actions) == 0 {
			return true
		}
		for _, a := range e.Actions {
			if a.Name == action {
				return true
			}
		}
		return false
	}
	return false
}

// ResolutionError is returned when a connector name is not registered.
type ResolutionError struct {
	Name string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("connector %q is not registered", e.Name)
}

// IsResolutionError reports whether err came from a failed lookup.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// Registry maps connector names to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
	}
}

// Register adds or replaces the connector stored under name.
func (r *Registry) Register(name string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[name] = c
}

// Resolve looks up a connector by its exact, case-sensitive name.
func (r *Registry) Resolve(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok || c == nil {
		return nil, &ResolutionError{Name: name}
	}
	return c, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for n := range r.connectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Catalog builds the capability catalog of every registered connector.
func (r *Registry) Catalog() Catalog {
	var cat Catalog
	for _, name := range r.Names() {
		c, err := r.Resolve(name)
		if err != nil {
			continue
		}
		entry := CatalogEntry{Name: name, Actions: []Action{}}
		if d, ok := c.(Describer); ok {
			entry.Description = d.Description()
			entry.Actions = append(entry.Actions, d.Actions()...)
		}
		cat = append(cat, entry)
	}
	return cat
}

// Close releases resources held by connectors that need it.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		c, _ := r.Resolve(name)
		if closer, ok := c.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
