// Package catalog provides the ApiCatalog collaborator interface the
// orchestrator uses to resolve a PlannedAction's ActionDefinitionID into
// its registered ActionDefinition, plus a static in-memory implementation.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jordigilh/actionrunner/pkg/action"
)

// ApiCatalog looks up registered action definitions by ID. Production
// deployments typically back this with a config-file loader or a
// database-backed registry; this package only ships the static
// in-memory form used by tests and simple deployments.
type ApiCatalog interface {
	Get(ctx context.Context, id string) (*action.ActionDefinition, error)
}

// ErrNotFound is returned by StaticCatalog.Get for an unregistered ID.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("catalog: action definition %q not registered", e.ID) }

// StaticCatalog holds a fixed set of ActionDefinitions, typically loaded
// once at startup from YAML config.
type StaticCatalog struct {
	mu          sync.RWMutex
	definitions map[string]action.ActionDefinition
}

// NewStaticCatalog constructs a StaticCatalog from a slice of definitions.
func NewStaticCatalog(defs []action.ActionDefinition) *StaticCatalog {
	c := &StaticCatalog{definitions: make(map[string]action.ActionDefinition, len(defs))}
	for _, d := range defs {
		c.definitions[d.ID] = d
	}
	return c
}

func (c *StaticCatalog) Get(ctx context.Context, id string) (*action.ActionDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return &def, nil
}

// Register adds or replaces a definition at runtime.
func (c *StaticCatalog) Register(def action.ActionDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[def.ID] = def
}

// configDocument is the on-disk shape a catalog config file loads into.
type configDocument struct {
	Actions []action.ActionDefinition `yaml:"actions"`
}

// LoadFromYAML parses a catalog config document (a top-level "actions"
// list) into a StaticCatalog.
func LoadFromYAML(raw []byte) (*StaticCatalog, error) {
	var doc configDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse config: %w", err)
	}
	return NewStaticCatalog(doc.Actions), nil
}
