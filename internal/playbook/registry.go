package playbook

import (
	"sync"
	"time"

	"github.com/sentinelops/responder/internal/orcerr"
)

// Registry owns the playbook definitions. Definitions are immutable once
// registered; re-registering an id replaces the template for future runs
// without touching in-flight executions.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{playbooks: make(map[string]*Definition)}
}

// Register validates and stores a definition.
func (r *Registry) Register(def *Definition) error {
	if def.ID == "" {
		return orcerr.Validation("playbook id is required")
	}
	if len(def.Actions) == 0 {
		return orcerr.Validation("playbook %s declares no actions", def.ID)
	}

	ids := make(map[string]bool, len(def.Actions))
	for _, a := range def.Actions {
		if a.ID == "" {
			return orcerr.Validation("playbook %s contains an action without an id", def.ID)
		}
		if ids[a.ID] {
			return orcerr.Validation("playbook %s declares action %s twice", def.ID, a.ID)
		}
		ids[a.ID] = true
	}
	for _, a := range def.Actions {
		for _, dep := range a.DependsOn {
			if !ids[dep] {
				return orcerr.Validation("playbook %s action %s depends on unknown action %s", def.ID, a.ID, dep)
			}
		}
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbooks[def.ID] = def
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.playbooks[id]
	if !ok {
		return nil, orcerr.NotFound("playbook", id)
	}
	return def, nil
}

// List returns all registered definitions.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.playbooks))
	for _, def := range r.playbooks {
		out = append(out, def)
	}
	return out
}
