package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Handler executes one tool. Returning an error produces a failed
// result carrying the error text.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Registry is a static in-process Provider. Register all tools before
// handing the registry to a session; the catalog is immutable from the
// session's point of view.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(def Definition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.handlers[def.Name] = h
}

// Definitions returns the catalog sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a registered handler. Unknown names yield a failed
// result; handler errors become failed results carrying the error text.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return Err("unknown tool: " + name)
	}
	out, err := h(ctx, args)
	if err != nil {
		return Err(err.Error())
	}
	return Ok(out)
}

// Suggest returns the closest catalog name within a small edit distance,
// for diagnostics on unknown-tool dispatches.
func Suggest(defs []Definition, name string) (string, bool) {
	best := ""
	bestDist := 4 // anything further is noise
	for _, d := range defs {
		if dist := levenshtein.ComputeDistance(name, d.Name); dist < bestDist {
			best, bestDist = d.Name, dist
		}
	}
	return best, best != ""
}
