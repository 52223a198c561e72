// Package catalog is the process-wide registry of node types: every kernel
// package registers one Entry from its init(), and both the controller
// (for schema validation and the type picker) and the worker subcommand
// (to actually construct a Kernel to run) read from the same registry.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/worker"
)

// Entry describes one node type available in the graph.
type Entry struct {
	TypeID   string
	Datatype models.Datatype
	Schema   []models.ParamDescriptor
	New      func() worker.Kernel
}

var (
	mu       sync.RWMutex
	entries  = make(map[string]Entry)
)

// Register adds e to the catalog. Panics on a duplicate TypeID, since that
// can only happen from a programming error (two kernel packages claiming
// the same name) discovered at process startup via init().
func Register(e Entry) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := entries[e.TypeID]; exists {
		panic(fmt.Sprintf("catalog: duplicate registration for type %q", e.TypeID))
	}
	entries[e.TypeID] = e
}

// Get looks up a type by ID.
func Get(typeID string) (Entry, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := entries[typeID]
	return e, ok
}

// All returns every registered entry, sorted by TypeID for deterministic
// iteration (the controller's AvailableTypes and the frontend's type
// picker both depend on stable ordering).
func All() []Entry {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}
