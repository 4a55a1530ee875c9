package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/procura/model"
)

// snapshot is an immutable collection of definitions indexed by name and
// by URL path segment.
type snapshot struct {
	byName   map[string]model.ResourceDefinition
	byPath   map[string]model.ResourceDefinition
	names    []string
	checksum string
}

// Registry is a read-optimized, thread-safe store of loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.ResourceDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.ResourceDefinition) {
	s := &snapshot{
		byName: make(map[string]model.ResourceDefinition, len(defs)),
		byPath: make(map[string]model.ResourceDefinition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		s.byName[def.Name] = def
		s.byPath[def.Path] = def
		s.names = append(s.names, def.Name)
		checksumParts = append(checksumParts, def.Checksum)
	}
	sort.Strings(s.names)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition with the given name.
func (r *Registry) Get(name string) (model.ResourceDefinition, bool) {
	d, ok := r.current().byName[name]
	return d, ok
}

// ByPath returns the definition mounted at the given URL path segment.
func (r *Registry) ByPath(path string) (model.ResourceDefinition, bool) {
	d, ok := r.current().byPath[path]
	return d, ok
}

// All returns every definition ordered by name.
func (r *Registry) All() []model.ResourceDefinition {
	s := r.current()
	defs := make([]model.ResourceDefinition, 0, len(s.names))
	for _, n := range s.names {
		defs = append(defs, s.byName[n])
	}
	return defs
}

// Len returns the number of loaded definitions.
func (r *Registry) Len() int {
	return len(r.current().names)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
