// Package binding tracks which paired device, if any, represents each
// sensor. Bindings are keyed by the same identity as registry records but
// hold no reference to them.
package binding

import (
	"sort"
	"sync"

	"github.com/luki/weathersensors/internal/sensor"
)

// Handle is the host's opaque reference to a paired device.
type Handle string

// Binding associates a sensor with a paired device.
type Binding struct {
	Identity  sensor.Identity `json:"-"`
	Key       string          `json:"id"`
	Handle    Handle          `json:"handle"`
	Name      string          `json:"name"`
	Available bool            `json:"available"`
}

// Table holds at most one binding per sensor.
type Table struct {
	mu       sync.RWMutex
	bindings map[sensor.Identity]*Binding
}

func NewTable() *Table {
	return &Table{bindings: make(map[sensor.Identity]*Binding)}
}

// Bind registers handle for id, replacing any existing binding.
func (t *Table) Bind(id sensor.Identity, handle Handle, name string, available bool) Binding {
	b := &Binding{
		Identity:  id,
		Key:       id.Key(),
		Handle:    handle,
		Name:      name,
		Available: available,
	}
	t.mu.Lock()
	t.bindings[id] = b
	t.mu.Unlock()
	return *b
}

// Unbind removes the binding for id and returns it.
func (t *Table) Unbind(id sensor.Identity) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[id]
	if !ok {
		return Binding{}, false
	}
	delete(t.bindings, id)
	return *b, true
}

// Rename changes the display name of a binding. It is a no-op returning
// false when id is not bound.
func (t *Table) Rename(id sensor.Identity, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[id]
	if !ok {
		return false
	}
	b.Name = name
	return true
}

// Lookup returns a copy of the binding for id.
func (t *Table) Lookup(id sensor.Identity) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// IsBound reports whether a device is paired with id.
func (t *Table) IsBound(id sensor.Identity) bool {
	t.mu.RLock()
	_, ok := t.bindings[id]
	t.mu.RUnlock()
	return ok
}

// MarkAvailable flips the binding to available. The second result is true
// only for the call that performed the unavailable -> available transition.
// Availability is never reverted.
func (t *Table) MarkAvailable(id sensor.Identity) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[id]
	if !ok {
		return Binding{}, false
	}
	if b.Available {
		return *b, false
	}
	b.Available = true
	return *b, true
}

// List returns all bindings sorted by key.
func (t *Table) List() []Binding {
	t.mu.RLock()
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, *b)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of bindings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindings)
}
