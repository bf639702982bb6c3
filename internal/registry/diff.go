package registry

import (
	"sort"

	"github.com/luki/weathersensors/internal/sensor"
)

// ChangedFields returns, sorted, the names of incoming fields whose value
// differs from the stored one or that were not stored before. Comparison is
// exact; 21.0 and 21.00001 differ.
func ChangedFields(stored, incoming sensor.Data) []string {
	var changed []string
	for name, v := range incoming {
		old, ok := stored[name]
		if !ok || !sameValue(old, v) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// sameValue compares normalised scalars. Anything else is reported as
// different rather than risking a panic on an uncomparable type.
func sameValue(a, b any) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case nil:
		return b == nil
	default:
		return false
	}
}
