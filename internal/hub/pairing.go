package hub

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/sensor"
)

// Pairing is a device the host had paired before this process started.
type Pairing struct {
	ID     string         `json:"id"` // sensor key, protocol:id:channel
	Handle binding.Handle `json:"handle"`
	Name   string         `json:"name"`
}

// LoadPairings reads a JSON array of pairings.
func LoadPairings(path string) ([]Pairing, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairings: %w", err)
	}
	var list []Pairing
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse pairings %s: %w", path, err)
	}
	return list, nil
}

// Restore pairs every previously paired device, skipping entries whose
// sensor key cannot be parsed. It returns how many were restored.
func (h *Hub) Restore(pairings []Pairing) int {
	n := 0
	for _, p := range pairings {
		id, err := sensor.ParseKey(p.ID)
		if err != nil {
			h.log.Warn("skipping pairing", "id", p.ID, "error", err)
			continue
		}
		handle := p.Handle
		if handle == "" {
			handle = binding.Handle(p.ID)
		}
		h.PairConsumer(id, handle, p.Name)
		n++
	}
	return n
}
