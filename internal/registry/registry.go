// Package registry keeps the latest known reading of every sensor seen
// during the lifetime of the process and the display projection derived
// from it. Records are never removed.
package registry

import (
	"sync"
	"time"

	"github.com/luki/weathersensors/internal/sensor"
)

// Display is the human-facing projection of a record. It is recomputed
// from the raw reading on every change and never edited directly.
type Display struct {
	Key        string      `json:"key"`
	Protocol   string      `json:"protocol"`
	Type       string      `json:"type"`
	Name       string      `json:"name,omitempty"`
	Channel    string      `json:"channel"`
	ID         string      `json:"id"`
	Update     string      `json:"update"`
	LastUpdate time.Time   `json:"lastUpdate"`
	Data       sensor.Data `json:"data"`
	Paired     bool        `json:"paired"`
}

// Record is the stored state for one sensor.
type Record struct {
	Raw         sensor.Reading
	Display     Display
	UpdateCount int
	NewData     bool // the last update changed at least one field
}

func (r *Record) clone() Record {
	c := *r
	c.Raw.Data = r.Raw.Data.Clone()
	c.Display.Data = r.Display.Data.Clone()
	return c
}

// Summary describes a discovered sensor to a pairing flow.
type Summary struct {
	Identity sensor.Identity `json:"-"`
	Name     string          `json:"name"`
	Data     SummaryData     `json:"data"`
	Settings SummarySettings `json:"settings"`
}

type SummaryData struct {
	ID   string          `json:"id"`
	Type sensor.Category `json:"type"`
}

type SummarySettings struct {
	Protocol string `json:"protocol"`
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	ID       string `json:"id"`
	Update   string `json:"update"`
}

// PairedFunc reports whether a device is currently paired with a sensor.
type PairedFunc func(sensor.Identity) bool

// Registry maps sensor identities to records. All methods are safe for
// concurrent use; readers always get copies.
type Registry struct {
	mu      sync.RWMutex
	locale  sensor.Locale
	paired  PairedFunc
	records map[sensor.Identity]*Record
	order   []sensor.Identity // insertion order, stable for the process
}

// New creates an empty registry. paired may be nil, in which case no
// record is ever displayed as paired.
func New(locale sensor.Locale, paired PairedFunc) *Registry {
	if paired == nil {
		paired = func(sensor.Identity) bool { return false }
	}
	return &Registry{
		locale:  locale,
		paired:  paired,
		records: make(map[sensor.Identity]*Record),
	}
}

// Locale returns the display locale.
func (r *Registry) Locale() sensor.Locale { return r.locale }

// Upsert merges a reading into the record for id, creating the record on
// first sight. It returns a copy of the merged record, the sorted names of
// the fields that changed and whether the record is new. in must be non-nil.
func (r *Registry) Upsert(id sensor.Identity, in *sensor.Reading) (Record, []string, bool) {
	incoming := in.Data.Clone()
	incoming.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		rec = &Record{Raw: sensor.Reading{Data: sensor.Data{}}}
		r.records[id] = rec
		r.order = append(r.order, id)
	}

	changed := ChangedFields(rec.Raw.Data, incoming)

	merged := *in
	merged.Protocol, merged.ID, merged.Channel = id.Protocol, id.ID, id.Channel
	merged.Data = rec.Raw.Data.Clone()
	for _, name := range changed {
		merged.Data[name] = incoming[name]
	}

	rec.Raw = merged
	rec.UpdateCount++
	rec.NewData = len(changed) > 0
	rec.Display = r.derive(id, &rec.Raw)

	return rec.clone(), changed, !ok
}

// Refresh recomputes the display projection of id, e.g. after the pairing
// state changed. It reports whether a record exists.
func (r *Registry) Refresh(id sensor.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.Display = r.derive(id, &rec.Raw)
	return true
}

func (r *Registry) derive(id sensor.Identity, raw *sensor.Reading) Display {
	protocol := raw.ProtocolName
	if protocol == "" {
		protocol = raw.Protocol
	}
	return Display{
		Key:        id.Key(),
		Protocol:   protocol,
		Type:       r.locale.TypeName(raw.Type),
		Name:       raw.Name,
		Channel:    id.ChannelLabel(),
		ID:         raw.ID,
		Update:     r.locale.FormatTime(raw.LastUpdate),
		LastUpdate: raw.LastUpdate,
		Data:       raw.Data.Clone(),
		Paired:     r.paired(id),
	}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id sensor.Identity) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// FieldValue returns the stored value of one field. Unknown sensors and
// unknown fields both report false.
func (r *Registry) FieldValue(id sensor.Identity, field string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	v, ok := rec.Raw.Data[field]
	return v, ok
}

// ListByCategory returns summaries of every sensor whose type equals cat,
// in the order the sensors were first seen.
func (r *Registry) ListByCategory(cat sensor.Category) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := []Summary{}
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Raw.Type != cat {
			continue
		}
		name := rec.Raw.Name
		if name == "" {
			name = string(cat) + " " + rec.Raw.ID
		}
		typ := rec.Raw.Name
		if typ == "" {
			typ = rec.Display.Type
		}
		list = append(list, Summary{
			Identity: id,
			Name:     name,
			Data:     SummaryData{ID: id.Key(), Type: cat},
			Settings: SummarySettings{
				Protocol: rec.Display.Protocol,
				Type:     typ,
				Channel:  rec.Display.Channel,
				ID:       rec.Raw.ID,
				Update:   rec.Display.Update,
			},
		})
	}
	return list
}

// Snapshot returns the display projection of every record in first-seen
// order, taken under a single read lock.
func (r *Registry) Snapshot() []Display {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Display, 0, len(r.order))
	for _, id := range r.order {
		d := r.records[id].Display
		d.Data = d.Data.Clone()
		out = append(out, d)
	}
	return out
}

// Len returns the number of sensors seen.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
