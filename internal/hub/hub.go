// Package hub ties the sensor registry, the device bindings and the
// notification dispatcher together. It is the single owner of registry
// state: readings, pairing and renaming all go through a Hub.
package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/registry"
	"github.com/luki/weathersensors/internal/sensor"
)

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrNotPaired         = errors.New("no device paired with sensor")
)

// Options configures a Hub.
type Options struct {
	Locale      sensor.Locale
	Logger      *slog.Logger
	Clock       func() time.Time
	Consumer    dispatch.Consumer
	Broadcaster dispatch.Broadcaster
	QueueSize   int
}

// Hub accepts decoded readings and pairing requests and emits
// notifications. Mutations are serialised; notifications are queued after
// the mutation is committed and delivered asynchronously.
type Hub struct {
	mu       sync.Mutex
	locale   sensor.Locale
	log      *slog.Logger
	now      func() time.Time
	sensors  *registry.Registry
	bindings *binding.Table
	out      *dispatch.Dispatcher
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	bindings := binding.NewTable()
	return &Hub{
		locale:   opts.Locale,
		log:      opts.Logger,
		now:      opts.Clock,
		bindings: bindings,
		sensors:  registry.New(opts.Locale, bindings.IsBound),
		out: dispatch.New(opts.Consumer, opts.Broadcaster, dispatch.Options{
			QueueSize: opts.QueueSize,
			Logger:    opts.Logger,
		}),
	}
}

// Run delivers notifications until ctx is done or Close is called.
func (h *Hub) Run(ctx context.Context) error {
	return h.out.Run(ctx)
}

// Close stops accepting notifications; Run returns after draining.
func (h *Hub) Close() {
	h.out.Close()
}

// SubmitReading merges a decoded reading into the registry and notifies the
// paired device and snapshot subscribers. Nil and malformed readings are
// dropped and reported as not accepted; they never produce notifications.
func (h *Hub) SubmitReading(in *sensor.Reading) bool {
	if err := in.Validate(); err != nil {
		h.log.Debug("reading dropped", "error", err)
		return false
	}
	r := in.Clone()
	if r.Data == nil {
		r.Data = sensor.Data{}
	}
	if dropped := r.Data.Normalize(); len(dropped) > 0 {
		h.log.Warn("ignoring unsupported fields", "sensor", r.Identity().Key(), "fields", dropped)
	}
	if r.LastUpdate.IsZero() {
		r.LastUpdate = h.now()
	}
	id := r.Identity()

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, changed, created := h.sensors.Upsert(id, r)
	if created {
		h.log.Debug("found a new sensor", "sensor", id.Key(), "total", h.sensors.Len())
	}
	h.log.Debug("sensor value has changed", "sensor", id.Key(), "changed", rec.NewData, "fields", changed)

	var batch dispatch.Batch
	if b, ok := h.bindings.Lookup(id); ok {
		for _, field := range changed {
			c, ok := sensor.CapabilityFor(field)
			if !ok {
				continue
			}
			batch = append(batch, dispatch.Notification{
				Kind:       dispatch.KindRealtime,
				Handle:     b.Handle,
				Capability: c,
				Value:      rec.Raw.Data[field],
			})
		}
		if _, became := h.bindings.MarkAvailable(id); became {
			batch = append(batch, dispatch.Notification{Kind: dispatch.KindAvailable, Handle: b.Handle})
		}
		batch = append(batch, dispatch.Notification{
			Kind:     dispatch.KindSettings,
			Handle:   b.Handle,
			Settings: dispatch.Settings{Update: h.locale.FormatTime(rec.Raw.LastUpdate)},
		})
	}
	batch = append(batch, dispatch.Notification{
		Kind:    dispatch.KindSnapshot,
		Event:   dispatch.EventSensorUpdate,
		Sensors: h.sensors.Snapshot(),
	})

	// Send never blocks; sending under the lock keeps batches in commit order.
	h.out.Send(batch)
	return true
}

// PairConsumer binds a device to a sensor. A device paired before the
// sensor has reported is marked unavailable and told there is no data yet;
// the first reading makes it available.
func (h *Hub) PairConsumer(id sensor.Identity, handle binding.Handle, name string) binding.Binding {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, seen := h.sensors.Get(id)
	b := h.bindings.Bind(id, handle, name, seen)
	h.sensors.Refresh(id)
	h.log.Info("device paired", "sensor", id.Key(), "handle", string(handle), "name", name, "available", seen)

	if !seen {
		h.out.Send(dispatch.Batch{{
			Kind:   dispatch.KindUnavailable,
			Handle: handle,
			Reason: h.locale.Message("error.no_data"),
		}})
	}
	return b
}

// UnpairConsumer removes the binding for id. The sensor record is kept.
func (h *Hub) UnpairConsumer(id sensor.Identity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.bindings.Unbind(id)
	if !ok {
		return false
	}
	h.sensors.Refresh(id)
	h.log.Info("device unpaired", "sensor", id.Key(), "handle", string(b.Handle))
	return true
}

// RenameConsumer changes the name of the paired device. It reports false,
// changing nothing, when no device is paired with id. The sensor's own
// display name is not affected.
func (h *Hub) RenameConsumer(id sensor.Identity, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.bindings.Rename(id, name) {
		h.log.Debug("rename ignored, sensor not paired", "sensor", id.Key())
		return false
	}
	h.log.Info("device renamed", "sensor", id.Key(), "name", name)
	return true
}

// ListDiscoveredByCategory returns the sensors of one class for a pairing
// flow.
func (h *Hub) ListDiscoveredByCategory(cat sensor.Category) []registry.Summary {
	return h.sensors.ListByCategory(cat)
}

// CapabilityValue returns the current value behind a capability of a
// sensor. An unknown sensor or a field never reported yields ok == false
// without an error.
func (h *Hub) CapabilityValue(id sensor.Identity, c sensor.Capability) (value any, ok bool, err error) {
	field, known := sensor.FieldFor(c)
	if !known {
		return nil, false, ErrUnknownCapability
	}
	value, ok = h.sensors.FieldValue(id, field)
	return value, ok, nil
}

// Snapshot returns the display projection of every sensor seen.
func (h *Hub) Snapshot() []registry.Display {
	return h.sensors.Snapshot()
}

// Sensor returns the record for id.
func (h *Hub) Sensor(id sensor.Identity) (registry.Record, bool) {
	return h.sensors.Get(id)
}

// Binding returns the device paired with id.
func (h *Hub) Binding(id sensor.Identity) (binding.Binding, error) {
	b, ok := h.bindings.Lookup(id)
	if !ok {
		return binding.Binding{}, ErrNotPaired
	}
	return b, nil
}

// Bindings lists all paired devices.
func (h *Hub) Bindings() []binding.Binding {
	return h.bindings.List()
}

// Locale returns the display locale.
func (h *Hub) Locale() sensor.Locale {
	return h.locale
}

// Stats returns the dispatcher's delivered, failed and dropped counts.
func (h *Hub) Stats() (delivered, failed, dropped uint64) {
	return h.out.Stats()
}
