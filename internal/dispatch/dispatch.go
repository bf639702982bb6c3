// Package dispatch delivers notifications produced by registry updates to
// paired devices and to snapshot subscribers. Sending never blocks and
// delivery failures never reach the sender.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/registry"
	"github.com/luki/weathersensors/internal/sensor"
)

// EventSensorUpdate names the snapshot broadcast sent after every accepted
// reading.
const EventSensorUpdate = "sensor_update"

// Settings are the device attributes refreshed on every reading.
type Settings struct {
	Update string `json:"update"`
}

// Consumer is the host side of paired devices.
type Consumer interface {
	Realtime(ctx context.Context, h binding.Handle, c sensor.Capability, value any) error
	SetAvailable(ctx context.Context, h binding.Handle) error
	SetUnavailable(ctx context.Context, h binding.Handle, reason string) error
	SetSettings(ctx context.Context, h binding.Handle, s Settings) error
}

// Broadcaster receives full snapshots of all sensors.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, sensors []registry.Display) error
}

// Fanout broadcasts to several subscribers in order. A failing subscriber
// does not stop the others; the first error is returned.
type Fanout []Broadcaster

func (f Fanout) Broadcast(ctx context.Context, event string, sensors []registry.Display) error {
	var first error
	for _, b := range f {
		if err := b.Broadcast(ctx, event, sensors); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type Kind int

const (
	KindRealtime Kind = iota
	KindAvailable
	KindUnavailable
	KindSettings
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindRealtime:
		return "realtime"
	case KindAvailable:
		return "available"
	case KindUnavailable:
		return "unavailable"
	case KindSettings:
		return "settings"
	case KindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification is one outbound message. Only the fields relevant to Kind
// are set.
type Notification struct {
	Kind       Kind
	Handle     binding.Handle
	Capability sensor.Capability
	Value      any
	Reason     string
	Settings   Settings
	Event      string
	Sensors    []registry.Display
}

// Batch is the ordered set of notifications caused by one registry change.
type Batch []Notification

// Options configures a Dispatcher.
type Options struct {
	QueueSize int // pending snapshots kept before the oldest is dropped
	Logger    *slog.Logger
}

// Dispatcher queues batches and delivers them from a single goroutine so
// that notifications for one sensor arrive in commit order.
//
// Only snapshots are bounded: each one supersedes the last, so the oldest
// pending snapshot is dropped once QueueSize are waiting. Device
// notifications carry state changes the registry has already committed and
// are never dropped.
type Dispatcher struct {
	consumer    Consumer
	broadcaster Broadcaster
	log         *slog.Logger
	limit       int

	mu        sync.Mutex
	closed    bool
	pending   []Batch
	snapshots int // snapshot notifications in pending
	wake      chan struct{}

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a dispatcher. consumer and broadcaster may be nil; with both
// nil every batch is discarded on Send.
func New(consumer Consumer, broadcaster Broadcaster, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		consumer:    consumer,
		broadcaster: broadcaster,
		log:         opts.Logger,
		limit:       opts.QueueSize,
		wake:        make(chan struct{}, 1),
	}
}

// Send enqueues a batch. It never blocks. Sending after Close is a no-op.
func (d *Dispatcher) Send(b Batch) {
	if len(b) == 0 || (d.consumer == nil && d.broadcaster == nil) {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, b)
	d.snapshots += countSnapshots(b)
	for d.snapshots > d.limit {
		d.dropOldestSnapshot()
	}
	d.mu.Unlock()
	d.signal()
}

// dropOldestSnapshot removes the earliest pending snapshot, keeping the
// rest of its batch. Callers hold d.mu.
func (d *Dispatcher) dropOldestSnapshot() {
	for i, b := range d.pending {
		if countSnapshots(b) == 0 {
			continue
		}
		kept := make(Batch, 0, len(b)-1)
		for _, n := range b {
			if n.Kind != KindSnapshot {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
		} else {
			d.pending[i] = kept
		}
		dropped := len(b) - len(kept)
		d.snapshots -= dropped
		d.dropped.Add(uint64(dropped))
		d.log.Warn("notification queue full, dropped oldest snapshot")
		return
	}
}

func countSnapshots(b Batch) int {
	n := 0
	for _, x := range b {
		if x.Kind == KindSnapshot {
			n++
		}
	}
	return n
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending batch. done reports that the dispatcher is
// closed and drained.
func (d *Dispatcher) next() (b Batch, ok, done bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, false, d.closed
	}
	b = d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	d.snapshots -= countSnapshots(b)
	return b, true, false
}

// Run delivers queued batches until ctx is cancelled or Close has been
// called and the queue is drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, ok, done := d.next()
		if done {
			return nil
		}
		if ok {
			d.deliver(ctx, b)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

// Close stops accepting batches. Run returns once the remaining ones have
// been delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

// Stats returns delivered and failed notification counts, and the number
// of snapshots dropped from a full queue.
func (d *Dispatcher) Stats() (delivered, failed, dropped uint64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}

func (d *Dispatcher) deliver(ctx context.Context, b Batch) {
	for _, n := range b {
		err := safeDeliver(func() error { return d.deliverOne(ctx, n) })
		if err != nil {
			d.failed.Add(1)
			d.log.Warn("notification delivery failed",
				"kind", n.Kind.String(), "handle", string(n.Handle), "capability", string(n.Capability), "error", err)
			continue
		}
		d.delivered.Add(1)
		if n.Kind == KindRealtime {
			d.log.Debug("real-time update", "capability", string(n.Capability), "handle", string(n.Handle), "result", "OK")
		}
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, n Notification) error {
	if n.Kind == KindSnapshot {
		if d.broadcaster == nil {
			return nil
		}
		return d.broadcaster.Broadcast(ctx, n.Event, n.Sensors)
	}
	if d.consumer == nil {
		return nil
	}
	switch n.Kind {
	case KindRealtime:
		return d.consumer.Realtime(ctx, n.Handle, n.Capability, n.Value)
	case KindAvailable:
		return d.consumer.SetAvailable(ctx, n.Handle)
	case KindUnavailable:
		return d.consumer.SetUnavailable(ctx, n.Handle, n.Reason)
	case KindSettings:
		return d.consumer.SetSettings(ctx, n.Handle, n.Settings)
	default:
		return fmt.Errorf("unknown notification kind %s", n.Kind)
	}
}

// safeDeliver runs fn, turning a panic into an error.
func safeDeliver(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
