// Package dispatchtest provides a recording Consumer and Broadcaster for
// tests.
package dispatchtest

import (
	"context"
	"sync"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/registry"
	"github.com/luki/weathersensors/internal/sensor"
)

// Call is one recorded callback.
type Call struct {
	Kind       dispatch.Kind
	Handle     binding.Handle
	Capability sensor.Capability
	Value      any
	Reason     string
	Settings   dispatch.Settings
	Event      string
	Sensors    []registry.Display
}

// Recorder implements dispatch.Consumer and dispatch.Broadcaster. Err, when
// set, is returned from every callback after recording it.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	Err   error
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Err
}

func (r *Recorder) Realtime(_ context.Context, h binding.Handle, c sensor.Capability, v any) error {
	return r.record(Call{Kind: dispatch.KindRealtime, Handle: h, Capability: c, Value: v})
}

func (r *Recorder) SetAvailable(_ context.Context, h binding.Handle) error {
	return r.record(Call{Kind: dispatch.KindAvailable, Handle: h})
}

func (r *Recorder) SetUnavailable(_ context.Context, h binding.Handle, reason string) error {
	return r.record(Call{Kind: dispatch.KindUnavailable, Handle: h, Reason: reason})
}

func (r *Recorder) SetSettings(_ context.Context, h binding.Handle, s dispatch.Settings) error {
	return r.record(Call{Kind: dispatch.KindSettings, Handle: h, Settings: s})
}

func (r *Recorder) Broadcast(_ context.Context, event string, sensors []registry.Display) error {
	return r.record(Call{Kind: dispatch.KindSnapshot, Event: event, Sensors: sensors})
}

// Calls returns a copy of everything recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many calls of kind k were recorded.
func (r *Recorder) Count(k dispatch.Kind) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Kind == k {
			n++
		}
	}
	return n
}

// Of returns the recorded calls of kind k.
func (r *Recorder) Of(k dispatch.Kind) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}
