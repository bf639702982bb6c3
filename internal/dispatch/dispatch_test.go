package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/dispatch/dispatchtest"
	"github.com/luki/weathersensors/internal/registry"
	"github.com/luki/weathersensors/internal/sensor"
)

func runUntilClosed(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	d.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatcher to drain")
	}
}

func TestDeliversInOrder(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	d := dispatch.New(rec, rec, dispatch.Options{})
	d.Send(dispatch.Batch{
		{Kind: dispatch.KindRealtime, Handle: "h", Capability: sensor.MeasureHumidity, Value: 60.0},
		{Kind: dispatch.KindAvailable, Handle: "h"},
		{Kind: dispatch.KindSettings, Handle: "h", Settings: dispatch.Settings{Update: "now"}},
		{Kind: dispatch.KindSnapshot, Event: dispatch.EventSensorUpdate, Sensors: []registry.Display{{ID: "1"}}},
	})
	d.Send(dispatch.Batch{{Kind: dispatch.KindUnavailable, Handle: "g", Reason: "no data"}})
	runUntilClosed(t, d)

	calls := rec.Calls()
	want := []dispatch.Kind{
		dispatch.KindRealtime, dispatch.KindAvailable, dispatch.KindSettings,
		dispatch.KindSnapshot, dispatch.KindUnavailable,
	}
	if len(calls) != len(want) {
		t.Fatalf("calls: got %d, want %d", len(calls), len(want))
	}
	for i, k := range want {
		if calls[i].Kind != k {
			t.Errorf("call %d: got %s, want %s", i, calls[i].Kind, k)
		}
	}
	if calls[0].Value != 60.0 || calls[2].Settings.Update != "now" || calls[3].Event != "sensor_update" {
		t.Errorf("payloads: got %+v", calls)
	}
	delivered, failed, dropped := d.Stats()
	if delivered != 5 || failed != 0 || dropped != 0 {
		t.Errorf("stats: delivered=%d failed=%d dropped=%d", delivered, failed, dropped)
	}
}

type panicky struct{ dispatchtest.Recorder }

func (p *panicky) Realtime(context.Context, binding.Handle, sensor.Capability, any) error {
	panic("boom")
}

func TestFailuresDoNotStopDelivery(t *testing.T) {
	failing := &dispatchtest.Recorder{Err: errors.New("device gone")}
	p := &panicky{}
	d := dispatch.New(p, failing, dispatch.Options{})
	d.Send(dispatch.Batch{
		{Kind: dispatch.KindRealtime, Handle: "h", Capability: sensor.MeasureTemperature, Value: 1.0},
		{Kind: dispatch.KindSnapshot, Event: dispatch.EventSensorUpdate},
		{Kind: dispatch.KindSettings, Handle: "h"},
	})
	runUntilClosed(t, d)

	if p.Count(dispatch.KindSettings) != 1 {
		t.Error("settings should be delivered after a panicking realtime call")
	}
	if failing.Count(dispatch.KindSnapshot) != 1 {
		t.Error("snapshot should have been attempted")
	}
	_, failed, _ := d.Stats()
	if failed != 2 {
		t.Errorf("failed: got %d, want 2", failed)
	}
}

func TestFullQueueDropsOnlySnapshots(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	d := dispatch.New(rec, rec, dispatch.Options{QueueSize: 2})
	for i := 0; i < 5; i++ {
		d.Send(dispatch.Batch{
			{Kind: dispatch.KindRealtime, Handle: binding.Handle(rune('a' + i))},
			{Kind: dispatch.KindSnapshot, Event: dispatch.EventSensorUpdate, Sensors: []registry.Display{{ID: string(rune('a' + i))}}},
		})
	}
	runUntilClosed(t, d)

	realtime := rec.Of(dispatch.KindRealtime)
	if len(realtime) != 5 {
		t.Fatalf("realtime: got %d, want 5", len(realtime))
	}
	for i, c := range realtime {
		if want := binding.Handle(rune('a' + i)); c.Handle != want {
			t.Errorf("realtime %d: got %q, want %q", i, c.Handle, want)
		}
	}
	snaps := rec.Of(dispatch.KindSnapshot)
	if len(snaps) != 2 || snaps[0].Sensors[0].ID != "d" || snaps[1].Sensors[0].ID != "e" {
		t.Errorf("kept snapshots: got %+v", snaps)
	}
	if _, _, dropped := d.Stats(); dropped != 3 {
		t.Errorf("dropped: got %d, want 3", dropped)
	}
}

func TestFullQueueKeepsAvailabilityChanges(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	d := dispatch.New(rec, rec, dispatch.Options{QueueSize: 1})
	d.Send(dispatch.Batch{{Kind: dispatch.KindUnavailable, Handle: "h", Reason: "no data"}})
	d.Send(dispatch.Batch{
		{Kind: dispatch.KindAvailable, Handle: "h"},
		{Kind: dispatch.KindSnapshot, Event: dispatch.EventSensorUpdate},
	})
	for i := 0; i < 10; i++ {
		d.Send(dispatch.Batch{{Kind: dispatch.KindSnapshot, Event: dispatch.EventSensorUpdate}})
	}
	runUntilClosed(t, d)

	want := []dispatch.Kind{dispatch.KindUnavailable, dispatch.KindAvailable, dispatch.KindSnapshot}
	calls := rec.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls: got %d, want %d (%+v)", len(calls), len(want), calls)
	}
	for i, k := range want {
		if calls[i].Kind != k {
			t.Errorf("call %d: got %s, want %s", i, calls[i].Kind, k)
		}
	}
}

func TestSendWithoutReceiversQueuesNothing(t *testing.T) {
	d := dispatch.New(nil, nil, dispatch.Options{QueueSize: 1})
	for i := 0; i < 10; i++ {
		d.Send(dispatch.Batch{{Kind: dispatch.KindSnapshot}})
	}
	runUntilClosed(t, d)
	if delivered, _, dropped := d.Stats(); delivered != 0 || dropped != 0 {
		t.Errorf("stats: delivered=%d dropped=%d", delivered, dropped)
	}
}

func TestRunWaitsForLateBatches(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	d := dispatch.New(rec, rec, dispatch.Options{})
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	d.Send(dispatch.Batch{{Kind: dispatch.KindAvailable, Handle: "h"}})
	deadline := time.Now().Add(2 * time.Second)
	for rec.Count(dispatch.KindAvailable) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch sent to a running dispatcher was not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Close()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	d := dispatch.New(nil, nil, dispatch.Options{})
	d.Close()
	d.Close()
	d.Send(dispatch.Batch{{Kind: dispatch.KindSnapshot}})
}

func TestRunStopsOnCancel(t *testing.T) {
	d := dispatch.New(nil, nil, dispatch.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want context.Canceled", err)
	}
}

func TestFanout(t *testing.T) {
	a := &dispatchtest.Recorder{Err: errors.New("a failed")}
	b := &dispatchtest.Recorder{}
	err := dispatch.Fanout{a, b}.Broadcast(context.Background(), dispatch.EventSensorUpdate, nil)
	if err == nil || err.Error() != "a failed" {
		t.Errorf("Fanout error: got %v", err)
	}
	if b.Count(dispatch.KindSnapshot) != 1 {
		t.Error("second subscriber should still receive the snapshot")
	}
}
