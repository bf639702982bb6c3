package hub

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/dispatch/dispatchtest"
	"github.com/luki/weathersensors/internal/sensor"
)

var testTime = time.Date(2026, 2, 21, 14, 30, 0, 0, time.UTC)

func newTestHub(locale sensor.Locale) (*Hub, *dispatchtest.Recorder) {
	rec := &dispatchtest.Recorder{}
	h := New(Options{
		Locale:      locale,
		Clock:       func() time.Time { return testTime },
		Consumer:    rec,
		Broadcaster: rec,
	})
	return h, rec
}

// drain delivers everything queued so far. The hub accepts no further
// notifications afterwards.
func drain(t *testing.T, h *Hub) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	h.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout draining hub")
	}
}

func th(id string, data sensor.Data) *sensor.Reading {
	return &sensor.Reading{Protocol: "X", ID: id, Type: "TH", LastUpdate: testTime, Data: data}
}

func TestScenarioHumidityChange(t *testing.T) {
	h, rec := newTestHub(sensor.DefaultLocale)
	if !h.SubmitReading(th("1", sensor.Data{"temperature": 21.0, "humidity": 55})) {
		t.Fatal("first reading rejected")
	}
	h.PairConsumer(sensor.Identity{Protocol: "X", ID: "1"}, "dev-1", "Living room")
	if !h.SubmitReading(th("1", sensor.Data{"temperature": 21.0, "humidity": 60})) {
		t.Fatal("second reading rejected")
	}
	drain(t, h)

	r, ok := h.Sensor(sensor.Identity{Protocol: "X", ID: "1"})
	if !ok {
		t.Fatal("sensor missing")
	}
	if !reflect.DeepEqual(r.Raw.Data, sensor.Data{"temperature": 21.0, "humidity": 60.0}) {
		t.Errorf("data: got %v", r.Raw.Data)
	}
	if r.UpdateCount != 2 {
		t.Errorf("UpdateCount: got %d, want 2", r.UpdateCount)
	}

	rt := rec.Of(dispatch.KindRealtime)
	if len(rt) != 1 || rt[0].Capability != sensor.MeasureHumidity || rt[0].Value != 60.0 || rt[0].Handle != "dev-1" {
		t.Errorf("realtime: got %+v", rt)
	}
	if n := rec.Count(dispatch.KindAvailable); n != 0 {
		t.Errorf("device paired after data should not get an availability transition, got %d", n)
	}
	settings := rec.Of(dispatch.KindSettings)
	if len(settings) != 1 || settings[0].Settings.Update != "2/21/2026, 2:30:00 PM" {
		t.Errorf("settings: got %+v", settings)
	}
}

func TestSnapshotOncePerAcceptedReading(t *testing.T) {
	h, rec := newTestHub(sensor.DefaultLocale)
	in := th("1", sensor.Data{"temperature": 20.0})
	h.SubmitReading(in)
	h.SubmitReading(in)
	h.SubmitReading(nil)
	h.SubmitReading(&sensor.Reading{ID: "no-protocol"})
	h.SubmitReading(th("2", nil))
	drain(t, h)

	snaps := rec.Of(dispatch.KindSnapshot)
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(snaps))
	}
	for _, s := range snaps {
		if s.Event != dispatch.EventSensorUpdate {
			t.Errorf("event: got %q", s.Event)
		}
	}
	if len(snaps[2].Sensors) != 2 {
		t.Errorf("last snapshot size: got %d, want 2", len(snaps[2].Sensors))
	}
}

func TestNilReadingIsIgnored(t *testing.T) {
	h, rec := newTestHub(sensor.DefaultLocale)
	h.SubmitReading(th("1", sensor.Data{"temperature": 20.0}))
	before := h.Snapshot()
	if h.SubmitReading(nil) {
		t.Error("nil reading should not be accepted")
	}
	drain(t, h)
	if !reflect.DeepEqual(before, h.Snapshot()) {
		t.Error("nil reading changed the registry")
	}
	if n := len(rec.Calls()); n != 1 {
		t.Errorf("calls: got %d, want only the first snapshot", n)
	}
}

func TestPairBeforeDataBecomesAvailableOnce(t *testing.T) {
	h, rec := newTestHub(sensor.MatchLocale("nl"))
	id := sensor.Identity{Protocol: "X", ID: "5"}
	b := h.PairConsumer(id, "dev-5", "Schuur")
	if b.Available {
		t.Error("binding without data should be unavailable")
	}
	h.SubmitReading(th("5", sensor.Data{"temperature": 3.0}))
	h.SubmitReading(th("5", sensor.Data{"temperature": 4.0}))
	h.SubmitReading(th("5", sensor.Data{"temperature": 4.0}))
	drain(t, h)

	un := rec.Of(dispatch.KindUnavailable)
	if len(un) != 1 || un[0].Handle != "dev-5" || un[0].Reason != "Nog geen gegevens ontvangen" {
		t.Errorf("unavailable: got %+v", un)
	}
	if n := rec.Count(dispatch.KindAvailable); n != 1 {
		t.Errorf("availability transitions: got %d, want 1", n)
	}
	if n := rec.Count(dispatch.KindRealtime); n != 2 {
		t.Errorf("realtime updates: got %d, want 2", n)
	}
	if n := rec.Count(dispatch.KindSettings); n != 3 {
		t.Errorf("settings refreshes: got %d, want 3", n)
	}
	got, err := h.Binding(id)
	if err != nil || !got.Available {
		t.Errorf("binding: got %+v, err %v", got, err)
	}

	calls := rec.Calls()
	// first reading: realtime, available, settings, snapshot (after the unavailable notice)
	kinds := []dispatch.Kind{calls[1].Kind, calls[2].Kind, calls[3].Kind, calls[4].Kind}
	want := []dispatch.Kind{dispatch.KindRealtime, dispatch.KindAvailable, dispatch.KindSettings, dispatch.KindSnapshot}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("first reading order: got %v, want %v", kinds, want)
	}
}

func TestSmallQueueKeepsAvailabilityTransitions(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	h := New(Options{
		Clock:       func() time.Time { return testTime },
		Consumer:    rec,
		Broadcaster: rec,
		QueueSize:   2,
	})
	h.PairConsumer(sensor.Identity{Protocol: "X", ID: "9"}, "dev-9", "Shed")
	for i := 0; i < 4; i++ {
		h.SubmitReading(th("9", sensor.Data{"temperature": float64(i)}))
	}
	drain(t, h)

	b, err := h.Binding(sensor.Identity{Protocol: "X", ID: "9"})
	if err != nil || !b.Available {
		t.Fatalf("binding: got %+v, err %v", b, err)
	}
	if n := rec.Count(dispatch.KindUnavailable); n != 1 {
		t.Errorf("unavailable notices: got %d, want 1", n)
	}
	if n := rec.Count(dispatch.KindAvailable); n != 1 {
		t.Errorf("availability transitions: got %d, want 1", n)
	}
	if n := rec.Count(dispatch.KindRealtime); n != 4 {
		t.Errorf("realtime updates: got %d, want 4", n)
	}
	if n := rec.Count(dispatch.KindSnapshot); n != 2 {
		t.Errorf("snapshots: got %d, want the newest 2", n)
	}
}

func TestUnpairKeepsRecord(t *testing.T) {
	h, rec := newTestHub(sensor.DefaultLocale)
	id := sensor.Identity{Protocol: "X", ID: "1"}
	h.SubmitReading(th("1", sensor.Data{"temperature": 1.0}))
	h.PairConsumer(id, "dev", "n")
	if snap := h.Snapshot(); !snap[0].Paired {
		t.Error("display should be paired")
	}
	if !h.UnpairConsumer(id) {
		t.Fatal("unpair reported false")
	}
	if h.UnpairConsumer(id) {
		t.Error("second unpair should report false")
	}
	h.SubmitReading(th("1", sensor.Data{"temperature": 2.0}))
	drain(t, h)

	r, ok := h.Sensor(id)
	if !ok || r.UpdateCount != 2 || r.Raw.Data["temperature"] != 2.0 {
		t.Errorf("record after unpair: got %+v (ok=%v)", r, ok)
	}
	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].Paired {
		t.Errorf("snapshot after unpair: got %+v", snap)
	}
	if n := rec.Count(dispatch.KindRealtime); n != 0 {
		t.Errorf("unpaired device got %d realtime updates", n)
	}
	if _, err := h.Binding(id); !errors.Is(err, ErrNotPaired) {
		t.Errorf("Binding: got %v, want ErrNotPaired", err)
	}
}

func TestRenameUnknownIsNoop(t *testing.T) {
	h, _ := newTestHub(sensor.DefaultLocale)
	id := sensor.Identity{Protocol: "X", ID: "1"}
	if h.RenameConsumer(id, "x") {
		t.Error("rename of unpaired sensor should report false")
	}
	h.SubmitReading(&sensor.Reading{Protocol: "X", ID: "1", Type: "TH", Name: "decoder name", Data: sensor.Data{}})
	h.PairConsumer(id, "dev", "before")
	if !h.RenameConsumer(id, "after") {
		t.Error("rename of paired sensor should report true")
	}
	b, _ := h.Binding(id)
	if b.Name != "after" {
		t.Errorf("binding name: got %q", b.Name)
	}
	if snap := h.Snapshot(); snap[0].Name != "decoder name" {
		t.Errorf("display name should stay independent, got %q", snap[0].Name)
	}
	drain(t, h)
}

func TestUnmappedFieldsNotForwarded(t *testing.T) {
	h, rec := newTestHub(sensor.DefaultLocale)
	h.PairConsumer(sensor.Identity{Protocol: "X", ID: "1"}, "dev", "n")
	h.SubmitReading(th("1", sensor.Data{"uv": 3.0, "temperature": 10.0, "lowbattery": true}))
	drain(t, h)

	var caps []sensor.Capability
	for _, c := range rec.Of(dispatch.KindRealtime) {
		caps = append(caps, c.Capability)
	}
	if !reflect.DeepEqual(caps, []sensor.Capability{sensor.AlarmBattery, sensor.MeasureTemperature}) {
		t.Errorf("capabilities: got %v", caps)
	}
	snaps := rec.Of(dispatch.KindSnapshot)
	if snaps[0].Sensors[0].Data["uv"] != 3.0 {
		t.Error("unmapped field missing from snapshot")
	}
}

func TestMissingTimestampUsesClock(t *testing.T) {
	h, _ := newTestHub(sensor.DefaultLocale)
	h.SubmitReading(&sensor.Reading{Protocol: "X", ID: "1", Type: "TH", Data: sensor.Data{}})
	r, _ := h.Sensor(sensor.Identity{Protocol: "X", ID: "1"})
	if !r.Raw.LastUpdate.Equal(testTime) {
		t.Errorf("LastUpdate: got %v, want %v", r.Raw.LastUpdate, testTime)
	}
	drain(t, h)
}

func TestCapabilityValue(t *testing.T) {
	h, _ := newTestHub(sensor.DefaultLocale)
	id := sensor.Identity{Protocol: "X", ID: "1"}
	if _, ok, err := h.CapabilityValue(id, sensor.MeasureTemperature); ok || err != nil {
		t.Errorf("unknown sensor: ok=%v err=%v", ok, err)
	}
	h.SubmitReading(th("1", sensor.Data{"temperature": 12.5}))
	v, ok, err := h.CapabilityValue(id, sensor.MeasureTemperature)
	if err != nil || !ok || v != 12.5 {
		t.Errorf("temperature: got %v ok=%v err=%v", v, ok, err)
	}
	if _, ok, _ := h.CapabilityValue(id, sensor.MeasurePressure); ok {
		t.Error("pressure was never reported")
	}
	if _, _, err := h.CapabilityValue(id, "measure_nonsense"); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("unknown capability: got %v", err)
	}
	drain(t, h)
}

func TestListDiscoveredByCategory(t *testing.T) {
	h, _ := newTestHub(sensor.DefaultLocale)
	h.SubmitReading(th("1", sensor.Data{}))
	h.SubmitReading(&sensor.Reading{Protocol: "X", ID: "2", Type: "W", Data: sensor.Data{}})
	h.SubmitReading(th("3", sensor.Data{}))
	list := h.ListDiscoveredByCategory("TH")
	if len(list) != 2 || list[0].Data.ID != "X:1:0" || list[1].Data.ID != "X:3:0" {
		t.Errorf("TH list: got %+v", list)
	}
	for i := 0; i < 3; i++ {
		if !reflect.DeepEqual(list, h.ListDiscoveredByCategory("TH")) {
			t.Fatal("order not stable")
		}
	}
	drain(t, h)
}

func TestRestorePairings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairings.json")
	content := `[{"id":"X:1:0","handle":"dev-1","name":"A"},{"id":"garbage"},{"id":"X:2:3","name":"B"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	pairings, err := LoadPairings(path)
	if err != nil {
		t.Fatalf("LoadPairings: %v", err)
	}
	h, rec := newTestHub(sensor.DefaultLocale)
	if n := h.Restore(pairings); n != 2 {
		t.Errorf("Restore: got %d, want 2", n)
	}
	drain(t, h)

	list := h.Bindings()
	if len(list) != 2 || list[1].Handle != "X:2:3" {
		t.Errorf("bindings: got %+v", list)
	}
	if n := rec.Count(dispatch.KindUnavailable); n != 2 {
		t.Errorf("unavailable notices: got %d, want 2", n)
	}
	if _, err := LoadPairings(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDeliveryFailureDoesNotAffectRegistry(t *testing.T) {
	rec := &dispatchtest.Recorder{Err: errors.New("host offline")}
	h := New(Options{Locale: sensor.DefaultLocale, Consumer: rec, Broadcaster: rec})
	id := sensor.Identity{Protocol: "X", ID: "1"}
	h.PairConsumer(id, "dev", "n")
	h.SubmitReading(th("1", sensor.Data{"temperature": 1.0}))
	h.SubmitReading(th("1", sensor.Data{"temperature": 2.0}))
	drain(t, h)

	if v, _, _ := h.CapabilityValue(id, sensor.MeasureTemperature); v != 2.0 {
		t.Errorf("temperature: got %v", v)
	}
	if n := rec.Count(dispatch.KindSnapshot); n != 2 {
		t.Errorf("snapshots attempted: got %d, want 2", n)
	}
	_, failed, _ := h.Stats()
	if failed == 0 {
		t.Error("expected failed deliveries to be counted")
	}
}
