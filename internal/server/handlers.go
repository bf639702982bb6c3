package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/hub"
	"github.com/luki/weathersensors/internal/sensor"
)

const maxBody = 64 << 10

type api struct {
	core    Core
	capture Recorder
	now     func() time.Time
	log     *slog.Logger
}

type pairRequest struct {
	ID     string         `json:"id"`
	Handle binding.Handle `json:"handle"`
	Name   string         `json:"name"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type errorBody struct {
	Error string `json:"error"`
}

// submitReading never rejects a reading as an error: malformed input is
// reported as not accepted.
func (a *api) submitReading(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	accepted := false
	body = bytes.TrimSpace(body)
	if len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		var reading sensor.Reading
		if err := json.Unmarshal(body, &reading); err != nil {
			a.log.Warn("malformed reading", "remote", r.RemoteAddr, "error", err)
		} else {
			// The hub works on its own copy, so reading is still raw here.
			accepted = a.core.SubmitReading(&reading)
			if accepted && a.capture != nil {
				if err := a.capture.Write(&reading, a.now()); err != nil {
					a.log.Warn("capture write failed", "key", reading.Identity().Key(), "error", err)
				}
			}
		}
	}
	writeJSON(w, http.StatusAccepted, struct {
		Accepted bool `json:"accepted"`
	}{accepted})
}

func (a *api) listSensors(w http.ResponseWriter, _ *http.Request) {
	sensors := a.core.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		Sensors any `json:"sensors"`
		Count   int `json:"count"`
	}{sensors, len(sensors)})
}

func (a *api) discover(w http.ResponseWriter, r *http.Request) {
	cat := r.URL.Query().Get("type")
	if cat == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "type query parameter required"})
		return
	}
	writeJSON(w, http.StatusOK, a.core.ListDiscoveredByCategory(sensor.Category(cat)))
}

func (a *api) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.core.Bindings())
}

func (a *api) pairDevice(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	id, err := sensor.ParseKey(req.ID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if req.Handle == "" {
		req.Handle = binding.Handle(uuid.NewString())
	}
	b := a.core.PairConsumer(id, req.Handle, req.Name)
	writeJSON(w, http.StatusCreated, b)
}

func (a *api) renameDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if !a.core.RenameConsumer(id, req.Name) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: hub.ErrNotPaired.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unpairDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	if !a.core.UnpairConsumer(id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: hub.ErrNotPaired.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) capabilityValue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	c := sensor.Capability(r.PathValue("capability"))
	v, ok, err := a.core.CapabilityValue(id, c)
	switch {
	case errors.Is(err, hub.ErrUnknownCapability):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	case !ok:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no value"})
	default:
		writeJSON(w, http.StatusOK, struct {
			Capability sensor.Capability `json:"capability"`
			Value      any               `json:"value"`
		}{c, v})
	}
}

func pathIdentity(w http.ResponseWriter, r *http.Request) (sensor.Identity, bool) {
	id, err := sensor.ParseKey(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return sensor.Identity{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeCORS(w)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
