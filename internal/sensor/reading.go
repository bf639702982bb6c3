// Package sensor models raw readings from intermittently reporting wireless
// weather sensors as produced by a radio decoder, and the identity, field and
// catalog rules used to track them.
package sensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedReading = errors.New("malformed reading")
	ErrEmptyIdentity    = errors.New("reading has no protocol or id")
	ErrInvalidProtocol  = errors.New("protocol must not contain ':'")
	ErrUnsupportedValue = errors.New("unsupported field value")
)

// Category is the decoder's sensor class tag, e.g. "TH" or "W".
type Category string

// Data maps a field name (temperature, humidity, ...) to its value.
// Values are float64, bool or string once normalised.
type Data map[string]any

// Reading is one decoded signal from a sensor.
type Reading struct {
	Protocol     string    // decoder protocol, e.g. "oregon"
	ProtocolName string    // human name of the protocol; optional
	ID           string    // sensor id as reported by the protocol
	Channel      int       // 0 when the sensor has no channel switch
	Type         Category  // sensor class
	Name         string    // optional name reported by the decoder
	LastUpdate   time.Time // when the decoder received the signal
	Data         Data
}

// Identity returns the key the reading is tracked under.
func (r *Reading) Identity() Identity {
	return Identity{Protocol: r.Protocol, ID: r.ID, Channel: r.Channel}
}

// Validate checks the reading can be tracked at all.
func (r *Reading) Validate() error {
	if r == nil {
		return ErrMalformedReading
	}
	if r.Protocol == "" || r.ID == "" {
		return ErrEmptyIdentity
	}
	// The protocol ends at the first colon of a key.
	if strings.Contains(r.Protocol, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, r.Protocol)
	}
	return nil
}

// Clone returns a deep copy; Data is copied, values are immutable scalars.
func (r *Reading) Clone() *Reading {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = r.Data.Clone()
	return &c
}

// Clone copies the field map.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Normalize converts every value to float64, bool or string. Fields holding
// anything else are removed and their names returned.
func (d Data) Normalize() (dropped []string) {
	for k, v := range d {
		nv, err := NormalizeValue(v)
		if err != nil {
			delete(d, k)
			dropped = append(dropped, k)
			continue
		}
		d[k] = nv
	}
	return dropped
}

// NormalizeValue maps numeric kinds onto float64 so that 55 and 55.0
// compare equal.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return finite(f)
	case bool, string:
		return x, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// finite rejects NaN and infinities, which JSON cannot carry.
func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	return f, nil
}

type wireReading struct {
	Protocol     string          `json:"protocol"`
	ProtocolName string          `json:"protocolName,omitempty"`
	ID           json.RawMessage `json:"id"`
	Channel      *int            `json:"channel,omitempty"`
	Type         Category        `json:"type"`
	Name         string          `json:"name,omitempty"`
	LastUpdate   json.RawMessage `json:"lastupdate"`
	Data         Data            `json:"data"`
}

// UnmarshalJSON accepts ids as strings or numbers and lastupdate as an
// RFC 3339 string or epoch milliseconds.
func (r *Reading) UnmarshalJSON(b []byte) error {
	var w wireReading
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return err
	}
	ts, err := decodeTime(w.LastUpdate)
	if err != nil {
		return err
	}
	*r = Reading{
		Protocol:     w.Protocol,
		ProtocolName: w.ProtocolName,
		ID:           id,
		Type:         w.Type,
		Name:         w.Name,
		LastUpdate:   ts,
		Data:         w.Data,
	}
	if w.Channel != nil {
		r.Channel = *w.Channel
	}
	if r.Data == nil {
		r.Data = Data{}
	}
	return nil
}

// MarshalJSON writes the wire shape accepted by UnmarshalJSON.
func (r Reading) MarshalJSON() ([]byte, error) {
	ts, _ := json.Marshal(r.LastUpdate)
	id, _ := json.Marshal(r.ID)
	ch := r.Channel
	data := r.Data
	if data == nil {
		data = Data{}
	}
	return json.Marshal(wireReading{
		Protocol:     r.Protocol,
		ProtocolName: r.ProtocolName,
		ID:           id,
		Channel:      &ch,
		Type:         r.Type,
		Name:         r.Name,
		LastUpdate:   ts,
		Data:         data,
	})
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: id %s", ErrMalformedReading, raw)
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: lastupdate %q", ErrMalformedReading, s)
		}
		return t, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("%w: lastupdate %s", ErrMalformedReading, raw)
}
