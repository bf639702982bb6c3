// Package history keeps a bounded trend of numeric sensor fields with
// running min/peak statistics, for the live monitor.
package history

import (
	"math"
	"time"
)

// Point is a single sample of one field.
type Point struct {
	Value float64
	Time  time.Time
}

// Buffer is a ring of samples for one sensor field.
type Buffer struct {
	Points []Point
	Max    int // capacity
	Min    float64
	Peak   float64
}

// NewBuffer creates a buffer holding at most capacity samples.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		Points: make([]Point, 0, capacity),
		Max:    capacity,
		Min:    math.MaxFloat64,
		Peak:   -math.MaxFloat64,
	}
}

// Push appends a sample, evicting the oldest when full. Min and Peak cover
// every sample ever pushed, not only the retained ones.
func (b *Buffer) Push(v float64, t time.Time) {
	p := Point{Value: v, Time: t}
	if len(b.Points) >= b.Max {
		copy(b.Points, b.Points[1:])
		b.Points[len(b.Points)-1] = p
	} else {
		b.Points = append(b.Points, p)
	}

	if v < b.Min {
		b.Min = v
	}
	if v > b.Peak {
		b.Peak = v
	}
}

// Last returns the most recent value, or 0 if empty.
func (b *Buffer) Last() float64 {
	if len(b.Points) == 0 {
		return 0
	}
	return b.Points[len(b.Points)-1].Value
}

// Avg returns the mean of the retained samples.
func (b *Buffer) Avg() float64 {
	if len(b.Points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range b.Points {
		sum += p.Value
	}
	return sum / float64(len(b.Points))
}

// LastNPoints returns a copy of the last n samples.
func (b *Buffer) LastNPoints(n int) []Point {
	if n <= 0 || len(b.Points) == 0 {
		return nil
	}
	start := len(b.Points) - n
	if start < 0 {
		start = 0
	}
	out := make([]Point, len(b.Points[start:]))
	copy(out, b.Points[start:])
	return out
}

// Store holds one buffer per sensor field. It is not safe for concurrent
// use; the monitor owns it from its update loop.
type Store struct {
	data     map[string]*Buffer
	seen     map[string]time.Time
	Capacity int
}

func NewStore(capacity int) *Store {
	return &Store{
		data:     make(map[string]*Buffer),
		seen:     make(map[string]time.Time),
		Capacity: capacity,
	}
}

// Key names the buffer for one field of one sensor.
func Key(sensorKey, field string) string {
	return sensorKey + "/" + field
}

// Record adds a sample for the given sensor field.
func (s *Store) Record(sensorKey, field string, v float64, t time.Time) {
	k := Key(sensorKey, field)
	b, ok := s.data[k]
	if !ok {
		b = NewBuffer(s.Capacity)
		s.data[k] = b
	}
	b.Push(v, t)
}

// Advance reports whether t is newer than the last update recorded for the
// sensor, and remembers it. Snapshots repeat unchanged sensors; this keeps
// them from being sampled twice.
func (s *Store) Advance(sensorKey string, t time.Time) bool {
	last, ok := s.seen[sensorKey]
	if ok && !t.After(last) {
		return false
	}
	s.seen[sensorKey] = t
	return true
}

// Get returns the buffer for a sensor field, or nil.
func (s *Store) Get(sensorKey, field string) *Buffer {
	return s.data[Key(sensorKey, field)]
}
