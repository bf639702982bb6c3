package monitor

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/registry"
)

// Subscriber is a dispatch.Broadcaster that forwards sensor snapshots to a
// running program. Snapshots broadcast before Attach are discarded.
type Subscriber struct {
	mu   sync.RWMutex
	send func(tea.Msg)
	now  func() time.Time
}

func NewSubscriber() *Subscriber {
	return &Subscriber{now: time.Now}
}

// Attach directs snapshots to send, usually (*tea.Program).Send.
func (s *Subscriber) Attach(send func(tea.Msg)) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
}

func (s *Subscriber) Broadcast(ctx context.Context, event string, sensors []registry.Display) error {
	if event != dispatch.EventSensorUpdate {
		return nil
	}
	s.mu.RLock()
	send := s.send
	s.mu.RUnlock()
	if send == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	send(SnapshotMsg{Sensors: sensors, At: s.now()})
	return nil
}
