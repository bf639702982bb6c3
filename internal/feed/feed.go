// Package feed pushes sensor snapshots and paired-device events to
// websocket clients, such as a settings page or a host bridge. It
// implements both dispatch.Broadcaster and dispatch.Consumer.
package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/registry"
	"github.com/luki/weathersensors/internal/sensor"
)

const (
	EventRealtime    = "realtime"
	EventAvailable   = "available"
	EventUnavailable = "unavailable"
	EventSettings    = "settings"

	writeWait = 10 * time.Second
)

// Frame is one message on the websocket.
type Frame struct {
	Event      string             `json:"event"`
	Handle     binding.Handle     `json:"handle,omitempty"`
	Capability sensor.Capability  `json:"capability,omitempty"`
	Value      any                `json:"value,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Settings   *dispatch.Settings `json:"settings,omitempty"`
	Sensors    []registry.Display `json:"sensors,omitempty"`
	At         time.Time          `json:"at"`
}

// Options configures a Feed.
type Options struct {
	Buffer int // frames queued per client before the oldest is dropped
	Logger *slog.Logger
	Clock  func() time.Time
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Feed is an http.Handler upgrading requests to websocket subscriptions.
type Feed struct {
	log      *slog.Logger
	now      func() time.Time
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	last    []byte // latest sensor_update frame, replayed to new clients
	closed  bool
}

func New(opts Options) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Feed{
		log:    opts.Logger,
		now:    opts.Clock,
		buffer: opts.Buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection and streams frames until the client
// goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, f.buffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c.id] = c
	if f.last != nil {
		c.send <- f.last
	}
	f.mu.Unlock()
	f.log.Info("feed client connected", "client", c.id, "remote", r.RemoteAddr)

	go f.writeLoop(c)
	f.readLoop(c)
}

// readLoop only watches for the client closing; inbound frames are ignored.
func (f *Feed) readLoop(c *client) {
	defer f.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.log.Debug("feed write failed", "client", c.id, "error", err)
			f.remove(c)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.id]; !ok {
		return
	}
	delete(f.clients, c.id)
	close(c.send)
	f.log.Info("feed client disconnected", "client", c.id)
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client and refuses new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, c := range f.clients {
		delete(f.clients, id)
		close(c.send)
	}
}

func (f *Feed) publish(fr Frame) error {
	fr.At = f.now()
	msg, err := json.Marshal(fr)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if fr.Event == dispatch.EventSensorUpdate {
		f.last = msg
	}
	for _, c := range f.clients {
		select {
		case c.send <- msg:
		default:
			// drop oldest if the client is slow
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
	return nil
}

func (f *Feed) Broadcast(_ context.Context, event string, sensors []registry.Display) error {
	return f.publish(Frame{Event: event, Sensors: sensors})
}

func (f *Feed) Realtime(_ context.Context, h binding.Handle, c sensor.Capability, value any) error {
	return f.publish(Frame{Event: EventRealtime, Handle: h, Capability: c, Value: value})
}

func (f *Feed) SetAvailable(_ context.Context, h binding.Handle) error {
	return f.publish(Frame{Event: EventAvailable, Handle: h})
}

func (f *Feed) SetUnavailable(_ context.Context, h binding.Handle, reason string) error {
	return f.publish(Frame{Event: EventUnavailable, Handle: h, Reason: reason})
}

func (f *Feed) SetSettings(_ context.Context, h binding.Handle, s dispatch.Settings) error {
	return f.publish(Frame{Event: EventSettings, Handle: h, Settings: &s})
}
