// Package server exposes the hub over HTTP: decoders post readings, the
// pairing flow lists and pairs sensors, and subscribers attach to the
// websocket feed.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/luki/weathersensors/internal/binding"
	"github.com/luki/weathersensors/internal/registry"
	"github.com/luki/weathersensors/internal/sensor"
)

// Core is the part of the hub the HTTP API drives.
type Core interface {
	SubmitReading(r *sensor.Reading) bool
	PairConsumer(id sensor.Identity, h binding.Handle, name string) binding.Binding
	UnpairConsumer(id sensor.Identity) bool
	RenameConsumer(id sensor.Identity, name string) bool
	ListDiscoveredByCategory(cat sensor.Category) []registry.Summary
	CapabilityValue(id sensor.Identity, c sensor.Capability) (any, bool, error)
	Snapshot() []registry.Display
	Bindings() []binding.Binding
}

// Recorder keeps a copy of every accepted raw reading.
type Recorder interface {
	Write(r *sensor.Reading, t time.Time) error
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr   string       // address to bind (e.g. :8090)
	Core         Core         // required
	Feed         http.Handler // optional websocket feed mounted at /ws
	Capture      Recorder     // optional
	Clock        func() time.Time
	Logger       *slog.Logger // optional
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrNilCore = errors.New("server: core is nil")

// Handler builds the API mux.
func Handler(cfg Config) (http.Handler, error) {
	if cfg.Core == nil {
		return nil, ErrNilCore
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	a := &api{core: cfg.Core, capture: cfg.Capture, now: cfg.Clock, log: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/readings", a.submitReading)
	mux.HandleFunc("GET /api/sensors", a.listSensors)
	mux.HandleFunc("GET /api/sensors/discover", a.discover)
	mux.HandleFunc("GET /api/devices", a.listDevices)
	mux.HandleFunc("POST /api/devices", a.pairDevice)
	mux.HandleFunc("PATCH /api/devices/{id}", a.renameDevice)
	mux.HandleFunc("DELETE /api/devices/{id}", a.unpairDevice)
	mux.HandleFunc("GET /api/devices/{id}/capabilities/{capability}", a.capabilityValue)
	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.Feed != nil {
		mux.Handle("GET /ws", cfg.Feed)
	}
	return mux, nil
}

// Start listens on cfg.ListenAddr. The returned channel receives a terminal
// error, if any, and is closed when the server stops. The server shuts down
// when ctx is cancelled.
func Start(ctx context.Context, cfg Config) (*http.Server, <-chan error, error) {
	h, err := Handler(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      h,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		log.Info("api listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", "addr", cfg.ListenAddr, "error", err)
			errCh <- err
		}
		close(errCh)
	}()

	go watchShutdown(ctx, srv, stopped)

	return srv, errCh, nil
}

// watchShutdown shuts srv down when ctx is done. It returns without doing
// anything once stopped is closed, i.e. the server has already exited.
func watchShutdown(ctx context.Context, srv *http.Server, stopped <-chan struct{}) {
	select {
	case <-stopped:
		return
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
