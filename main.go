// Command weathersensors tracks readings from wireless weather sensors,
// pairs them with consumer devices and streams changes to subscribers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/luki/weathersensors/internal/capture"
	"github.com/luki/weathersensors/internal/config"
	"github.com/luki/weathersensors/internal/dispatch"
	"github.com/luki/weathersensors/internal/feed"
	"github.com/luki/weathersensors/internal/hub"
	"github.com/luki/weathersensors/internal/logger"
	"github.com/luki/weathersensors/internal/monitor"
	"github.com/luki/weathersensors/internal/server"
)

const maxReplayGap = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) == 0 {
		printHelp(stderr)
		return 2
	}

	cmd, rest := strings.ToLower(args[0]), args[1:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, rest, stderr, getenv)
	case "monitor":
		err = runMonitor(ctx, rest, getenv)
	case "replay":
		err = runReplay(ctx, rest, stdout, stderr, getenv)
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printHelp(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: weathersensors <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              accept readings over HTTP and stream changes on /ws")
	fmt.Fprintln(w, "  monitor [FILE]     live view of incoming readings, or of a capture file")
	fmt.Fprintln(w, "  replay [FILE]      feed a capture file (default: latest day) and print the final snapshot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags (environment WEATHERSENSORS_<NAME>):")
	fmt.Fprintln(w, "  -listen ADDR       HTTP listen address (:8090)")
	fmt.Fprintln(w, "  -locale LANG       display language, en or nl (from LC_ALL/LANG)")
	fmt.Fprintln(w, "  -capture           record accepted readings to CSV")
	fmt.Fprintln(w, "  -capture-dir DIR   capture directory (~/.weathersensors-data)")
	fmt.Fprintln(w, "  -pair-file FILE    JSON list of paired devices to restore")
	fmt.Fprintln(w, "  -queue-size N      pending notification batches (256)")
	fmt.Fprintln(w, "  -feed-buffer N     pending frames per websocket client (16)")
	fmt.Fprintln(w, "  -log-level LEVEL   debug, info, warn, error")
	fmt.Fprintln(w, "  -log-format FMT    text or json")
}

// app is the hub with the websocket feed attached as both the device
// consumer and a snapshot subscriber.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	hub     *hub.Hub
	feed    *feed.Feed
	capture *capture.DiskStore
}

func newApp(cfg *config.Config, log *slog.Logger, extra ...dispatch.Broadcaster) (*app, error) {
	f := feed.New(feed.Options{Buffer: cfg.FeedBuffer, Logger: log})
	h := hub.New(hub.Options{
		Locale:      cfg.Locale,
		Logger:      log,
		Consumer:    f,
		Broadcaster: append(dispatch.Fanout{f}, extra...),
		QueueSize:   cfg.QueueSize,
	})
	a := &app{cfg: cfg, log: log, hub: h, feed: f}

	if cfg.PairFile != "" {
		pairings, err := hub.LoadPairings(cfg.PairFile)
		if err != nil {
			return nil, err
		}
		log.Info("restored paired devices", "count", h.Restore(pairings), "file", cfg.PairFile)
	}
	if cfg.Capture {
		ds, err := capture.New(cfg.CaptureDir)
		if err != nil {
			return nil, err
		}
		a.capture = ds
		log.Info("capturing readings", "dir", ds.Dir())
	}
	return a, nil
}

func (a *app) serverConfig() server.Config {
	sc := server.Config{
		ListenAddr: a.cfg.Listen,
		Core:       a.hub,
		Feed:       a.feed,
		Logger:     a.log,
	}
	if a.capture != nil {
		sc.Capture = a.capture
	}
	return sc
}

func (a *app) close() {
	a.hub.Close()
	a.feed.Close()
	if a.capture != nil {
		a.capture.Close()
	}
}

func runServe(ctx context.Context, args []string, stderr io.Writer, getenv func(string) string) error {
	cfg, err := config.Load("serve", args, getenv)
	if err != nil {
		return err
	}
	log, err := logger.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.hub.Run(ctx)

	_, errCh, err := server.Start(ctx, a.serverConfig())
	if err != nil {
		return err
	}
	log.Info("weather sensor hub running", "addr", cfg.Listen, "locale", cfg.Locale.String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received; stopping server")
		return nil
	}
}

func runMonitor(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := config.Load("monitor", args, getenv)
	if err != nil {
		return err
	}
	// The terminal belongs to the UI; logs would corrupt it.
	log := logger.Discard()

	sub := monitor.NewSubscriber()
	a, err := newApp(cfg, log, sub)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source := cfg.Listen
	var entries []capture.Entry
	if len(cfg.Args) > 0 {
		source = cfg.Args[0]
		entries, err = capture.LoadFile(source)
		if len(entries) == 0 && err != nil {
			return err
		}
	}

	p := tea.NewProgram(monitor.New(source), tea.WithAltScreen(), tea.WithContext(ctx))
	sub.Attach(p.Send)
	go a.hub.Run(ctx)

	if entries != nil {
		go replay(ctx, a.hub, entries, true)
	} else {
		_, errCh, err := server.Start(ctx, a.serverConfig())
		if err != nil {
			return err
		}
		go func() {
			if err := <-errCh; err != nil {
				p.Send(monitor.ErrMsg{Err: err})
			}
		}()
	}

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func runReplay(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	cfg, err := config.Load("replay", args, getenv)
	if err != nil {
		return err
	}
	log, err := logger.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	path, err := replayPath(cfg)
	if err != nil {
		return err
	}
	entries, err := capture.LoadFile(path)
	if err != nil {
		if len(entries) == 0 {
			return err
		}
		log.Warn("some capture rows skipped", "file", path, "error", err)
	}

	// No consumer or broadcaster, so nothing is queued.
	h := hub.New(hub.Options{Locale: cfg.Locale, Logger: log, QueueSize: cfg.QueueSize})
	if cfg.PairFile != "" {
		pairings, err := hub.LoadPairings(cfg.PairFile)
		if err != nil {
			return err
		}
		h.Restore(pairings)
	}
	accepted := replay(ctx, h, entries, false)
	h.Close()
	log.Info("replay finished", "file", path, "rows", len(entries), "accepted", accepted)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Sensors any `json:"sensors"`
		Devices any `json:"devices"`
	}{h.Snapshot(), h.Bindings()})
}

func replayPath(cfg *config.Config) (string, error) {
	if len(cfg.Args) > 0 {
		return cfg.Args[0], nil
	}
	days, err := capture.ListDays(cfg.CaptureDir)
	if err != nil {
		return "", err
	}
	if len(days) == 0 {
		return "", errors.New("no capture files found")
	}
	return capture.DayFile(cfg.CaptureDir, days[0]), nil
}

// replay submits captured readings in order. When paced, the recorded gaps
// between rows are reproduced, capped at maxReplayGap.
func replay(ctx context.Context, h *hub.Hub, entries []capture.Entry, paced bool) int {
	accepted := 0
	for i, e := range entries {
		if paced && i > 0 {
			gap := e.Time.Sub(entries[i-1].Time)
			if gap > maxReplayGap {
				gap = maxReplayGap
			}
			if gap > 0 {
				select {
				case <-ctx.Done():
					return accepted
				case <-time.After(gap):
				}
			}
		}
		if ctx.Err() != nil {
			return accepted
		}
		if h.SubmitReading(e.Reading) {
			accepted++
		}
	}
	return accepted
}
