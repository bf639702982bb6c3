// Package config reads host configuration from command-line flags with
// WEATHERSENSORS_* environment fallbacks.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/luki/weathersensors/internal/logger"
	"github.com/luki/weathersensors/internal/sensor"
)

const envPrefix = "WEATHERSENSORS_"

var (
	ErrListen     = errors.New("listen address must be host:port")
	ErrQueueSize  = errors.New("queue size must be greater than 0")
	ErrFeedBuffer = errors.New("feed buffer must be greater than 0")
	ErrLogLevel   = errors.New("invalid log level")
	ErrLogFormat  = errors.New("log format must be text or json")
	ErrEnv        = errors.New("invalid environment value")
)

// Config holds validated settings for one run.
type Config struct {
	Listen     string
	Locale     sensor.Locale
	CaptureDir string // empty disables capture
	Capture    bool
	LogLevel   string
	LogFormat  string
	QueueSize  int
	FeedBuffer int
	PairFile   string
	Args       []string // positional arguments left after the flags
}

// Load parses args (without the program or subcommand name). Environment
// values become flag defaults, so explicit flags win.
func Load(name string, args []string, getenv func(string) string) (*Config, error) {
	env := func(key string) string { return getenv(envPrefix + key) }

	queueDefault, err := envInt(env, "QUEUE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	feedDefault, err := envInt(env, "FEED_BUFFER", 16)
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listen := fs.String("listen", or(env("LISTEN"), ":8090"), "HTTP listen address")
	locale := fs.String("locale", or(env("LOCALE"), hostLanguage(getenv)), "display language (en, nl)")
	capture := fs.Bool("capture", env("CAPTURE_DIR") != "", "record accepted readings to CSV")
	captureDir := fs.String("capture-dir", env("CAPTURE_DIR"), "capture directory (default ~/.weathersensors-data)")
	logLevel := fs.String("log-level", or(env("LOG_LEVEL"), "info"), "debug, info, warn or error")
	logFormat := fs.String("log-format", or(env("LOG_FORMAT"), "text"), "text or json")
	queueSize := fs.Int("queue-size", queueDefault, "pending notification batches before the oldest is dropped")
	feedBuffer := fs.Int("feed-buffer", feedDefault, "pending frames per websocket client")
	pairFile := fs.String("pair-file", env("PAIR_FILE"), "JSON list of paired devices to restore at start")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Listen:     *listen,
		Locale:     sensor.MatchLocale(*locale),
		Capture:    *capture || *captureDir != "",
		CaptureDir: *captureDir,
		LogLevel:   *logLevel,
		LogFormat:  strings.ToLower(*logFormat),
		QueueSize:  *queueSize,
		FeedBuffer: *feedBuffer,
		PairFile:   *pairFile,
		Args:       fs.Args(),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if i := strings.LastIndex(c.Listen, ":"); i < 0 {
		return fmt.Errorf("%w: %q", ErrListen, c.Listen)
	} else if _, err := strconv.Atoi(c.Listen[i+1:]); err != nil {
		return fmt.Errorf("%w: %q", ErrListen, c.Listen)
	}
	if c.QueueSize <= 0 {
		return ErrQueueSize
	}
	if c.FeedBuffer <= 0 {
		return ErrFeedBuffer
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %q", ErrLogLevel, c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: %q", ErrLogFormat, c.LogFormat)
	}
	return nil
}

// hostLanguage follows the POSIX precedence of LC_ALL over LANG.
func hostLanguage(getenv func(string) string) string {
	if v := getenv("LC_ALL"); v != "" {
		return v
	}
	return getenv("LANG")
}

func envInt(env func(string) string, key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s=%q", ErrEnv, envPrefix, key, v)
	}
	return n, nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
