package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "meshforge.db"
	defaultSocketPath  = "/run/meshforge/engine.sock"
	defaultRendererBin = "meshforge-render"
	defaultTimeout     = 30 * time.Second

	// DefaultMaxSourceBytes is the payload size ceiling for a render job.
	DefaultMaxSourceBytes = 1 << 20

	envListenAddr      = "MESHFORGE_LISTEN_ADDR"
	envDBPath          = "MESHFORGE_DB_PATH"
	envLogLevel        = "MESHFORGE_LOG_LEVEL"
	envSocketPath      = "MESHFORGE_SANDBOX_SOCKET"
	envRendererBin     = "MESHFORGE_RENDERER_BIN"
	envBackend         = "MESHFORGE_BACKEND"
	envForceLocal      = "MESHFORGE_FORCE_LOCAL"
	envFallbackEnabled = "MESHFORGE_FALLBACK_ENABLED"
	envTimeoutMS       = "MESHFORGE_TIMEOUT_MS"
	envPlaceholder     = "MESHFORGE_PLACEHOLDER_ON_FAILURE"
)

// Config holds application configuration loaded from environment variables.
// Selection knobs (backend preference, fallback, timeout) are loaded once
// here and handed to a Policy, which owns them afterward.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	SocketPath  string
	RendererBin string

	Backend              string
	ForceLocal           bool
	FallbackEnabled      bool
	Timeout              time.Duration
	PlaceholderOnFailure bool
	MaxSourceBytes       int
}

// Load reads configuration from environment variables with sensible defaults.
// It is called once at process start; runtime changes go through Policy setters.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		SocketPath:      defaultSocketPath,
		RendererBin:     defaultRendererBin,
		Backend:         "auto",
		FallbackEnabled: true,
		Timeout:         defaultTimeout,
		MaxSourceBytes:  DefaultMaxSourceBytes,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envSocketPath); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv(envRendererBin); v != "" {
		cfg.RendererBin = v
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(envForceLocal); v != "" {
		cfg.ForceLocal = parseBool(v)
	}
	if v := os.Getenv(envFallbackEnabled); v != "" {
		cfg.FallbackEnabled = parseBool(v)
	}
	if v := os.Getenv(envTimeoutMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(envPlaceholder); v != "" {
		cfg.PlaceholderOnFailure = parseBool(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(s))
	return err == nil && b
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
