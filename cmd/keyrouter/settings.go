package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the process configuration, read from KEYROUTER_* variables.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	ConfigPath string `envconfig:"CONFIG" default:"keyrouter.yaml"`

	Ledger      string        `envconfig:"LEDGER" default:"memory"`
	RedisAddr   string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPrefix string        `envconfig:"REDIS_PREFIX" default:"keyrouter:ledger:"`
	RedisTTL    time.Duration `envconfig:"REDIS_IDLE_TTL" default:"0"`
	PostgresDSN string        `envconfig:"POSTGRES_DSN" default:""`

	SQLitePath string        `envconfig:"SQLITE_PATH" default:""`
	FernetKey  string        `envconfig:"FERNET_KEY" default:""`
	CacheTTL   time.Duration `envconfig:"CACHE_TTL" default:"10s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	AdminToken   string        `envconfig:"ADMIN_TOKEN" default:""`
	ReplyTimeout time.Duration `envconfig:"REPLY_TIMEOUT" default:"60s"`
	SystemPrompt string        `envconfig:"SYSTEM_PROMPT" default:""`

	SnapshotSchedule string        `envconfig:"SNAPSHOT_SCHEDULE" default:"@every 1m"`
	PurgeSchedule    string        `envconfig:"PURGE_SCHEDULE" default:"@hourly"`
	PurgeIdle        time.Duration `envconfig:"PURGE_IDLE" default:"48h"`
	RefreshSchedule  string        `envconfig:"REGISTRY_REFRESH_SCHEDULE" default:"@every 5m"`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("KEYROUTER", &s); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use json or text)", format)
	}
}
