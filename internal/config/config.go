// Package config reads the environment of the chat binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"ephemeral-chat/internal/broker"
	"ephemeral-chat/internal/session"
)

// Client configures the terminal client and the load tester.
type Client struct {
	ServerURL     string        `env:"CHAT_SERVER_URL"         envDefault:"ws://localhost:8080/ws"`
	RoomsURL      string        `env:"CHAT_ROOMS_URL"          envDefault:"http://localhost:8080"`
	ReconnectBase time.Duration `env:"CHAT_RECONNECT_BASE"     envDefault:"1s"`
	ReconnectCap  time.Duration `env:"CHAT_RECONNECT_CAP"      envDefault:"15s"`
	MaxAttempts   int           `env:"CHAT_MAX_ATTEMPTS"       envDefault:"5"` // negative retries forever
	Grace         time.Duration `env:"CHAT_RECONNECT_GRACE"    envDefault:"750ms"`
	PingInterval  time.Duration `env:"CHAT_PING_INTERVAL"      envDefault:"25s"`
	TypingWindow  time.Duration `env:"CHAT_TYPING_WINDOW"      envDefault:"3s"`
	MessageTTL    time.Duration `env:"CHAT_MESSAGE_TTL"        envDefault:"4m"`
	SweepInterval time.Duration `env:"CHAT_LOCAL_EXPIRY_SWEEP" envDefault:"10s"`
	Token         string        `env:"CHAT_TOKEN"`
	LogLevel      string        `env:"CHAT_LOG_LEVEL"          envDefault:"warn"`
}

// SessionOptions maps the client settings onto a session manager.
func (c Client) SessionOptions(log *slog.Logger) session.Options {
	return session.Options{
		URL:           c.ServerURL,
		BackoffBase:   c.ReconnectBase,
		BackoffCap:    c.ReconnectCap,
		MaxAttempts:   c.MaxAttempts,
		Grace:         c.Grace,
		PingInterval:  c.PingInterval,
		TypingWindow:  c.TypingWindow,
		MessageTTL:    c.MessageTTL,
		SweepInterval: c.SweepInterval,
		Logger:        log,
	}
}

// Directory backends for the broker.
const (
	DirectoryMemory   = "memory"
	DirectoryRedis    = "redis"
	DirectoryPostgres = "postgres"
)

// Broker configures the development broker.
type Broker struct {
	Addr         string        `env:"BROKER_ADDR"          envDefault:":8080"`
	JWTSecret    string        `env:"BROKER_JWT_SECRET"`
	TokenTTL     time.Duration `env:"BROKER_TOKEN_TTL"     envDefault:"24h"`
	MessageTTL   time.Duration `env:"BROKER_MESSAGE_TTL"   envDefault:"4m"`
	HistoryLimit int           `env:"BROKER_HISTORY_LIMIT" envDefault:"100"`
	Directory    string        `env:"BROKER_DIRECTORY"     envDefault:"memory"`
	RedisAddr    string        `env:"BROKER_REDIS_ADDR"    envDefault:"localhost:6379"`
	DBDSN        string        `env:"BROKER_DB_DSN"`
	RoomTTL      time.Duration `env:"BROKER_ROOM_TTL"      envDefault:"1h"`
	LogLevel     string        `env:"BROKER_LOG_LEVEL"     envDefault:"info"`
}

// BrokerConfig maps the settings onto the room broker.
func (b Broker) BrokerConfig(log *slog.Logger) broker.Config {
	return broker.Config{
		MessageTTL:   b.MessageTTL,
		HistoryLimit: b.HistoryLimit,
		Logger:       log,
	}
}

func (b Broker) validate() error {
	switch b.Directory {
	case DirectoryMemory, DirectoryRedis:
	case DirectoryPostgres:
		if b.DBDSN == "" {
			return errors.New("BROKER_DB_DSN is required for the postgres directory")
		}
	default:
		return fmt.Errorf("unknown BROKER_DIRECTORY %q", b.Directory)
	}
	return nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func LoadBroker() (Broker, error) {
	var cfg Broker
	if err := env.Parse(&cfg); err != nil {
		return Broker{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Directory = strings.ToLower(strings.TrimSpace(cfg.Directory))
	if err := cfg.validate(); err != nil {
		return Broker{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the environment. Missing files are fine;
// variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// NewLogger returns a text logger on stderr at the named level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
