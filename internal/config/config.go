// Package config reads docsync settings from the environment, after
// loading any .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string

	// shared with the document application: signs tokens and authenticates
	// trusted service calls
	Secret          string
	AllowSecretAuth bool
	TokenLeeway     time.Duration

	StorageBackend  string // memory, bolt, mongo, redis, postgres
	BoltPath        string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	PostgresURL     string

	FlushInterval    time.Duration
	FlushAttempts    int
	FlushBackoff     time.Duration
	FlushMaxBackoff  time.Duration
	FlushTimeout     time.Duration
	RoomGracePeriod  time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	SendQueue        int
	MaxPending       int // per document
	AllowedOrigins   []string
	ShutdownDeadline time.Duration

	LogLevel  string
	LogPretty bool
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Addr:             ":4444",
		AllowSecretAuth:  true,
		TokenLeeway:      5 * time.Second,
		StorageBackend:   "memory",
		BoltPath:         "docsync.db",
		MongoURI:         "mongodb://localhost:27017",
		MongoDatabase:    "docsync",
		MongoCollection:  "snapshots",
		RedisAddr:        "localhost:6379",
		PostgresURL:      "postgres://localhost:5432/docsync",
		FlushInterval:    5 * time.Second,
		FlushAttempts:    5,
		FlushBackoff:     200 * time.Millisecond,
		FlushMaxBackoff:  10 * time.Second,
		FlushTimeout:     5 * time.Second,
		RoomGracePeriod:  30 * time.Second,
		PingInterval:     25 * time.Second,
		IdleTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageBytes:  4 << 20,
		SendQueue:        256,
		MaxPending:       4096,
		ShutdownDeadline: 15 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads the given .env files (missing ones are skipped; none means
// ".env") and then the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	p.str("ADDR", &c.Addr)
	p.str("COLLABORATION_SERVER_SECRET", &c.Secret)
	p.boolean("ALLOW_SECRET_AUTH", &c.AllowSecretAuth)
	p.duration("TOKEN_LEEWAY", &c.TokenLeeway)

	p.str("STORAGE_BACKEND", &c.StorageBackend)
	p.str("BOLT_PATH", &c.BoltPath)
	p.str("MONGO_URI", &c.MongoURI)
	p.str("MONGO_DATABASE", &c.MongoDatabase)
	p.str("MONGO_COLLECTION", &c.MongoCollection)
	p.str("REDIS_ADDR", &c.RedisAddr)
	p.str("REDIS_PASSWORD", &c.RedisPassword)
	p.integer("REDIS_DB", &c.RedisDB)
	p.str("DATABASE_URL", &c.PostgresURL)

	p.duration("FLUSH_INTERVAL", &c.FlushInterval)
	p.integer("FLUSH_ATTEMPTS", &c.FlushAttempts)
	p.duration("FLUSH_BACKOFF", &c.FlushBackoff)
	p.duration("FLUSH_MAX_BACKOFF", &c.FlushMaxBackoff)
	p.duration("FLUSH_TIMEOUT", &c.FlushTimeout)
	p.duration("ROOM_GRACE_PERIOD", &c.RoomGracePeriod)
	p.duration("PING_INTERVAL", &c.PingInterval)
	p.duration("IDLE_TIMEOUT", &c.IdleTimeout)
	p.duration("WRITE_TIMEOUT", &c.WriteTimeout)
	var maxMsg int
	if p.integer("MAX_MESSAGE_BYTES", &maxMsg) {
		c.MaxMessageBytes = int64(maxMsg)
	}
	p.integer("SEND_QUEUE", &c.SendQueue)
	p.integer("MAX_PENDING", &c.MaxPending)
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	p.duration("SHUTDOWN_DEADLINE", &c.ShutdownDeadline)

	p.str("LOG_LEVEL", &c.LogLevel)
	p.boolean("LOG_PRETTY", &c.LogPretty)

	if p.err != nil {
		return Config{}, p.err
	}
	return c, c.Validate()
}

// Validate checks settings that would make the engine misbehave.
func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("config: COLLABORATION_SERVER_SECRET is required")
	}
	switch c.StorageBackend {
	case "memory", "bolt", "mongo", "redis", "postgres":
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.PingInterval >= c.IdleTimeout {
		return errors.New("config: PING_INTERVAL must be shorter than IDLE_TIMEOUT")
	}
	if c.FlushAttempts < 1 || c.SendQueue < 1 || c.MaxPending < 1 {
		return errors.New("config: FLUSH_ATTEMPTS, SEND_QUEUE and MAX_PENDING must be positive")
	}
	return nil
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) boolean(key string, dst *bool) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = b
}

func (p *parser) integer(key string, dst *int) bool {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
		return false
	}
	*dst = n
	return true
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = d
}
