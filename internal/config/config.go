// Package config holds the gateway settings. Values come from the process
// environment (optionally seeded from a .env file) with the defaults below.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	// Matchmaking
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultRetryInterval    = 2 * time.Second
	DefaultMediaTimeout     = 20 * time.Second
	DefaultStoreOpTimeout   = 5 * time.Second

	// Liveness
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLivenessTTL       = 20 * time.Second

	// Room GC
	DefaultRoomRetention = 10 * time.Minute
	DefaultRoomGCGrace   = 2 * time.Minute
)

// Matching groups the timers that bound every wait in the handshake.
type Matching struct {
	// HandshakeTimeout bounds Requesting and AwaitingDecision.
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"15s"`
	// RetryInterval is the backoff before searching again when nobody is available.
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"2s"`
	// MediaTimeout bounds how long a client may take to grant camera/microphone.
	MediaTimeout   time.Duration `env:"MEDIA_TIMEOUT" envDefault:"20s"`
	StoreOpTimeout time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"5s"`
	// PreferSharedInterests narrows the random pick to candidates sharing an interest, when any do.
	PreferSharedInterests bool `env:"PREFER_SHARED_INTERESTS" envDefault:"false"`
}

// DefaultMatching returns the timing used when no environment is involved (tests, tools).
func DefaultMatching() Matching {
	return Matching{
		HandshakeTimeout: DefaultHandshakeTimeout,
		RetryInterval:    DefaultRetryInterval,
		MediaTimeout:     DefaultMediaTimeout,
		StoreOpTimeout:   DefaultStoreOpTimeout,
	}
}

// WithDefaults fills every zero duration with its default.
func (m Matching) WithDefaults() Matching {
	d := DefaultMatching()
	if m.HandshakeTimeout <= 0 {
		m.HandshakeTimeout = d.HandshakeTimeout
	}
	if m.RetryInterval <= 0 {
		m.RetryInterval = d.RetryInterval
	}
	if m.MediaTimeout <= 0 {
		m.MediaTimeout = d.MediaTimeout
	}
	if m.StoreOpTimeout <= 0 {
		m.StoreOpTimeout = d.StoreOpTimeout
	}
	return m
}

type Redis struct {
	Addr      string `env:"REDIS_ADDR" envDefault:"localhost:6380"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"pc:"`
}

type Liveness struct {
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	TTL               time.Duration `env:"LIVENESS_TTL" envDefault:"20s"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL" envDefault:"10s"`
}

type RoomGC struct {
	Interval  time.Duration `env:"ROOM_GC_INTERVAL" envDefault:"1m"`
	Retention time.Duration `env:"ROOM_RETENTION" envDefault:"10m"`
	Grace     time.Duration `env:"ROOM_GC_GRACE" envDefault:"2m"`
}

// Config is the full gateway configuration.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN" envDefault:"host=localhost user=user password=password dbname=pairchat port=5432 sslmode=disable"`
	// JWTSecret signs the anon-id tickets handed out by /anonid.
	JWTSecret        string `env:"JWT_SECRET" envDefault:"change-me"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"text"`

	Redis    Redis
	Matching Matching
	Liveness Liveness
	RoomGC   RoomGC
}

// Load reads an optional .env file and parses the environment into a Config.
// A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Matching.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: HANDSHAKE_TIMEOUT must be positive")
	}
	if c.Matching.RetryInterval <= 0 {
		return fmt.Errorf("config: RETRY_INTERVAL must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	if c.Liveness.TTL <= c.Liveness.HeartbeatInterval {
		return fmt.Errorf("config: LIVENESS_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.Liveness.TTL, c.Liveness.HeartbeatInterval)
	}
	return nil
}

// NewLogger builds the process logger: JSON when LOG_FORMAT is "json", text otherwise.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
