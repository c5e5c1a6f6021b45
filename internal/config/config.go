package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
)

const defaultAllowedOrigins = "http://localhost:3000,http://127.0.0.1:3000"

// Config holds application configuration
type Config struct {
	// MariaDB接続設定
	DBHost     string `env:"DB_HOST,default=localhost"`
	DBPort     string `env:"DB_PORT,default=3306"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`

	// mysql | badger
	StoreDriver string `env:"STORE_DRIVER,default=mysql"`
	BadgerPath  string `env:"BADGER_PATH,default=./data/badger"`

	// サーバー設定
	ServerPort      string        `env:"SERVER_PORT,default=8080"`
	Env             string        `env:"ENV,default=development"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// CORS設定
	AllowedOriginsRaw string `env:"ALLOWED_ORIGINS"`
	AllowedOrigins    []string

	// 認証
	JWTSecret         string        `env:"JWT_SECRET"`
	JWTIssuer         string        `env:"JWT_ISSUER,default=staychat"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`

	// リアルタイム
	PresenceGrace     time.Duration `env:"PRESENCE_GRACE,default=5s"`
	WSSendBuffer      int           `env:"WS_SEND_BUFFER,default=64"`
	WSWriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT,default=10s"`
	WSPongTimeout     time.Duration `env:"WS_PONG_TIMEOUT,default=60s"`
	WSEventsPerSecond float64       `env:"WS_EVENTS_PER_SECOND,default=20"`
	WSEventBurst      int           `env:"WS_EVENT_BURST,default=40"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}

	// タグの既定値はカンマを含められないのでここで補う
	if cfg.AllowedOriginsRaw == "" {
		cfg.AllowedOriginsRaw = defaultAllowedOrigins
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOriginsRaw)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case "mysql", "badger":
	default:
		return fmt.Errorf("STORE_DRIVER must be mysql or badger, got %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	return nil
}

// DSN builds the MySQL data source name
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

func splitOrigins(raw string) []string {
	origins := strings.Split(raw, ",")
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
