package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg, err := Load()

	req.NoError(err)
	req.Equal("mysql", cfg.StoreDriver)
	req.Equal("8080", cfg.ServerPort)
	req.Equal(5*time.Second, cfg.PresenceGrace)
	req.Equal(64, cfg.WSSendBuffer)
	req.Equal([]string{"http://localhost:3000", "http://127.0.0.1:3000"}, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example.com ,https://b.example.com,")
	t.Setenv("PRESENCE_GRACE", "250ms")

	cfg, err := Load()

	req.NoError(err)
	req.Equal("badger", cfg.StoreDriver)
	req.Equal([]string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	req.Equal(250*time.Millisecond, cfg.PresenceGrace)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		require.ErrorContains(t, err, "JWT_SECRET")
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("STORE_DRIVER", "sqlite")
		_, err := Load()
		require.ErrorContains(t, err, "STORE_DRIVER")
	})
}

func TestDSN(t *testing.T) {
	cfg := Config{DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: "3306", DBName: "chat"}
	require.Equal(t, "u:p@tcp(db:3306)/chat?parseTime=true&loc=UTC", cfg.DSN())
}
