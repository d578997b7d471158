package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "mongo": {"uri": "mongodb://localhost:27017", "database": "parley"},
  "reservations": {"driver": "sqlite3", "dsn": ":memory:"},
  "server": {"app_port": 8080, "socket_port": 8081},
  "chat": {"time_zone": "UTC", "payment_authorizes": false, "retry_base_ms": 250, "typing_idle_ms": 1500}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "messages", cfg.Mongo.MessagesCollection)
	assert.Equal(t, "ws", cfg.Server.SocketRoute)
	assert.Equal(t, 250*time.Millisecond, cfg.Chat.RetryBase())
	assert.Equal(t, 1500*time.Millisecond, cfg.Chat.TypingIdle())
	assert.Zero(t, cfg.Chat.GateInterval())

	policy := cfg.Chat.Policy()
	assert.False(t, policy.PaymentAuthorizes)
	assert.Equal(t, time.UTC, policy.Location)
}

func TestPaymentAuthorizesByDefault(t *testing.T) {
	assert.True(t, ChatConfig{}.Policy().PaymentAuthorizes)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_MONGO_URI", "mongodb://mongo:27017")
	t.Setenv("PARLEY_RESERVATIONS_DSN", "postgres://db/parley")
	t.Setenv("PARLEY_APP_PORT", "9090")

	cfg, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "mongodb://mongo:27017", cfg.Mongo.Uri)
	assert.Equal(t, "postgres://db/parley", cfg.Reservations.Dsn)
	assert.Equal(t, 9090, cfg.Server.AppPort)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	t.Setenv("PARLEY_CONFIG", writeConfig(t, sample))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "parley", cfg.Mongo.Database)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Mongo:        MongoConfig{Uri: "mongodb://x", Database: "parley"},
			Reservations: ReservationsConfig{Driver: "postgres", Dsn: "postgres://x"},
			Server:       ServerConfig{AppPort: 8080, SocketPort: 8081},
			Chat:         ChatConfig{TimeZone: "UTC"},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"no mongo uri":   func(c *Config) { c.Mongo.Uri = "" },
		"no dsn":         func(c *Config) { c.Reservations.Dsn = "" },
		"bad driver":     func(c *Config) { c.Reservations.Driver = "mysql" },
		"same ports":     func(c *Config) { c.Server.SocketPort = c.Server.AppPort },
		"no socket port": func(c *Config) { c.Server.SocketPort = 0 },
		"bad zone":       func(c *Config) { c.Chat.TimeZone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	t.Setenv("PARLEY_APP_PORT", "eighty")
	_, err := LoadConfig(writeConfig(t, sample))
	assert.Error(t, err)
}
