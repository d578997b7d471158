package configuration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"Parley/internal/access"
)

const DefaultConfigPath = "config/config.dev.json"

type MongoConfig struct {
	Uri                string `json:"uri"`
	Database           string `json:"database"`
	MessagesCollection string `json:"messagesCollection"`
}

type ReservationsConfig struct {
	Driver string `json:"driver"` // postgres or sqlite3
	Dsn    string `json:"dsn"`
	// Migrate creates the reservations table on start. Meant for sqlite dev setups.
	Migrate bool `json:"migrate"`
}

type ServerConfig struct {
	AppPort        int      `json:"app_port"`
	SocketPort     int      `json:"socket_port"`
	SocketRoute    string   `json:"socket_route"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type ChatConfig struct {
	TimeZone            string  `json:"time_zone"`
	PaymentAuthorizes   *bool   `json:"payment_authorizes"`
	GateIntervalSeconds int     `json:"gate_interval_seconds"`
	RetryBaseMs         int     `json:"retry_base_ms"`
	RetryMaxMs          int     `json:"retry_max_ms"`
	MaxAttempts         int     `json:"max_attempts"`
	TypingIdleMs        int     `json:"typing_idle_ms"`
	MatchWindowMs       int     `json:"match_window_ms"`
	MaxContentLength    int     `json:"max_content_length"`
	TypingPerSecond     float64 `json:"typing_per_second"`
	TypingBurst         int     `json:"typing_burst"`
}

type LoggingConfig struct {
	Development bool `json:"development"`
}

type Config struct {
	Mongo        MongoConfig        `json:"mongo"`
	Reservations ReservationsConfig `json:"reservations"`
	Server       ServerConfig       `json:"server"`
	Chat         ChatConfig         `json:"chat"`
	Logging      LoggingConfig      `json:"logging"`
}

// LoadConfig reads the JSON file at config_path, after loading .env, and then
// applies PARLEY_* environment overrides. An empty path falls back to
// PARLEY_CONFIG and then DefaultConfigPath.
func LoadConfig(config_path string) (*Config, error) {
	_ = godotenv.Load(".env")

	if config_path == "" {
		config_path = os.Getenv("PARLEY_CONFIG")
	}
	if config_path == "" {
		config_path = DefaultConfigPath
	}

	file, err := os.ReadFile(config_path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = json.Unmarshal(file, &config)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", config_path, err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PARLEY_MONGO_URI"); v != "" {
		c.Mongo.Uri = v
	}
	if v := os.Getenv("PARLEY_RESERVATIONS_DSN"); v != "" {
		c.Reservations.Dsn = v
	}
	if v := os.Getenv("PARLEY_APP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PARLEY_APP_PORT: %w", err)
		}
		c.Server.AppPort = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Mongo.MessagesCollection == "" {
		c.Mongo.MessagesCollection = "messages"
	}
	if c.Reservations.Driver == "" {
		c.Reservations.Driver = "postgres"
	}
	if c.Server.SocketRoute == "" {
		c.Server.SocketRoute = "ws"
	}
	if c.Chat.TimeZone == "" {
		c.Chat.TimeZone = "Local"
	}
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Mongo.Uri == "":
		return errors.New("config: mongo.uri is required")
	case c.Mongo.Database == "":
		return errors.New("config: mongo.database is required")
	case c.Reservations.Dsn == "":
		return errors.New("config: reservations.dsn is required")
	case c.Reservations.Driver != "postgres" && c.Reservations.Driver != "sqlite3":
		return fmt.Errorf("config: unsupported reservations.driver %q", c.Reservations.Driver)
	case c.Server.AppPort <= 0:
		return errors.New("config: server.app_port is required")
	case c.Server.SocketPort <= 0:
		return errors.New("config: server.socket_port is required")
	case c.Server.SocketPort == c.Server.AppPort:
		return errors.New("config: server.socket_port must differ from app_port")
	}
	if _, err := c.Chat.Location(); err != nil {
		return fmt.Errorf("config: chat.time_zone: %w", err)
	}
	return nil
}

// Location is the zone reservation dates and times are written in.
func (c ChatConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

// Policy builds the access policy. Payment authorizes unless disabled.
func (c ChatConfig) Policy() access.Policy {
	policy := access.DefaultPolicy()
	if c.PaymentAuthorizes != nil {
		policy.PaymentAuthorizes = *c.PaymentAuthorizes
	}
	if loc, err := c.Location(); err == nil {
		policy.Location = loc
	}
	return policy
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func (c ChatConfig) GateInterval() time.Duration {
	return time.Duration(c.GateIntervalSeconds) * time.Second
}

func (c ChatConfig) RetryBase() time.Duration   { return millis(c.RetryBaseMs) }
func (c ChatConfig) RetryMax() time.Duration    { return millis(c.RetryMaxMs) }
func (c ChatConfig) TypingIdle() time.Duration  { return millis(c.TypingIdleMs) }
func (c ChatConfig) MatchWindow() time.Duration { return millis(c.MatchWindowMs) }
