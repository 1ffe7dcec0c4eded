package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/deskhubhq/deskhub/internal/platform/adapters/lark"
	"github.com/deskhubhq/deskhub/internal/platform/adapters/telegram"
	"github.com/deskhubhq/deskhub/internal/platform/adapters/webchat"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "deskhub"
	DefaultPGSSLMode    = "disable"
	DefaultStoreDriver  = "postgres"
	DefaultSyncBatch    = 100
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Sync      SyncConfig      `toml:"sync"`
	Platforms PlatformsConfig `toml:"platforms"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// StoreConfig selects the persistence backend. "memory" is for
// development and tests only; it loses everything on restart.
type StoreConfig struct {
	Driver string `toml:"driver"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type SyncConfig struct {
	BatchSize int `toml:"batch_size"`
	// Schedule is a cron spec for periodic full syncs; empty disables them.
	Schedule string `toml:"schedule"`
}

// PlatformsConfig holds per-platform credentials. A platform with no
// section stays unregistered; its webhooks answer 404.
type PlatformsConfig struct {
	Telegram *telegram.Config `toml:"telegram"`
	Lark     *lark.Config     `toml:"lark"`
	Webchat  *webchat.Config  `toml:"webchat"`
}

// Load reads the config file, applying defaults for everything the
// file omits. A missing file yields the pure defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Sync: SyncConfig{
			BatchSize: DefaultSyncBatch,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ValidatePlatforms checks every configured platform credential set
// with the struct tag rules. It returns one error per bad platform so
// a typo in one section does not hide problems in another.
func (c Config) ValidatePlatforms() map[string]error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	failures := map[string]error{}
	if c.Platforms.Telegram != nil {
		if err := validate.Struct(c.Platforms.Telegram); err != nil {
			failures["telegram"] = err
		}
	}
	if c.Platforms.Lark != nil {
		if err := validate.Struct(c.Platforms.Lark); err != nil {
			failures["lark"] = err
		}
	}
	if c.Platforms.Webchat != nil {
		if err := validate.Struct(c.Platforms.Webchat); err != nil {
			failures["webchat"] = err
		}
	}
	return failures
}
