// Package config loads worker settings from defaults, an optional config
// file, .env and WAWEB_* environment variables.
package config

import (
	"encoding/json"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const EnvPrefix = "WAWEB"

type Config struct {
	WorkerID  string          `mapstructure:"worker_id"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Contacts  ContactsConfig  `mapstructure:"contacts"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type WhatsAppConfig struct {
	AuthDir       string `mapstructure:"auth_dir"`
	AuthPrefix    string `mapstructure:"auth_prefix"`
	OSName        string `mapstructure:"os_name"`
	PrintQR       bool   `mapstructure:"print_qr"`
	DownloadMedia bool   `mapstructure:"download_media"`
	ProxyList     string `mapstructure:"proxy_list"`
	ProxyType     string `mapstructure:"proxy_type"`
}

type LifecycleConfig struct {
	InitTimeout       time.Duration `mapstructure:"init_timeout"`
	LogoutTimeout     time.Duration `mapstructure:"logout_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout"`
	IdleSweep         string        `mapstructure:"idle_sweep"`
	IdleThreshold     time.Duration `mapstructure:"idle_threshold"`
	ProbeConcurrency  int           `mapstructure:"probe_concurrency"`
	RestoreWorkers    int           `mapstructure:"restore_workers"`
}

type ContactsConfig struct {
	FetchTimeout   time.Duration     `mapstructure:"fetch_timeout"`
	HomePrefix     string            `mapstructure:"home_prefix"`
	TenantPrefixes map[string]string `mapstructure:"-"`
	SyncWorkers    int               `mapstructure:"sync_workers"`
}

type MessagingConfig struct {
	DefaultDelay time.Duration `mapstructure:"default_delay"`
	HistorySize  int           `mapstructure:"history_size"`
	MediaTimeout time.Duration `mapstructure:"media_timeout"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// SetDefaults registers every key so environment variables can override
// it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("worker_id", "worker-1")

	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 64)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("whatsapp.auth_dir", "./sessions")
	v.SetDefault("whatsapp.auth_prefix", "session-")
	v.SetDefault("whatsapp.os_name", "Windows")
	v.SetDefault("whatsapp.print_qr", false)
	v.SetDefault("whatsapp.download_media", true)
	v.SetDefault("whatsapp.proxy_list", "")
	v.SetDefault("whatsapp.proxy_type", "socks5")

	v.SetDefault("lifecycle.init_timeout", 60*time.Second)
	v.SetDefault("lifecycle.logout_timeout", 10*time.Second)
	v.SetDefault("lifecycle.keepalive_interval", 30*time.Second)
	v.SetDefault("lifecycle.reconnect_delay", 5*time.Second)
	v.SetDefault("lifecycle.liveness_timeout", 3*time.Second)
	v.SetDefault("lifecycle.idle_sweep", "@every 30m")
	v.SetDefault("lifecycle.idle_threshold", 60*time.Minute)
	v.SetDefault("lifecycle.probe_concurrency", 8)
	v.SetDefault("lifecycle.restore_workers", 4)

	v.SetDefault("contacts.fetch_timeout", 25*time.Second)
	v.SetDefault("contacts.home_prefix", "90")
	v.SetDefault("contacts.tenant_prefixes", "")
	v.SetDefault("contacts.sync_workers", 4)

	v.SetDefault("messaging.default_delay", 2*time.Second)
	v.SetDefault("messaging.history_size", 500)
	v.SetDefault("messaging.media_timeout", 30*time.Second)
	v.SetDefault("messaging.send_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:waweb.db?_pragma=busy_timeout(5000)")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.cooldown", 5*time.Minute)
}

// Load reads .env, then file (when not empty), then the environment.
func Load(v *viper.Viper, file string) (*Config, error) {
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	prefixes, err := parsePrefixes(v.Get("contacts.tenant_prefixes"))
	if err != nil {
		return nil, errors.Wrap(err, "contacts.tenant_prefixes")
	}
	cfg.Contacts.TenantPrefixes = prefixes

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parsePrefixes accepts a map from a config file, a JSON object, or a
// "tenant:prefix,tenant:prefix" list from the environment.
func parsePrefixes(raw interface{}) (map[string]string, error) {
	s, isString := raw.(string)
	if !isString {
		return cast.ToStringMapStringE(raw)
	}
	s = strings.TrimSpace(s)
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, errors.Wrap(err, "invalid JSON object")
		}
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		tenant, prefix, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || tenant == "" || prefix == "" {
			return nil, errors.Errorf("malformed entry %q", pair)
		}
		out[tenant] = prefix
	}
	return out, nil
}

func (c *Config) Validate() error {
	return validation.Errors{
		"server.addr":                  validation.Validate(c.Server.Addr, validation.Required),
		"whatsapp.auth_dir":            validation.Validate(c.WhatsApp.AuthDir, validation.Required),
		"whatsapp.proxy_type":          validation.Validate(c.WhatsApp.ProxyType, validation.In("socks5", "http", "https")),
		"lifecycle.init_timeout":       validation.Validate(c.Lifecycle.InitTimeout, validation.Required),
		"lifecycle.keepalive_interval": validation.Validate(c.Lifecycle.KeepAliveInterval, validation.Required),
		"lifecycle.idle_sweep":         validation.Validate(c.Lifecycle.IdleSweep, validation.Required),
		"contacts.fetch_timeout":       validation.Validate(c.Contacts.FetchTimeout, validation.Required),
		"messaging.history_size":       validation.Validate(c.Messaging.HistorySize, validation.Min(0)),
		"database.driver":              validation.Validate(c.Database.Driver, validation.In("sqlite", "postgres")),
	}.Filter()
}
