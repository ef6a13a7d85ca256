// Package config loads qft settings from flags, environment and an optional
// YAML file. Environment variables use the QFT prefix with "." and "-"
// replaced by "_", e.g. QFT_LOG_LEVEL=debug or QFT_TLS_KEY=/etc/qft/key.pem.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "QFT"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Sender   SenderConfig   `mapstructure:"sender"`
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Session  SessionConfig  `mapstructure:"session"`
	History  HistoryConfig  `mapstructure:"history"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: pretty or json
	Format string `mapstructure:"format"`
}

type TLSConfig struct {
	Key    string `mapstructure:"key"`
	Cert   string `mapstructure:"cert"`
	KeyLog string `mapstructure:"keylog"`
	// CA lists root certificate files the sender trusts.
	CA []string `mapstructure:"ca"`
	// Insecure selects the skip-verification policy on the sender.
	Insecure   bool   `mapstructure:"insecure"`
	ServerName string `mapstructure:"server_name"`
}

type SenderConfig struct {
	Destination string `mapstructure:"destination"`
	Bind        string `mapstructure:"bind"`
	Progress    bool   `mapstructure:"progress"`
}

type ReceiverConfig struct {
	Listen string `mapstructure:"listen"`
}

type SessionConfig struct {
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	FinishTimeout    time.Duration `mapstructure:"finish_timeout"`
}

type HistoryConfig struct {
	// Path of the SQLite ledger; empty disables recording.
	Path string `mapstructure:"path"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "pretty"},
		TLS: TLSConfig{ServerName: "localhost"},
		Sender: SenderConfig{
			Bind: ":0",
		},
		Receiver: ReceiverConfig{Listen: "[::1]:4433"},
		Session: SessionConfig{
			StatsInterval:    time.Second,
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      30 * time.Second,
			KeepAlive:        10 * time.Second,
			DrainTimeout:     3 * time.Second,
			FinishTimeout:    30 * time.Second,
		},
	}
}

// NewViper returns a viper instance seeded with defaults and environment
// lookup, ready for flag binding.
func NewViper() *viper.Viper {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("tls.key", cfg.TLS.Key)
	v.SetDefault("tls.cert", cfg.TLS.Cert)
	v.SetDefault("tls.keylog", cfg.TLS.KeyLog)
	v.SetDefault("tls.ca", cfg.TLS.CA)
	v.SetDefault("tls.insecure", cfg.TLS.Insecure)
	v.SetDefault("tls.server_name", cfg.TLS.ServerName)
	v.SetDefault("sender.destination", cfg.Sender.Destination)
	v.SetDefault("sender.bind", cfg.Sender.Bind)
	v.SetDefault("sender.progress", cfg.Sender.Progress)
	v.SetDefault("receiver.listen", cfg.Receiver.Listen)
	v.SetDefault("session.stats_interval", cfg.Session.StatsInterval)
	v.SetDefault("session.handshake_timeout", cfg.Session.HandshakeTimeout)
	v.SetDefault("session.idle_timeout", cfg.Session.IdleTimeout)
	v.SetDefault("session.keep_alive", cfg.Session.KeepAlive)
	v.SetDefault("session.drain_timeout", cfg.Session.DrainTimeout)
	v.SetDefault("session.finish_timeout", cfg.Session.FinishTimeout)
	v.SetDefault("history.path", cfg.History.Path)
	return v
}

// Load reads the optional config file at path (or $QFT_CONFIG) into v and
// decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if (c.TLS.Key == "") != (c.TLS.Cert == "") {
		return fmt.Errorf("%w: tls key and cert must be given together", ErrInvalid)
	}
	if c.TLS.Insecure && len(c.TLS.CA) > 0 {
		return fmt.Errorf("%w: --insecure and --ca are mutually exclusive", ErrInvalid)
	}
	timeouts := map[string]time.Duration{
		"stats_interval":    c.Session.StatsInterval,
		"handshake_timeout": c.Session.HandshakeTimeout,
		"idle_timeout":      c.Session.IdleTimeout,
		"keep_alive":        c.Session.KeepAlive,
		"drain_timeout":     c.Session.DrainTimeout,
		"finish_timeout":    c.Session.FinishTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%w: session.%s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.Session.KeepAlive >= c.Session.IdleTimeout {
		return fmt.Errorf("%w: session.keep_alive %s must be shorter than session.idle_timeout %s",
			ErrInvalid, c.Session.KeepAlive, c.Session.IdleTimeout)
	}
	return nil
}
