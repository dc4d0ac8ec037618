// Package config loads airlink configuration from YAML, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/rudransh-shrivastava/airlink/internal/logger"
	"github.com/rudransh-shrivastava/airlink/internal/protocol"
)

type Config struct {
	// UserID identifies this node to peers. Generated when empty.
	UserID string `mapstructure:"user_id"`
	Name   string `mapstructure:"name"`

	ServiceID   string `mapstructure:"service_id"`
	DataDir     string `mapstructure:"data_dir"`
	DownloadDir string `mapstructure:"download_dir"`

	// StrictHandshake drops links whose first payload is not a valid
	// identity record.
	StrictHandshake bool   `mapstructure:"strict_handshake"`
	MetricsAddr     string `mapstructure:"metrics_addr"`

	Log LogConfig `mapstructure:"log"`
	LAN LANConfig `mapstructure:"lan"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: pretty or json
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LANConfig configures the beacon discovery and WebRTC link transport.
type LANConfig struct {
	BeaconPort     int           `mapstructure:"beacon_port"`
	BeaconInterval time.Duration `mapstructure:"beacon_interval"`
	PeerTTL        time.Duration `mapstructure:"peer_ttl"`
	SignalAddr     string        `mapstructure:"signal_addr"`
	STUNServers    []string      `mapstructure:"stun_servers"`
	ChunkSize      int           `mapstructure:"chunk_size"`
}

func Default() *Config {
	return &Config{
		Name:        protocol.DefaultAdvertiseName,
		ServiceID:   protocol.DefaultServiceID,
		DataDir:     "./data",
		DownloadDir: "./downloads",
		Log: LogConfig{
			Level:      "info",
			Format:     "pretty",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		LAN: LANConfig{
			BeaconPort:     47474,
			BeaconInterval: 2 * time.Second,
			PeerTTL:        7 * time.Second,
			SignalAddr:     ":0",
			ChunkSize:      16 * 1024,
		},
	}
}

// Load reads configuration from path, or from airlink.yaml in the usual
// locations when path is empty. Environment variables use the prefix
// AIRLINK, e.g. AIRLINK_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AIRLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("user_id", cfg.UserID)
	v.SetDefault("name", cfg.Name)
	v.SetDefault("service_id", cfg.ServiceID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("download_dir", cfg.DownloadDir)
	v.SetDefault("strict_handshake", cfg.StrictHandshake)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)
	v.SetDefault("lan.beacon_port", cfg.LAN.BeaconPort)
	v.SetDefault("lan.beacon_interval", cfg.LAN.BeaconInterval)
	v.SetDefault("lan.peer_ttl", cfg.LAN.PeerTTL)
	v.SetDefault("lan.signal_addr", cfg.LAN.SignalAddr)
	v.SetDefault("lan.stun_servers", cfg.LAN.STUNServers)
	v.SetDefault("lan.chunk_size", cfg.LAN.ChunkSize)

	if path == "" {
		path = os.Getenv("AIRLINK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("airlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".airlink"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "pretty", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		c.UserID = uuid.NewString()
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = protocol.DefaultAdvertiseName
	}
	if c.ServiceID == "" {
		c.ServiceID = protocol.DefaultServiceID
	}

	if c.LAN.BeaconPort <= 0 || c.LAN.BeaconPort > 65535 {
		return fmt.Errorf("invalid lan.beacon_port: %d", c.LAN.BeaconPort)
	}
	if c.LAN.BeaconInterval <= 0 {
		return fmt.Errorf("invalid lan.beacon_interval: %s", c.LAN.BeaconInterval)
	}
	if c.LAN.PeerTTL < c.LAN.BeaconInterval {
		return fmt.Errorf("lan.peer_ttl (%s) must not be shorter than lan.beacon_interval (%s)", c.LAN.PeerTTL, c.LAN.BeaconInterval)
	}
	if c.LAN.ChunkSize <= 0 {
		return fmt.Errorf("invalid lan.chunk_size: %d", c.LAN.ChunkSize)
	}
	return nil
}

func (c *Config) Identity() protocol.Identity {
	return protocol.Identity{UserID: c.UserID, Name: c.Name}
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "airlink.sqlite3")
}

func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
