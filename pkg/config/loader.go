package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Load reads configuration from a file, environment variables and flags.
// configFile may be empty, in which case "config.yaml" is looked up in the
// working directory.
func Load(logger *slog.Logger, configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8787")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.maxPanelsPerRoom", 0)
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("transport.readTimeout", "120s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("room.idleSuspend", "0s")
	v.SetDefault("room.mailboxSize", 64)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite.path", "data/ripples.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("blob.dir", "data/images")
	v.SetDefault("blob.maxUploadBytes", 10<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix("RIPPLES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if c.Room.MailboxSize <= 0 {
		return errors.New("room.mailboxSize must be positive")
	}
	if c.Blob.MaxUploadBytes <= 0 {
		return errors.New("blob.maxUploadBytes must be positive")
	}
	return nil
}
