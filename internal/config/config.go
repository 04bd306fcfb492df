// Package config loads vaultd settings from defaults, an optional YAML
// file and VAULT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage struct {
		Dir string `mapstructure:"dir"`

		// CompressionLevel enables zstd at rest when > 0.
		CompressionLevel int `mapstructure:"compression_level"`

		// Sharded spreads blobs over hashed subdirectories.
		Sharded bool `mapstructure:"sharded"`
	} `mapstructure:"storage"`

	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Sweep struct {
		// Schedule is a cron spec; empty disables the periodic sweep.
		Schedule string        `mapstructure:"schedule"`
		Grace    time.Duration `mapstructure:"grace"`
		Remove   bool          `mapstructure:"remove"`
	} `mapstructure:"sweep"`

	Log struct {
		Production bool `mapstructure:"production"`
	} `mapstructure:"log"`
}

const envPrefix = "VAULT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.dir", "server_storage")
	v.SetDefault("storage.compression_level", 0)
	v.SetDefault("storage.sharded", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vault.db")
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.max_upload_bytes", 64<<20)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("sweep.schedule", "")
	v.SetDefault("sweep.grace", time.Hour)
	v.SetDefault("sweep.remove", false)
	v.SetDefault("log.production", false)
}

// Load reads the configuration. path names a YAML file; when empty,
// "vault.yml" is looked up in the working directory and ./config, and its
// absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vault")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir must not be empty")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn must not be empty")
	}
	if c.Storage.CompressionLevel < 0 {
		return fmt.Errorf("storage.compression_level must not be negative, got %d", c.Storage.CompressionLevel)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("http.max_upload_bytes must be positive, got %d", c.HTTP.MaxUploadBytes)
	}
	return nil
}
