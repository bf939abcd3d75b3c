// Package config loads securevault settings from <vault>/config.yaml and
// SECUREVAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/session"
)

const (
	// FileName is the config file inside the vault directory.
	FileName = "config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SECUREVAULT"
	// DefaultDirName is the vault directory under the user's home.
	DefaultDirName = ".securevault"
)

// Config holds all application configuration.
type Config struct {
	VaultPath string
	Session   SessionConfig
	Log       LogConfig
	KDF       crypto.Params
}

// SessionConfig holds auto-lock settings.
type SessionConfig struct {
	Timeout time.Duration
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string // trace, debug, info, warn, error, disabled
	Format string // console or json
}

// ResolveVaultPath picks the vault directory: explicit flag, then
// SECUREVAULT_PATH, then ~/.securevault.
func ResolveVaultPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPrefix + "_PATH"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Load reads configuration for the vault at vaultPath. A missing config
// file is not an error.
func Load(vaultPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(filepath.Join(vaultPath, FileName))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to read %s: %w", FileName, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		VaultPath: vaultPath,
		Session: SessionConfig{
			Timeout: v.GetDuration("session.timeout"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		KDF: crypto.Params{
			Memory:  v.GetUint32("kdf.memory"),
			Time:    v.GetUint32("kdf.iterations"),
			Threads: uint8(v.GetUint("kdf.parallelism")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("session.timeout", session.DefaultTimeout)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("kdf.memory", crypto.DefaultParams.Memory)
	v.SetDefault("kdf.iterations", crypto.DefaultParams.Time)
	v.SetDefault("kdf.parallelism", crypto.DefaultParams.Threads)
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if c.Session.Timeout < time.Second {
		return fmt.Errorf("config: session.timeout must be at least 1s, got %v", c.Session.Timeout)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("config: invalid kdf settings: %w", err)
	}
	return nil
}

type fileSession struct {
	Timeout string `yaml:"timeout"`
}

type fileLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type fileConfig struct {
	Session fileSession   `yaml:"session"`
	Log     fileLog       `yaml:"log"`
	KDF     crypto.Params `yaml:"kdf"`
}

// WriteDefault writes a config file holding the default values. It refuses
// to overwrite an existing file unless force is set.
func WriteDefault(vaultPath string, force bool) (string, error) {
	path := filepath.Join(vaultPath, FileName)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config: %s already exists", path)
		}
	}

	fc := fileConfig{
		Session: fileSession{Timeout: session.DefaultTimeout.String()},
		Log:     fileLog{Level: "warn", Format: "console"},
		KDF:     crypto.DefaultParams,
	}
	data, err := yaml.Marshal(&fc)
	if err != nil {
		return path, fmt.Errorf("config: failed to marshal: %w", err)
	}

	if err := os.MkdirAll(vaultPath, 0700); err != nil {
		return path, fmt.Errorf("config: failed to create vault directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return path, fmt.Errorf("config: failed to write %s: %w", path, err)
	}
	return path, nil
}
