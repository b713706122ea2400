// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/tillhq/licensed/internal/domain"
)

const envPrefix = "LICENSED__"

// AppConfig wraps the parsed configuration and its viper instance
type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper

	configPath string
}

// New loads configuration from the given directory or file path.
// Passing an empty string uses the OS-specific default location and
// generates a default config file on first run.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	c.defaults()

	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	c.configPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefaultConfig(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		log.Info().Str("path", path).Msg("Created default configuration file")
	}

	c.viper.SetConfigFile(path)
	c.viper.SetConfigType("toml")

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	c.bindEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.ensureSessionSecret(); err != nil {
		return nil, err
	}

	c.watch()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 7422)
	c.viper.SetDefault("baseUrl", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("licensing.trialDays", 14)
	c.viper.SetDefault("licensing.graceDays", 30)
	c.viper.SetDefault("licensing.offlineWarnDays", 1)
	c.viper.SetDefault("licensing.resetRatePerMin", 5)
	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
}

// bindEnv maps LICENSED__* environment variables onto config keys
func (c *AppConfig) bindEnv() {
	bindings := map[string]string{
		"host":                       "HOST",
		"port":                       "PORT",
		"baseUrl":                    "BASE_URL",
		"sessionSecret":              "SESSION_SECRET",
		"logLevel":                   "LOG_LEVEL",
		"logPath":                    "LOG_PATH",
		"dataDir":                    "DATA_DIR",
		"metricsEnabled":             "METRICS_ENABLED",
		"licensing.trialDays":        "TRIAL_DAYS",
		"licensing.graceDays":        "GRACE_DAYS",
		"licensing.minClientVersion": "MIN_CLIENT_VERSION",
	}

	for key, env := range bindings {
		if v, ok := os.LookupEnv(envPrefix + env); ok {
			c.viper.Set(key, v)
		}
	}
}

// watch reloads dynamic settings when the config file changes on disk.
// Host/port changes still require a restart.
func (c *AppConfig) watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write == 0 && e.Op&fsnotify.Create == 0 {
			return
		}

		updated := &domain.Config{}
		if err := c.viper.Unmarshal(updated); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.Config.LogLevel = updated.LogLevel
		c.Config.Licensing = updated.Licensing
		c.ApplyLogConfig()

		log.Info().Str("path", e.Name).Msg("Configuration reloaded")
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) ensureSessionSecret() error {
	if c.Config.SessionSecret != "" {
		return nil
	}

	secret, err := generateSecret(32)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}
	c.Config.SessionSecret = secret

	// Persist so sessions survive restarts
	c.viper.Set("sessionSecret", secret)
	if err := c.viper.WriteConfigAs(c.configPath); err != nil {
		log.Warn().Err(err).Msg("Failed to persist generated session secret; sessions will not survive restarts")
	}

	return nil
}

// SetDataDir overrides the data directory (CLI flag takes precedence)
func (c *AppConfig) SetDataDir(dir string) {
	c.Config.DataDir = dir
}

// GetDatabasePath returns the sqlite database location: the configured
// data directory, or next to the config file when unset.
func (c *AppConfig) GetDatabasePath() string {
	dir := c.Config.DataDir
	if dir == "" {
		dir = filepath.Dir(c.configPath)
	}
	return filepath.Join(dir, "licensed.db")
}

// ApplyLogConfig configures the global zerolog logger from the config
func (c *AppConfig) ApplyLogConfig() {
	level := strings.ToLower(c.Config.LogLevel)
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if c.Config.LogPath != "" {
		f, err := os.OpenFile(c.Config.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, keeping stderr")
			return
		}
		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			f,
		))
	}
}

// GetDefaultConfigDir returns the OS-specific default config directory
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "licensed")
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "licensed")
}

// resolveConfigPath accepts a directory, a direct .toml path, or empty
// (OS default) and returns the config file path.
func resolveConfigPath(configPath string) (string, error) {
	if configPath == "" {
		return filepath.Join(GetDefaultConfigDir(), "config.toml"), nil
	}

	if strings.HasSuffix(strings.ToLower(configPath), ".toml") {
		return configPath, nil
	}

	if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
		return configPath, nil
	}

	return filepath.Join(configPath, "config.toml"), nil
}

// WriteDefaultConfig generates a commented default config file
func WriteDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	secret, err := generateSecret(32)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}

	content := fmt.Sprintf(`# licensed configuration
# Generated on first run; edit and restart to apply.

host = "localhost"
port = 7422

# Mount the API under a path prefix when behind a reverse proxy
#baseUrl = "/licensed/"

sessionSecret = "%s"

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Log to a file instead of stderr only
#logPath = "licensed.log"

# Database and state directory (default: next to this file)
#dataDir = ""

# Expose Prometheus metrics at /metrics
metricsEnabled = false

[licensing]
# Trial length granted at account provisioning
trialDays = 14
# Days a previously-valid device may stay offline before being blocked
graceDays = 30
# Day of offline use at which clients surface a warning banner
offlineWarnDays = 1
# Reject validation from clients older than this (semver constraint)
#minClientVersion = ">= 1.2.0"
# Per-IP requests per minute allowed on the device reset endpoints
resetRatePerMin = 5
`, secret)

	return os.WriteFile(configPath, []byte(content), 0600)
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
