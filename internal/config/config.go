package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "SHELFWATCH_CONFIG"
	addrEnv       = "SHELFWATCH_ADDR"
	dbPathEnv     = "SHELFWATCH_DB_PATH"
	ttlHoursEnv   = "SHELFWATCH_CACHE_TTL_HOURS"
	cronEnv       = "SHELFWATCH_REFRESH_CRON"
	logLevelEnv   = "SHELFWATCH_LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Availability AvailabilityConfig `yaml:"availability"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig describes the sqlite file location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AvailabilityConfig tunes the resolution engine.
type AvailabilityConfig struct {
	CacheTTLHours     int    `yaml:"cacheTtlHours"`
	NavTimeoutSeconds int    `yaml:"navTimeoutSeconds"`
	PacingMillis      int    `yaml:"pacingMillis"`
	UserAgent         string `yaml:"userAgent"`
}

// CacheTTL resolves the configured TTL.
func (a AvailabilityConfig) CacheTTL() time.Duration {
	return time.Duration(a.CacheTTLHours) * time.Hour
}

// NavTimeout resolves the hard navigation timeout per render.
func (a AvailabilityConfig) NavTimeout() time.Duration {
	return time.Duration(a.NavTimeoutSeconds) * time.Second
}

// Pacing resolves the inter-book delay during batch refreshes.
func (a AvailabilityConfig) Pacing() time.Duration {
	return time.Duration(a.PacingMillis) * time.Millisecond
}

// SchedulerConfig defines when automatic catalog refreshes run. An empty
// expression disables them.
type SchedulerConfig struct {
	CronExpression string `yaml:"cronExpression"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(addrEnv); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(dbPathEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(ttlHoursEnv); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			c.Availability.CacheTTLHours = hours
		}
	}
	if v := os.Getenv(cronEnv); v != "" {
		c.Scheduler.CronExpression = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Server.Addr != "" {
		base.Server = override.Server
	}
	if override.Database.Path != "" {
		base.Database = override.Database
	}

	if override.Availability.CacheTTLHours > 0 {
		base.Availability.CacheTTLHours = override.Availability.CacheTTLHours
	}
	if override.Availability.NavTimeoutSeconds > 0 {
		base.Availability.NavTimeoutSeconds = override.Availability.NavTimeoutSeconds
	}
	if override.Availability.PacingMillis > 0 {
		base.Availability.PacingMillis = override.Availability.PacingMillis
	}
	if override.Availability.UserAgent != "" {
		base.Availability.UserAgent = override.Availability.UserAgent
	}

	if override.Scheduler.CronExpression != "" {
		base.Scheduler.CronExpression = override.Scheduler.CronExpression
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "./shelfwatch.db"},
		Availability: AvailabilityConfig{
			CacheTTLHours:     4,
			NavTimeoutSeconds: 30,
			PacingMillis:      500,
		},
		Scheduler: SchedulerConfig{CronExpression: ""},
		Logging:   LoggingConfig{Level: "info"},
	}
}
