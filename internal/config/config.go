// Package config loads service settings from an optional YAML file and
// AGENDA_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/agendaweek/internal/caltime"
)

// PathEnv names the variable consulted when no -config flag is given.
const PathEnv = "AGENDA_CONFIG"

type Config struct {
	Port      string `yaml:"port" env:"AGENDA_PORT"`
	DBPath    string `yaml:"db_path" env:"AGENDA_DB_PATH"`
	LogLevel  string `yaml:"log_level" env:"AGENDA_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"AGENDA_LOG_FORMAT"`

	// Timezone is the IANA zone every date key and week boundary is computed in.
	Timezone     string `yaml:"timezone" env:"AGENDA_TIMEZONE"`
	WeekStart    string `yaml:"week_start" env:"AGENDA_WEEK_START"`
	DefaultColor string `yaml:"default_color" env:"AGENDA_DEFAULT_COLOR"`

	// UpstreamURL empty disables syncing.
	UpstreamURL     string        `yaml:"upstream_url" env:"AGENDA_UPSTREAM_URL"`
	UpstreamToken   string        `yaml:"upstream_token" env:"AGENDA_UPSTREAM_TOKEN"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"AGENDA_UPSTREAM_TIMEOUT"`
	SyncCron        string        `yaml:"sync_cron" env:"AGENDA_SYNC_CRON"`
	PrefetchWeeks   int           `yaml:"prefetch_weeks" env:"AGENDA_PREFETCH_WEEKS"`

	// IngestTokenHash is a bcrypt hash. Empty disables the write routes.
	IngestTokenHash  string   `yaml:"ingest_token_hash" env:"AGENDA_INGEST_TOKEN_HASH"`
	WSOriginPatterns []string `yaml:"ws_origin_patterns" env:"AGENDA_WS_ORIGINS"`
	WriteLimit       int      `yaml:"write_limit" env:"AGENDA_WRITE_LIMIT"`

	// RedisURL empty selects the in-process cache.
	RedisURL    string        `yaml:"redis_url" env:"AGENDA_REDIS_URL"`
	RedisPrefix string        `yaml:"redis_prefix" env:"AGENDA_REDIS_PREFIX"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"AGENDA_CACHE_TTL"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Port:            "8080",
		DBPath:          "agenda.db",
		LogLevel:        "info",
		LogFormat:       "text",
		Timezone:        "Europe/Rome",
		WeekStart:       "monday",
		DefaultColor:    "#9E9E9E",
		UpstreamTimeout: 15 * time.Second,
		SyncCron:        "*/15 * * * *",
		PrefetchWeeks:   1,
		WriteLimit:      30,
		RedisPrefix:     "agendaweek:",
		CacheTTL:        5 * time.Minute,
	}
}

// Load reads path (if not empty), then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults refills values a config file explicitly blanked.
func (c *Config) applyDefaults() {
	d := Default()
	if strings.TrimSpace(c.Port) == "" {
		c.Port = d.Port
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.WeekStart == "" {
		c.WeekStart = d.WeekStart
	}
	if c.DefaultColor == "" {
		c.DefaultColor = d.DefaultColor
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = d.UpstreamTimeout
	}
	if c.SyncCron == "" {
		c.SyncCron = d.SyncCron
	}
	if c.PrefetchWeeks < 0 {
		c.PrefetchWeeks = 0
	}
	if c.WriteLimit <= 0 {
		c.WriteLimit = d.WriteLimit
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = d.RedisPrefix
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	c.UpstreamURL = strings.TrimRight(strings.TrimSpace(c.UpstreamURL), "/")
}

// Validate checks the values that would otherwise fail late, at first use.
func (c *Config) Validate() error {
	var errs []error
	if _, err := caltime.LoadZone(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := caltime.ParseWeekday(c.WeekStart); err != nil {
		errs = append(errs, fmt.Errorf("week_start: %w", err))
	}
	if _, err := cron.ParseStandard(c.SyncCron); err != nil {
		errs = append(errs, fmt.Errorf("sync_cron %q: %w", c.SyncCron, err))
	}
	if c.PrefetchWeeks > 8 {
		errs = append(errs, fmt.Errorf("prefetch_weeks %d is above 8", c.PrefetchWeeks))
	}
	if c.IngestTokenHash != "" && !strings.HasPrefix(c.IngestTokenHash, "$2") {
		errs = append(errs, errors.New("ingest_token_hash is not a bcrypt hash"))
	}
	return errors.Join(errs...)
}

// Zone returns the loaded reference zone. Call after Validate.
func (c *Config) Zone() *time.Location {
	zone, err := caltime.LoadZone(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return zone
}

// FirstDay returns the parsed week start. Call after Validate.
func (c *Config) FirstDay() time.Weekday {
	day, err := caltime.ParseWeekday(c.WeekStart)
	if err != nil {
		return time.Monday
	}
	return day
}
