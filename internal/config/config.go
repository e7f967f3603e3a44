package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr          string   `yaml:"listen_addr"`
	DatabasePath        string   `yaml:"database_path"`
	Timezone            string   `yaml:"timezone"`
	LogLevel            string   `yaml:"log_level"`
	HardCapHours        float64  `yaml:"hard_cap_hours"`
	DefaultAllowedHours float64  `yaml:"default_allowed_hours"`
	ApproverRoles       []string `yaml:"approver_roles"`
	SweepSchedule       string   `yaml:"sweep_schedule"` // cron expression for reconciliation
	WarmSchedule        string   `yaml:"warm_schedule"`  // cron expression for usage warm-up
	WarmDays            int      `yaml:"warm_days"`
	DirectoryURL        string   `yaml:"directory_url"`
	DirectoryToken      string   `yaml:"directory_token"`
	ProxyURL            string   `yaml:"proxy_url"`
	Schema              string   `yaml:"schema"` // shape of a new database: modern or legacy
	DetectLegacy        *bool    `yaml:"detect_legacy_on_startup"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	// Keys absent from the file keep their default values
	cfg := *defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := defaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.DatabasePath == "" {
		c.DatabasePath = d.DatabasePath
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.HardCapHours <= 0 {
		c.HardCapHours = d.HardCapHours
	}
	if c.DefaultAllowedHours < 0 {
		c.DefaultAllowedHours = d.DefaultAllowedHours
	}
	if len(c.ApproverRoles) == 0 {
		c.ApproverRoles = d.ApproverRoles
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	if c.WarmSchedule == "" {
		c.WarmSchedule = d.WarmSchedule
	}
	if c.WarmDays <= 0 {
		c.WarmDays = d.WarmDays
	}
	if c.Schema == "" {
		c.Schema = d.Schema
	}
	if c.DetectLegacy == nil {
		c.DetectLegacy = d.DetectLegacy
	}
}

func defaultConfig() *Config {
	detect := true
	return &Config{
		ListenAddr:          ":3050",
		DatabasePath:        "timelog.db",
		Timezone:            "Local",
		LogLevel:            "info",
		HardCapHours:        16,
		DefaultAllowedHours: 8,
		ApproverRoles:       []string{"approver", "admin"},
		SweepSchedule:       "*/5 * * * *",
		WarmSchedule:        "0 1 * * *",
		WarmDays:            7,
		Schema:              "modern",
		DetectLegacy:        &detect,
	}
}

func (c *Config) GetTimezone() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) HardCap() time.Duration {
	return time.Duration(c.HardCapHours * float64(time.Hour))
}

func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c *Config) ShouldDetectLegacy() bool {
	return c.DetectLegacy == nil || *c.DetectLegacy
}
