// Package config loads the engine configuration from YAML, fills defaults,
// and validates it. Configuration errors (unknown permissions, cyclic role
// grants, bad storage drivers) are fatal at startup and never deferred to
// request time.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/session"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// RoleConfig declares one role in the configuration file.
type RoleConfig struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	Grants      []string `yaml:"grants"`
}

// Config is the full engine configuration.
type Config struct {
	General struct {
		Name     string `yaml:"name"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"general"`

	Storage struct {
		Driver string `yaml:"driver"`
		// Path is the database file for the sqlite driver.
		Path string `yaml:"path"`
		// DSN is the connection string for the postgres driver.
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`

	Auth struct {
		MaxFailedAttempts int           `yaml:"max_failed_attempts"`
		LockoutDuration   time.Duration `yaml:"lockout_duration"`
		SessionDuration   time.Duration `yaml:"session_duration"`
		TokenSecret       string        `yaml:"token_secret"`
		TokenIssuer       string        `yaml:"token_issuer"`
		TokenTTL          time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Roles []RoleConfig `yaml:"roles"`

	Monitor struct {
		EvalInterval         time.Duration `yaml:"eval_interval"`
		Retention            time.Duration `yaml:"retention"`
		FailedPerMinute      int           `yaml:"failed_per_minute_threshold"`
		FailedWindow         time.Duration `yaml:"failed_window"`
		FailedPerHour        int           `yaml:"failed_per_hour_threshold"`
		UnusualTimeThreshold int           `yaml:"unusual_time_threshold"`
		// NightStartHour and NightEndHour are pointers so that an explicit
		// midnight (0) is distinguishable from an omitted setting.
		NightStartHour *int   `yaml:"night_start_hour"`
		NightEndHour   *int   `yaml:"night_end_hour"`
		Timezone       string `yaml:"timezone"`
		SuspiciousIPRequests int           `yaml:"suspicious_ip_requests"`
		SuspiciousIPUsers    int           `yaml:"suspicious_ip_users"`
		ConcurrentSessions   int           `yaml:"concurrent_sessions_threshold"`
		KnownGoodIPs         []string      `yaml:"known_good_ips"`
	} `yaml:"monitor"`

	Audit struct {
		RetentionMaxAge time.Duration `yaml:"retention_max_age"`
		SweepInterval   time.Duration `yaml:"sweep_interval"`
	} `yaml:"audit"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`

	API struct {
		Addr           string        `yaml:"addr"`
		RatePerSecond  float64       `yaml:"rate_per_second"`
		RateBurst      int           `yaml:"rate_burst"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"api"`
}

// Load reads and validates the configuration at path. A missing path yields
// the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("config: resolve path: %w", err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", abs, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", abs, err)
		}
	}
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.General.Name == "" {
		cfg.General.Name = "sentinel"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "sentinel.db"
	}
	if cfg.Auth.MaxFailedAttempts == 0 {
		cfg.Auth.MaxFailedAttempts = session.DefaultMaxFailedAttempts
	}
	if cfg.Auth.LockoutDuration == 0 {
		cfg.Auth.LockoutDuration = session.DefaultLockoutDuration
	}
	if cfg.Auth.SessionDuration == 0 {
		cfg.Auth.SessionDuration = session.DefaultSessionDuration
	}
	if cfg.Auth.TokenIssuer == "" {
		cfg.Auth.TokenIssuer = "sentinel"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 15 * time.Minute
	}

	def := monitor.DefaultThresholds()
	if cfg.Monitor.EvalInterval == 0 {
		cfg.Monitor.EvalInterval = time.Minute
	}
	if cfg.Monitor.Retention == 0 {
		cfg.Monitor.Retention = 24 * time.Hour
	}
	if cfg.Monitor.FailedPerMinute == 0 {
		cfg.Monitor.FailedPerMinute = def.FailedPerMinute
	}
	if cfg.Monitor.FailedWindow == 0 {
		cfg.Monitor.FailedWindow = def.FailedWindow
	}
	if cfg.Monitor.FailedPerHour == 0 {
		cfg.Monitor.FailedPerHour = def.FailedPerHour
	}
	if cfg.Monitor.UnusualTimeThreshold == 0 {
		cfg.Monitor.UnusualTimeThreshold = def.UnusualTime
	}
	if cfg.Monitor.NightStartHour == nil {
		v := def.NightStartHour
		cfg.Monitor.NightStartHour = &v
	}
	if cfg.Monitor.NightEndHour == nil {
		v := def.NightEndHour
		cfg.Monitor.NightEndHour = &v
	}
	if cfg.Monitor.Timezone == "" {
		cfg.Monitor.Timezone = "UTC"
	}
	if cfg.Monitor.SuspiciousIPRequests == 0 {
		cfg.Monitor.SuspiciousIPRequests = def.SuspiciousIPRequests
	}
	if cfg.Monitor.SuspiciousIPUsers == 0 {
		cfg.Monitor.SuspiciousIPUsers = def.SuspiciousIPUsers
	}
	if cfg.Monitor.ConcurrentSessions == 0 {
		cfg.Monitor.ConcurrentSessions = def.ConcurrentSessions
	}

	if cfg.Audit.RetentionMaxAge == 0 {
		cfg.Audit.RetentionMaxAge = 90 * 24 * time.Hour
	}
	if cfg.Audit.SweepInterval == 0 {
		cfg.Audit.SweepInterval = time.Hour
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.API.RatePerSecond == 0 {
		cfg.API.RatePerSecond = 20
	}
	if cfg.API.RateBurst == 0 {
		cfg.API.RateBurst = 40
	}
	if cfg.API.MaxBodyBytes == 0 {
		cfg.API.MaxBodyBytes = 1 << 20
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 15 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == DriverPostgres && strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("storage driver %q requires a dsn", DriverPostgres)
	}
	if cfg.Auth.MaxFailedAttempts < 1 {
		return fmt.Errorf("auth.max_failed_attempts must be at least 1")
	}
	if cfg.Auth.LockoutDuration < 0 || cfg.Auth.SessionDuration <= 0 {
		return fmt.Errorf("auth durations must be positive")
	}
	if h := *cfg.Monitor.NightStartHour; h < 0 || h > 23 {
		return fmt.Errorf("monitor.night_start_hour %d out of range", h)
	}
	if h := *cfg.Monitor.NightEndHour; h < 0 || h > 23 {
		return fmt.Errorf("monitor.night_end_hour %d out of range", h)
	}
	if _, err := time.LoadLocation(cfg.Monitor.Timezone); err != nil {
		return fmt.Errorf("monitor.timezone: %v", err)
	}
	for _, ip := range cfg.Monitor.KnownGoodIPs {
		if net.ParseIP(strings.TrimSpace(ip)) == nil {
			return fmt.Errorf("monitor.known_good_ips: invalid address %q", ip)
		}
	}
	// Role definitions are checked for unknown permissions here and for
	// grant cycles by identity.ValidateRoles in BuildRoles.
	if _, err := BuildRoles(cfg.Roles); err != nil {
		return err
	}
	return nil
}

// BuildRoles converts configured role declarations into identity roles,
// merged over the built-in hierarchy. Configured roles may override the
// built-ins by name. The merged set is validated as a whole.
func BuildRoles(decls []RoleConfig) ([]identity.Role, error) {
	roles := identity.BuiltinRoles()
	index := make(map[string]int, len(roles))
	for i, r := range roles {
		index[r.Name] = i
	}
	for _, rc := range decls {
		name := strings.TrimSpace(rc.Name)
		if name == "" {
			return nil, fmt.Errorf("role with empty name")
		}
		perms := make([]identity.Permission, 0, len(rc.Permissions))
		for _, p := range rc.Permissions {
			perm, err := identity.ParsePermission(p)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", name, err)
			}
			perms = append(perms, perm)
		}
		role := identity.NewRole(name, perms, rc.Grants)
		if i, ok := index[name]; ok {
			roles[i] = role
		} else {
			index[name] = len(roles)
			roles = append(roles, role)
		}
	}
	if err := identity.ValidateRoles(roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// MonitorLocation returns the time zone the night window is interpreted in.
// Validation guarantees the name loads.
func (c *Config) MonitorLocation() *time.Location {
	loc, err := time.LoadLocation(c.Monitor.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MonitorThresholds maps the configuration onto the monitor's parameters.
func (c *Config) MonitorThresholds() monitor.Thresholds {
	return monitor.Thresholds{
		FailedPerMinute:      c.Monitor.FailedPerMinute,
		FailedWindow:         c.Monitor.FailedWindow,
		FailedPerHour:        c.Monitor.FailedPerHour,
		UnusualTime:          c.Monitor.UnusualTimeThreshold,
		NightStartHour:       *c.Monitor.NightStartHour,
		NightEndHour:         *c.Monitor.NightEndHour,
		SuspiciousIPRequests: c.Monitor.SuspiciousIPRequests,
		SuspiciousIPUsers:    c.Monitor.SuspiciousIPUsers,
		ConcurrentSessions:   c.Monitor.ConcurrentSessions,
	}
}
