package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/log"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

// Duration reads "30s"-style values from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	DatabaseURI string `yaml:"database_uri"`
	StoreDriver string `yaml:"store_driver"`

	TelegramToken string `yaml:"telegram_token"`

	// Timezone applies to users without one of their own.
	Timezone string `yaml:"timezone"`
	DueTime  string `yaml:"due_time"`

	HorizonDays              int  `yaml:"horizon_days"`
	RegeneratePostponedSlots bool `yaml:"regenerate_postponed_slots"`

	Schedule     string   `yaml:"schedule"`
	Workers      int      `yaml:"workers"`
	TickDeadline Duration `yaml:"tick_deadline"`
	CallTimeout  Duration `yaml:"call_timeout"`
	ClaimLease   Duration `yaml:"claim_lease"`

	ListenAddr        string `yaml:"listen_addr"`
	AdminToken        string `yaml:"admin_token"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`

	CalendarProvider string `yaml:"calendar_provider"`
	Google           struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
	} `yaml:"google"`
	CalDAVURL string `yaml:"caldav_url"`
	// TokenSecret seals calendar credentials at rest and signs OAuth state.
	TokenSecret string `yaml:"token_secret"`

	LogLevel string `yaml:"log_level"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		StoreDriver:              StoreDriverPostgres,
		Timezone:                 "UTC",
		DueTime:                  "09:00",
		HorizonDays:              45,
		RegeneratePostponedSlots: true,
		Schedule:                 "* * * * *",
		Workers:                  4,
		TickDeadline:             Duration(50 * time.Second),
		CallTimeout:              Duration(30 * time.Second),
		ClaimLease:               Duration(5 * time.Minute),
		ListenAddr:               ":8080",
		LogLevel:                 "INFO",
	}
}

// Load reads an optional .env file, an optional YAML file named by
// CONFIG_FILE, then environment variables, in increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not read .env", "err", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DatabaseURI = getEnvOrDefault("DATABASE_URI", c.DatabaseURI)
	c.StoreDriver = getEnvOrDefault("STORE_DRIVER", c.StoreDriver)
	c.TelegramToken = getEnvOrDefault("TELEGRAM_TOKEN", c.TelegramToken)
	c.Timezone = getEnvOrDefault("TIMEZONE", c.Timezone)
	c.DueTime = getEnvOrDefault("DUE_TIME", c.DueTime)
	c.Schedule = getEnvOrDefault("SCHEDULE", c.Schedule)
	c.ListenAddr = getEnvOrDefault("LISTEN_ADDR", c.ListenAddr)
	c.AdminToken = getEnvOrDefault("ADMIN_TOKEN", c.AdminToken)
	c.CalendarProvider = getEnvOrDefault("CALENDAR_PROVIDER", c.CalendarProvider)
	c.Google.ClientID = getEnvOrDefault("GOOGLE_CLIENT_ID", c.Google.ClientID)
	c.Google.ClientSecret = getEnvOrDefault("GOOGLE_CLIENT_SECRET", c.Google.ClientSecret)
	c.Google.RedirectURL = getEnvOrDefault("GOOGLE_REDIRECT_URL", c.Google.RedirectURL)
	c.CalDAVURL = getEnvOrDefault("CALDAV_URL", c.CalDAVURL)
	c.TokenSecret = getEnvOrDefault("TOKEN_SECRET", c.TokenSecret)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)

	var err error
	if c.HorizonDays, err = getEnvInt("HORIZON_DAYS", c.HorizonDays); err != nil {
		return err
	}
	if c.Workers, err = getEnvInt("WORKERS", c.Workers); err != nil {
		return err
	}
	if c.RegeneratePostponedSlots, err = getEnvBool("REGENERATE_POSTPONED_SLOTS", c.RegeneratePostponedSlots); err != nil {
		return err
	}
	if c.PrometheusEnabled, err = getEnvBool("PROMETHEUS_ENABLED", c.PrometheusEnabled); err != nil {
		return err
	}
	for key, dst := range map[string]*Duration{
		"TICK_DEADLINE": &c.TickDeadline,
		"CALL_TIMEOUT":  &c.CallTimeout,
		"CLAIM_LEASE":   &c.ClaimLease,
	} {
		if err := getEnvDuration(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Normalize trims values and fills zero settings with defaults.
func (c *Config) Normalize() {
	def := Defaults()
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.CalendarProvider = strings.ToLower(strings.TrimSpace(c.CalendarProvider))
	if c.StoreDriver == "" {
		c.StoreDriver = def.StoreDriver
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.DueTime == "" {
		c.DueTime = def.DueTime
	}
	if c.HorizonDays == 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.TickDeadline == 0 {
		c.TickDeadline = def.TickDeadline
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.ClaimLease == 0 {
		c.ClaimLease = def.ClaimLease
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
}

// Validate reports the first invalid setting by its environment key.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURI == "" {
			return errors.New("DATABASE_URI is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if _, _, err := clock.ParseHHMM(c.DueTime); err != nil {
		return fmt.Errorf("DUE_TIME: %w", err)
	}
	if c.HorizonDays < 1 {
		return fmt.Errorf("HORIZON_DAYS must be at least 1, got %d", c.HorizonDays)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	for key, d := range map[string]Duration{
		"TICK_DEADLINE": c.TickDeadline,
		"CALL_TIMEOUT":  c.CallTimeout,
		"CLAIM_LEASE":   c.ClaimLease,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.ClaimLease <= c.CallTimeout {
		return fmt.Errorf("CLAIM_LEASE (%s) must exceed CALL_TIMEOUT (%s)", time.Duration(c.ClaimLease), time.Duration(c.CallTimeout))
	}

	switch c.CalendarProvider {
	case "":
	case ProviderGoogle:
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" || c.Google.RedirectURL == "" {
			return errors.New("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL are required for CALENDAR_PROVIDER=google")
		}
	case ProviderCalDAV:
		if c.CalDAVURL == "" {
			return errors.New("CALDAV_URL is required for CALENDAR_PROVIDER=caldav")
		}
	default:
		return fmt.Errorf("CALENDAR_PROVIDER must be google or caldav, got %q", c.CalendarProvider)
	}
	if c.CalendarProvider != "" && len(c.TokenSecret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 characters when a calendar provider is set (got %d)", len(c.TokenSecret))
	}
	return nil
}

// Location returns the default user zone.
func (c *Config) Location() *time.Location {
	return clock.LoadZone(c.Timezone, time.UTC)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s: %q is not a boolean", key, v)
}

func getEnvDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}
