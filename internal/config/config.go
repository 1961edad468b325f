package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"crmsync/internal/models"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the configuration of crmsync.
type Config struct {
	DatabasePath     string   `toml:"database_path"`
	IntegrationType  string   `toml:"integration_type"` // "google" or "caldav"
	CalendarID       string   `toml:"calendar_id"`
	TimeZone         string   `toml:"time_zone"`
	WindowPastDays   int      `toml:"window_past_days"`
	WindowFutureDays int      `toml:"window_future_days"`
	CallTimeout      Duration `toml:"call_timeout"`
	Concurrency      int      `toml:"concurrency"`
	DefaultTitle     string   `toml:"default_title"`
	LogLevel         string   `toml:"log_level"`
	ListenAddr       string   `toml:"listen_addr"`

	Google GoogleConfig `toml:"google"`
	CalDAV CalDAVConfig `toml:"caldav"`
	Guard  GuardConfig  `toml:"guard"`
}

// GoogleConfig holds the OAuth client and API settings.
type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url,omitempty"`
	AuthURL      string `toml:"auth_url,omitempty"`
	RedirectURL  string `toml:"redirect_url"`
	Endpoint     string `toml:"endpoint,omitempty"`
}

// CalDAVConfig holds the CalDAV server settings.
type CalDAVConfig struct {
	ServerURL    string `toml:"server_url"`
	CalendarName string `toml:"calendar_name"`
}

// GuardConfig selects the run guard.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type GuardConfig struct {
	Type string   `toml:"type"` // "memory" or "redis"
	TTL  Duration `toml:"ttl"`

	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		DatabasePath:     "crmsync.db",
		IntegrationType:  models.IntegrationGoogle,
		CalendarID:       "primary",
		TimeZone:         "UTC",
		WindowPastDays:   7,
		WindowFutureDays: 30,
		CallTimeout:      Duration{30 * time.Second},
		Concurrency:      1,
		DefaultTitle:     "(No title)",
		LogLevel:         "info",
		ListenAddr:       ":8080",
		Google: GoogleConfig{
			RedirectURL: "urn:ietf:wg:oauth:2.0:oob",
		},
		CalDAV: CalDAVConfig{
			ServerURL: "https://caldav.icloud.com/",
		},
		Guard: GuardConfig{
			Type: "memory",
			TTL:  Duration{10 * time.Minute},
		},
	}
}

// Read decodes a Config from r on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes a Config to w.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes cfg to a new file at path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Load reads the file at path when it is set, then applies the environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		cfg, err = ReadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"CRMSYNC_DATABASE_PATH":    &c.DatabasePath,
		"CRMSYNC_INTEGRATION_TYPE": &c.IntegrationType,
		"GOOGLE_CALENDAR_ID":       &c.CalendarID,
		"PRIMARY_TIMEZONE":         &c.TimeZone,
		"CRMSYNC_DEFAULT_TITLE":    &c.DefaultTitle,
		"LOG_LEVEL":                &c.LogLevel,
		"CRMSYNC_LISTEN_ADDR":      &c.ListenAddr,
		"GOOGLE_CLIENT_ID":         &c.Google.ClientID,
		"GOOGLE_CLIENT_SECRET":     &c.Google.ClientSecret,
		"GOOGLE_TOKEN_URL":         &c.Google.TokenURL,
		"GOOGLE_AUTH_URL":          &c.Google.AuthURL,
		"GOOGLE_REDIRECT_URL":      &c.Google.RedirectURL,
		"GOOGLE_API_ENDPOINT":      &c.Google.Endpoint,
		"CALDAV_SERVER_URL":        &c.CalDAV.ServerURL,
		"ICLOUD_CALENDAR_NAME":     &c.CalDAV.CalendarName,
		"CRMSYNC_GUARD":            &c.Guard.Type,
		"REDIS_ADDR":               &c.Guard.RedisAddr,
		"REDIS_PASSWORD":           &c.Guard.RedisPassword,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CRMSYNC_WINDOW_PAST_DAYS":   &c.WindowPastDays,
		"CRMSYNC_WINDOW_FUTURE_DAYS": &c.WindowFutureDays,
		"CRMSYNC_CONCURRENCY":        &c.Concurrency,
		"REDIS_DB":                   &c.Guard.RedisDB,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"CRMSYNC_CALL_TIMEOUT": &c.CallTimeout,
		"CRMSYNC_GUARD_TTL":    &c.Guard.TTL,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
		}
	}
	return nil
}

// Validate checks the settings needed to sync. Errors name the offending key.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	switch c.IntegrationType {
	case models.IntegrationGoogle:
		if c.Google.ClientID == "" {
			errs = append(errs, errors.New("google.client_id is required"))
		}
		if c.Google.ClientSecret == "" {
			errs = append(errs, errors.New("google.client_secret is required"))
		}
	case models.IntegrationCalDAV:
		if c.CalDAV.CalendarName == "" {
			errs = append(errs, errors.New("caldav.calendar_name is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("integration_type %q is not supported", c.IntegrationType))
	}
	if c.WindowPastDays < 0 || c.WindowFutureDays <= 0 {
		errs = append(errs, errors.New("window_past_days must be >= 0 and window_future_days > 0"))
	}
	if c.CallTimeout.Duration <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	switch c.Guard.Type {
	case "memory":
	case "redis":
		if c.Guard.RedisAddr == "" {
			errs = append(errs, errors.New("guard.redis_addr is required for the redis guard"))
		}
	default:
		errs = append(errs, fmt.Errorf("guard.type %q is not supported", c.Guard.Type))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone '%s': %w", c.TimeZone, err)
	}
	return loc, nil
}

// Window returns the import window as durations before and after now.
func (c *Config) Window() (past, future time.Duration) {
	return time.Duration(c.WindowPastDays) * 24 * time.Hour, time.Duration(c.WindowFutureDays) * 24 * time.Hour
}
