package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestReadWrite_RoundTrip(t *testing.T) {
	original := Default()
	original.IntegrationType = "caldav"
	original.CalDAV.CalendarName = "CRM"
	original.CallTimeout = Duration{45 * time.Second}
	original.Guard = GuardConfig{Type: "redis", TTL: Duration{time.Minute}, RedisAddr: "localhost:6379", RedisDB: 2}

	var buf bytes.Buffer
	if err := Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.IntegrationType != "caldav" {
		t.Errorf("IntegrationType = %q, want %q", got.IntegrationType, "caldav")
	}
	if got.CalDAV.CalendarName != "CRM" {
		t.Errorf("CalDAV.CalendarName = %q, want %q", got.CalDAV.CalendarName, "CRM")
	}
	if got.CallTimeout.Duration != 45*time.Second {
		t.Errorf("CallTimeout = %v, want %v", got.CallTimeout.Duration, 45*time.Second)
	}
	if got.Guard.RedisDB != 2 || got.Guard.TTL.Duration != time.Minute {
		t.Errorf("Guard = %+v", got.Guard)
	}
}

func TestRead_KeepsDefaultsForMissingKeys(t *testing.T) {
	got, err := Read(strings.NewReader(`
database_path = "/var/lib/crmsync/crm.db"
call_timeout = "5s"

[google]
client_id = "id"
`))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.DatabasePath != "/var/lib/crmsync/crm.db" {
		t.Errorf("DatabasePath = %q", got.DatabasePath)
	}
	if got.CallTimeout.Duration != 5*time.Second {
		t.Errorf("CallTimeout = %v, want 5s", got.CallTimeout.Duration)
	}
	if got.WindowFutureDays != 30 {
		t.Errorf("WindowFutureDays = %d, want 30", got.WindowFutureDays)
	}
	if got.Google.ClientID != "id" {
		t.Errorf("Google.ClientID = %q, want %q", got.Google.ClientID, "id")
	}
	if got.Guard.Type != "memory" {
		t.Errorf("Guard.Type = %q, want memory", got.Guard.Type)
	}
}

func TestRead_InvalidDuration(t *testing.T) {
	if _, err := Read(strings.NewReader(`call_timeout = "soon"`)); err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmsync.toml")
	content := "log_level = \"warn\"\nconcurrency = 2\n[google]\nclient_id = \"from-file\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, envFrom(map[string]string{
		"GOOGLE_CLIENT_ID":     "from-env",
		"CRMSYNC_CONCURRENCY":  "4",
		"CRMSYNC_CALL_TIMEOUT": "10s",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Google.ClientID != "from-env" {
		t.Errorf("Google.ClientID = %q, want from-env", cfg.Google.ClientID)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.CallTimeout.Duration != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", cfg.CallTimeout.Duration)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), envFrom(nil)); err == nil {
		t.Error("Load() expected error for missing file")
	}
	if _, err := Load("", envFrom(map[string]string{"CRMSYNC_CONCURRENCY": "many"})); err == nil {
		t.Error("Load() expected error for non-numeric concurrency")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Google.ClientID = "id"
		cfg.Google.ClientSecret = "secret"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	noLookBack := valid()
	noLookBack.WindowPastDays = 0
	if err := noLookBack.Validate(); err != nil {
		t.Fatalf("Validate() with window_past_days = 0 error = %v", err)
	}
	if past, _ := noLookBack.Window(); past != 0 {
		t.Errorf("Window() past = %v, want 0", past)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing client id", func(c *Config) { c.Google.ClientID = "" }, "google.client_id"},
		{"missing client secret", func(c *Config) { c.Google.ClientSecret = "" }, "google.client_secret"},
		{"unknown integration", func(c *Config) { c.IntegrationType = "outlook" }, "integration_type"},
		{"caldav without calendar", func(c *Config) { c.IntegrationType = "caldav" }, "caldav.calendar_name"},
		{"redis without address", func(c *Config) { c.Guard.Type = "redis" }, "guard.redis_addr"},
		{"bad time zone", func(c *Config) { c.TimeZone = "Not/AZone" }, "time_zone"},
		{"zero timeout", func(c *Config) { c.CallTimeout = Duration{} }, "call_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "crmsync.toml")
	if err := Init(path, Default()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Init(path, Default()); err == nil {
		t.Error("Init() expected error when file exists")
	}

	cfg, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
}
