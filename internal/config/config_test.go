package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// resetViper clears all viper state between tests to avoid cross-contamination.
func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("PEXSHIP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"PexPath", cfg.PexPath, "pex"},
		{"PythonVersion", cfg.PythonVersion, "3.8"},
		{"RuntimePackage", cfg.RuntimePackage, "dagster"},
		{"LocationLoadTimeout", cfg.LocationLoadTimeout, 600 * time.Second},
		{"AgentHeartbeatTimeout", cfg.AgentHeartbeatTimeout, 90 * time.Second},
		{"FirstRunHeartbeatTimeout", cfg.FirstRunHeartbeatTimeout, 600 * time.Second},
		{"PollInterval", cfg.PollInterval, 3 * time.Second},
		{"HTTPTimeout", cfg.HTTPTimeout, 5 * time.Minute},
		{"LocalDB", cfg.Cache.LocalDB, ""},
		{"Verbose", cfg.Verbose, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{
			name:   "pex_path",
			envKey: "PEXSHIP_PEX_PATH",
			envVal: "/opt/pex",
			field:  func(c Config) any { return c.PexPath },
			want:   "/opt/pex",
		},
		{
			name:   "location_load_timeout",
			envKey: "PEXSHIP_LOCATION_LOAD_TIMEOUT",
			envVal: "45s",
			field:  func(c Config) any { return c.LocationLoadTimeout },
			want:   45 * time.Second,
		},
		{
			name:   "cache.local_db",
			envKey: "PEXSHIP_CACHE_LOCAL_DB",
			envVal: "/tmp/cache.db",
			field:  func(c Config) any { return c.Cache.LocalDB },
			want:   "/tmp/cache.db",
		},
		{
			name:   "verbose",
			envKey: "PEXSHIP_VERBOSE",
			envVal: "true",
			field:  func(c Config) any { return c.Verbose },
			want:   true,
		},
		{
			name:   "cloud url from service variable",
			envKey: "DAGSTER_CLOUD_URL",
			envVal: "https://org.dagster.cloud",
			field:  func(c Config) any { return c.CloudURL },
			want:   "https://org.dagster.cloud",
		},
		{
			name:   "token from service variable",
			envKey: "DAGSTER_CLOUD_API_TOKEN",
			envVal: "user:secret",
			field:  func(c Config) any { return c.APIToken },
			want:   "user:secret",
		},
		{
			name:   "custom base image",
			envKey: "CUSTOM_BASE_IMAGE",
			envVal: "registry.local/base:1",
			field:  func(c Config) any { return c.BaseImage },
			want:   "registry.local/base:1",
		},
		{
			name:   "prefixed name of a service variable",
			envKey: "PEXSHIP_CLOUD_URL",
			envVal: "https://other.dagster.cloud",
			field:  func(c Config) any { return c.CloudURL },
			want:   "https://other.dagster.cloud",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			got := tt.field(cfg)
			if got != tt.want {
				t.Errorf("%s: got %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	resetViper()

	path := filepath.Join(t.TempDir(), ".pexship.yaml")
	data := "python_version: \"3.11\"\npoll_interval: 10s\ncache:\n  local_db: .pexship/cache.db\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PythonVersion != "3.11" {
		t.Errorf("PythonVersion = %q", cfg.PythonVersion)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.Cache.LocalDB != ".pexship/cache.db" {
		t.Errorf("LocalDB = %q", cfg.Cache.LocalDB)
	}
}

func TestValidate(t *testing.T) {
	resetViper()

	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		mutate     func(*Config)
		needRemote bool
		wantMiss   bool
		wantErr    bool
	}{
		{name: "local ok", mutate: func(*Config) {}},
		{name: "remote without url", mutate: func(*Config) {}, needRemote: true, wantMiss: true, wantErr: true},
		{name: "remote without token", mutate: func(c *Config) { c.CloudURL = "https://x" }, needRemote: true, wantMiss: true, wantErr: true},
		{name: "remote ok", mutate: func(c *Config) { c.CloudURL, c.APIToken = "https://x", "t" }, needRemote: true},
		{name: "no pex", mutate: func(c *Config) { c.PexPath = "" }, wantMiss: true, wantErr: true},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate(tt.needRemote)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrMissingSetting) != tt.wantMiss {
				t.Errorf("errors.Is(ErrMissingSetting) = %v, want %v", !tt.wantMiss, tt.wantMiss)
			}
		})
	}
}
