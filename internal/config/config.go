package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingSetting indicates a setting required by the requested operation
// is unset.
var ErrMissingSetting = errors.New("missing required setting")

// CacheConfig configures the local dependency cache index.
type CacheConfig struct {
	// LocalDB, when set, keeps cache entries in a sqlite file instead of
	// the remote blob store. Entries are recorded with or without uploads.
	LocalDB string `mapstructure:"local_db"`
}

// Config holds all runtime configuration for a pexship invocation.
// Values are populated from .pexship.yaml, PEXSHIP_* env vars, the
// deployment service's own variables, and CLI flags.
type Config struct {
	CloudURL        string `mapstructure:"cloud_url"`
	APIToken        string `mapstructure:"api_token"`
	Deployment      string `mapstructure:"deployment"`
	PexPath         string `mapstructure:"pex_path"`
	PythonPath      string `mapstructure:"python_path"`
	PythonVersion   string `mapstructure:"python_version"`
	RuntimePackage  string `mapstructure:"runtime_package"`
	BaseImage       string `mapstructure:"base_image"`
	BaseImagePrefix string `mapstructure:"base_image_prefix"`

	LocationLoadTimeout      time.Duration `mapstructure:"location_load_timeout"`
	AgentHeartbeatTimeout    time.Duration `mapstructure:"agent_heartbeat_timeout"`
	FirstRunHeartbeatTimeout time.Duration `mapstructure:"first_run_heartbeat_timeout"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	HTTPTimeout              time.Duration `mapstructure:"http_timeout"`

	Cache     CacheConfig `mapstructure:"cache"`
	Verbose   bool        `mapstructure:"verbose"`
	LogFormat string      `mapstructure:"log_format"`
}

// Variables read under the names CI pipelines already export.
var legacyEnv = map[string][]string{
	"cloud_url":         {"DAGSTER_CLOUD_URL"},
	"api_token":         {"DAGSTER_CLOUD_API_TOKEN"},
	"base_image":        {"CUSTOM_BASE_IMAGE"},
	"base_image_prefix": {"SERVERLESS_BASE_IMAGE_PREFIX"},
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	viper.SetDefault("cloud_url", "")
	viper.SetDefault("api_token", "")
	viper.SetDefault("deployment", "")
	viper.SetDefault("pex_path", "pex")
	viper.SetDefault("python_path", "")
	viper.SetDefault("python_version", "3.8")
	viper.SetDefault("runtime_package", "dagster")
	viper.SetDefault("base_image", "")
	viper.SetDefault("base_image_prefix", "")
	viper.SetDefault("location_load_timeout", 600*time.Second)
	viper.SetDefault("agent_heartbeat_timeout", 90*time.Second)
	viper.SetDefault("first_run_heartbeat_timeout", 600*time.Second)
	viper.SetDefault("poll_interval", 3*time.Second)
	viper.SetDefault("http_timeout", 5*time.Minute)
	viper.SetDefault("cache.local_db", "")
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_format", "text")

	for key, names := range legacyEnv {
		prefixed := "PEXSHIP_" + strings.ToUpper(key)
		if err := viper.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded values. needRemote requires the deployment
// service URL and token.
func (c Config) Validate(needRemote bool) error {
	if needRemote {
		if c.CloudURL == "" {
			return fmt.Errorf("%w: cloud_url (DAGSTER_CLOUD_URL)", ErrMissingSetting)
		}
		if c.APIToken == "" {
			return fmt.Errorf("%w: api_token (DAGSTER_CLOUD_API_TOKEN)", ErrMissingSetting)
		}
	}
	if c.PexPath == "" {
		return fmt.Errorf("%w: pex_path", ErrMissingSetting)
	}
	for name, d := range map[string]time.Duration{
		"location_load_timeout":   c.LocationLoadTimeout,
		"agent_heartbeat_timeout": c.AgentHeartbeatTimeout,
		"poll_interval":           c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	return nil
}
