// config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Built-in defaults. Everything here can be overridden by the YAML file, a
// .env file, or the real environment, in that order of precedence.
const (
	DefaultManifestURL = "https://data.worldpop.org/assets/wpgpDatasets.csv"
	DefaultDataBaseURL = "https://data.worldpop.org"
	DefaultGeocoderURL = "https://nominatim.openstreetmap.org/search"
	DefaultBordersURL  = "https://raw.githubusercontent.com/datasets/geo-countries/master/data/countries.geojson"
	DefaultUserAgent   = "popgrid/1.0 (+https://github.com/popgrid/popgrid)"
)

type CacheConfig struct {
	// Dir is the cache root. Empty means the platform user cache directory
	// plus "popgrid".
	Dir string `yaml:"dir"`
}

type RemoteConfig struct {
	ManifestURL string `yaml:"manifest_url"`
	DataBaseURL string `yaml:"data_base_url"`
	GeocoderURL string `yaml:"geocoder_url"`
	BordersURL  string `yaml:"borders_url"`
	// BordersPath points at a local GeoJSON border asset. When set, the
	// asset is never fetched from BordersURL.
	BordersPath string `yaml:"borders_path"`
	UserAgent   string `yaml:"user_agent"`
}

type DownloadConfig struct {
	// MaxParallel bounds concurrent fetches. Zero means NumCPU-1, minimum 1.
	MaxParallel       int    `yaml:"max_parallel"`
	MaxAttempts       int    `yaml:"max_attempts"`
	BaseDelayStr      string `yaml:"base_delay"`
	MaxDelayStr       string `yaml:"max_delay"`
	AttemptTimeoutStr string `yaml:"attempt_timeout"`

	// Parsed durations
	BaseDelay      time.Duration `yaml:"-"`
	MaxDelay       time.Duration `yaml:"-"`
	AttemptTimeout time.Duration `yaml:"-"`
}

type HTTPConfig struct {
	// TimeoutStr applies to metadata requests (manifest, geocoder, borders),
	// not to data downloads, which use the per-attempt timeout instead.
	TimeoutStr string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
}

type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Remote   RemoteConfig   `yaml:"remote"`
	Download DownloadConfig `yaml:"download"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// Default returns the built-in configuration.
func Default() *Config {
	parallel := runtime.NumCPU() - 1
	if parallel < 1 {
		parallel = 1
	}
	return &Config{
		Remote: RemoteConfig{
			ManifestURL: DefaultManifestURL,
			DataBaseURL: DefaultDataBaseURL,
			GeocoderURL: DefaultGeocoderURL,
			BordersURL:  DefaultBordersURL,
			UserAgent:   DefaultUserAgent,
		},
		Download: DownloadConfig{
			MaxParallel:    parallel,
			MaxAttempts:    5,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 10 * time.Minute,
		},
		HTTP: HTTPConfig{Timeout: 60 * time.Second},
	}
}

// Load reads configuration from file and environment variables. The YAML
// file at configPath is optional; an empty path tries "popgrid.yaml" in the
// working directory and silently continues without it. A .env file in the
// working directory is loaded next, then real environment variables, which
// win over everything else.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if _, err := os.Stat("popgrid.yaml"); err == nil {
			configPath = "popgrid.yaml"
		}
	}
	if configPath != "" {
		file, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	if err := resolveCacheDir(cfg); err != nil {
		return nil, err
	}
	if cfg.Download.MaxParallel < 1 {
		cfg.Download.MaxParallel = 1
	}
	if cfg.Download.MaxAttempts < 1 {
		cfg.Download.MaxAttempts = 1
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POPGRID_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("POPGRID_MANIFEST_URL"); v != "" {
		cfg.Remote.ManifestURL = v
	}
	if v := os.Getenv("POPGRID_DATA_BASE_URL"); v != "" {
		cfg.Remote.DataBaseURL = v
	}
	if v := os.Getenv("POPGRID_GEOCODER_URL"); v != "" {
		cfg.Remote.GeocoderURL = v
	}
	if v := os.Getenv("POPGRID_BORDERS_URL"); v != "" {
		cfg.Remote.BordersURL = v
	}
	if v := os.Getenv("POPGRID_BORDERS_PATH"); v != "" {
		cfg.Remote.BordersPath = v
	}
	if v := os.Getenv("POPGRID_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Download.MaxParallel = n
		}
	}
	if v := os.Getenv("POPGRID_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Download.MaxAttempts = n
		}
	}
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Download.BaseDelayStr != "" {
		cfg.Download.BaseDelay, err = time.ParseDuration(cfg.Download.BaseDelayStr)
		if err != nil {
			return fmt.Errorf("failed to parse base_delay: %w", err)
		}
	}
	if cfg.Download.MaxDelayStr != "" {
		cfg.Download.MaxDelay, err = time.ParseDuration(cfg.Download.MaxDelayStr)
		if err != nil {
			return fmt.Errorf("failed to parse max_delay: %w", err)
		}
	}
	if cfg.Download.AttemptTimeoutStr != "" {
		cfg.Download.AttemptTimeout, err = time.ParseDuration(cfg.Download.AttemptTimeoutStr)
		if err != nil {
			return fmt.Errorf("failed to parse attempt_timeout: %w", err)
		}
	}
	if cfg.HTTP.TimeoutStr != "" {
		cfg.HTTP.Timeout, err = time.ParseDuration(cfg.HTTP.TimeoutStr)
		if err != nil {
			return fmt.Errorf("failed to parse http timeout: %w", err)
		}
	}
	return nil
}

func resolveCacheDir(cfg *Config) error {
	if cfg.Cache.Dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("failed to locate user cache dir: %w", err)
		}
		cfg.Cache.Dir = filepath.Join(base, "popgrid")
	}
	if err := os.MkdirAll(cfg.Cache.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}
