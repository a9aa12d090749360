// Package config resolves client settings from defaults, an optional YAML file
// and AUTOML_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIURL            string        `yaml:"api_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ListInterval      time.Duration `yaml:"list_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	DataDir           string        `yaml:"data_dir"`
	LogFile           string        `yaml:"log_file"`
	LogLevel          string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		APIURL:            "http://localhost:8000",
		RequestTimeout:    15 * time.Second,
		PollInterval:      2 * time.Second,
		ListInterval:      5 * time.Second,
		RequestsPerSecond: 4,
		Burst:             4,
		DataDir:           ".automl-tui",
		LogFile:           filepath.Join(".automl-tui", "automl-tui.log"),
		LogLevel:          "info",
	}
}

// ParseConfig decodes a single YAML document over the defaults. Unknown keys
// are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	var extra yaml.Node
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("parse config: multiple YAML documents are not supported")
		}
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads path when it is set, then applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if p := strings.TrimSpace(path); p != "" {
		blob, err := os.ReadFile(p)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", p, err)
		}
		cfg, err = ParseConfig(blob)
		if err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AUTOML_* variables. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) string) error {
	get := func(key, fallback string) string {
		if value := strings.TrimSpace(lookup(key)); value != "" {
			return value
		}
		return fallback
	}

	c.APIURL = get("AUTOML_API_URL", c.APIURL)
	c.DataDir = get("AUTOML_DATA_DIR", c.DataDir)
	c.LogFile = get("AUTOML_LOG_FILE", c.LogFile)
	c.LogLevel = get("AUTOML_LOG_LEVEL", c.LogLevel)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AUTOML_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"AUTOML_POLL_INTERVAL", &c.PollInterval},
		{"AUTOML_LIST_INTERVAL", &c.ListInterval},
	}
	for _, d := range durations {
		raw := get(d.key, "")
		if raw == "" {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = value
	}

	if raw := get("AUTOML_REQUESTS_PER_SECOND", ""); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("AUTOML_REQUESTS_PER_SECOND: %w", err)
		}
		c.RequestsPerSecond = value
	}
	if raw := get("AUTOML_BURST", ""); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("AUTOML_BURST: %w", err)
		}
		c.Burst = value
	}
	return nil
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.PollInterval <= 0 || c.ListInterval <= 0 {
		return fmt.Errorf("poll_interval and list_interval must be positive")
	}
	if c.RequestsPerSecond < 0 || c.Burst < 0 {
		return fmt.Errorf("requests_per_second and burst must not be negative")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
