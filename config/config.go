package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultAPIBaseURL = "https://api.transport.nsw.gov.au"

type Config struct {
	// Outbound credential for the TfNSW open data API.
	APIKey string `yaml:"api_key"`

	// In dev mode a local proxy is preferred over going direct.
	Dev          bool   `yaml:"dev"`
	ProxyBaseURL string `yaml:"proxy_base_url" validate:"omitempty,url"`

	// Explicit feed URLs. When set, they replace the fallback plan.
	VehiclePositionsURL string `yaml:"vehicle_positions_url" validate:"omitempty,url"`
	TripUpdatesURL      string `yaml:"trip_updates_url" validate:"omitempty,url"`

	// Upstream the built-in proxy forwards /api/gtfs/* to.
	APIBaseURL string `yaml:"api_base_url" validate:"required,url"`

	StaticURLs    []string      `yaml:"static_urls" validate:"required,min=1,dive,url"`
	StaticTTL     time.Duration `yaml:"static_ttl" validate:"min=1m"`
	StaticTimeout time.Duration `yaml:"static_timeout" validate:"min=1s"`

	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"min=1s"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"min=1s"`

	DepartureLimit    int           `yaml:"departure_limit" validate:"min=1,max=100"`
	StopNameBatchSize int           `yaml:"stop_name_batch_size" validate:"min=1,max=1000"`
	StopNameDelay     time.Duration `yaml:"stop_name_delay" validate:"min=0"`

	Listen string `yaml:"listen" validate:"required,hostname_port"`

	Storage     string `yaml:"storage" validate:"oneof=memory sqlite postgres"`
	StorageDir  string `yaml:"storage_dir" validate:"required_if=Storage sqlite"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Storage postgres"`
}

func Default() *Config {
	return &Config{
		APIBaseURL: DefaultAPIBaseURL,
		StaticURLs: []string{
			DefaultAPIBaseURL + "/v1/gtfs/schedule/buses",
			DefaultAPIBaseURL + "/v1/gtfs/schedule/sydney-buses",
		},
		StaticTTL:         6 * time.Hour,
		StaticTimeout:     2 * time.Minute,
		RefreshInterval:   20 * time.Second,
		FetchTimeout:      15 * time.Second,
		DepartureLimit:    6,
		StopNameBatchSize: 250,
		Listen:            "127.0.0.1:5173",
		Storage:           "memory",
		StorageDir:        ".gtfslive",
	}
}

// Loads configuration. Defaults are overlaid with the YAML file at
// path (if path is non-empty), then with environment variables. A .env
// file in the working directory is loaded into the environment first,
// if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Missing .env is fine
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := firstNonEmpty(os.Getenv("TFNSW_API_KEY"), os.Getenv("VITE_TFNSW_API_KEY")); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("TFNSW_VEHICLE_POSITIONS_URL"); v != "" {
		c.VehiclePositionsURL = v
	}
	if v := os.Getenv("TFNSW_TRIP_UPDATES_URL"); v != "" {
		c.TripUpdatesURL = v
	}
	if v := os.Getenv("GTFSLIVE_DEV"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid GTFSLIVE_DEV: %q", v)
		}
		c.Dev = dev
	}
	if v := os.Getenv("GTFSLIVE_PROXY_BASE_URL"); v != "" {
		c.ProxyBaseURL = v
	}
	if v := os.Getenv("GTFSLIVE_STORAGE"); v != "" {
		c.Storage = strings.ToLower(v)
	}
	if v := os.Getenv("GTFSLIVE_POSTGRES"); v != "" {
		c.PostgresURL = v
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := []string{}
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
