package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
)

// ForestIgnore disables forest-overlap computation when used as ForestURL.
const ForestIgnore = "ignore"

// envPrefix namespaces every variable, e.g. GEOMAC_STATE.
const envPrefix = "GEOMAC"

// Config holds all harvester settings, populated from environment variables
// and overridden by command-line flags.
type Config struct {
	State       string `envconfig:"STATE" default:"Oregon"`
	Year        string `envconfig:"YEAR" default:"current_year"`
	Dest        string `envconfig:"DEST" default:"rcwildfires-data"`
	ForestURL   string `envconfig:"FOREST_URL" default:"https://stable-data.oregonhowl.org/oregon/forestland.json"`
	Verbose     bool   `envconfig:"VERBOSE" default:"false"`
	NoElevation bool   `envconfig:"NO_ELEVATION" default:"false"`

	Host     string `envconfig:"SERVER_URL" default:"https://rmgsc.cr.usgs.gov"`
	BasePath string `envconfig:"BASE_PATH" default:"/outgoing/GeoMAC/"`

	// Remote fetch hardening.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	RetryMax       int           `envconfig:"RETRY_MAX" default:"3"`

	// Concurrency ceilings: fires in flight, and reports in flight per fire.
	FireConcurrency   int     `envconfig:"FIRE_CONCURRENCY" default:"5"`
	ReportConcurrency int     `envconfig:"REPORT_CONCURRENCY" default:"3"`
	AcreageThreshold  float64 `envconfig:"ACREAGE_THRESHOLD" default:"1000"`

	// Elevation lookup.
	ElevationURL       string        `envconfig:"ELEVATION_URL" default:"https://api.open-meteo.com/v1/elevation"`
	ElevationBatchSize int           `envconfig:"ELEVATION_BATCH_SIZE" default:"100"`
	ElevationTimeout   time.Duration `envconfig:"ELEVATION_TIMEOUT" default:"10s"`
	ElevationCacheTTL  time.Duration `envconfig:"ELEVATION_CACHE_TTL" default:"24h"`

	HTTPAddr        string        `envconfig:"HTTP_ADDR"`
	MetricsTextfile string        `envconfig:"METRICS_TEXTFILE"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogFile   string `envconfig:"LOG_FILE"`
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration after env and flag overrides.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.State, validation.Required),
		validation.Field(&c.Year, validation.Required),
		validation.Field(&c.Dest, validation.Required),
		validation.Field(&c.ForestURL, validation.Required),
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.BasePath, validation.Required),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RetryMax, validation.Min(0), validation.Max(10)),
		validation.Field(&c.FireConcurrency, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.ReportConcurrency, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.AcreageThreshold, validation.Min(0.0)),
		validation.Field(&c.ElevationURL, validation.Required),
		validation.Field(&c.ElevationBatchSize, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.ElevationTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ShutdownTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LogLevel, validation.In("", "debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.Required, validation.In("text", "json")),
	); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Host); err != nil {
		return fmt.Errorf("invalid config: host: %w", err)
	}
	if c.ForestEnabled() {
		if _, err := url.ParseRequestURI(c.ForestURL); err != nil {
			return fmt.Errorf("invalid config: forest: %w", err)
		}
	}
	return nil
}

// ForestEnabled reports whether forest overlap should be computed.
func (c *Config) ForestEnabled() bool {
	return c.ForestURL != ForestIgnore
}

// ListingPath returns the state directory path, e.g.
// /outgoing/GeoMAC/2020_fire_data/Oregon/.
func (c *Config) ListingPath() string {
	base := "/" + strings.Trim(c.BasePath, "/") + "/"
	return base + c.Year + "_fire_data/" + c.State + "/"
}

// ListingURL returns the absolute URL of the state directory listing.
func (c *Config) ListingURL() string {
	return strings.TrimRight(c.Host, "/") + c.ListingPath()
}
