package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/cdse"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// Storage backends.
const (
	StorageFile  = "file"
	StorageMinIO = "minio"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	FieldsConfig string
	DataDir      string
	LedgerPath   string

	StorageBackend string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string

	// Copernicus Data Space imagery source.
	CDSEClientID     string
	CDSEClientSecret string
	CDSETokenURL     string
	CDSEProcessURL   string
	CDSETimeout      time.Duration
	ImageWidth       int
	ImageHeight      int
	WindowDays       int
	ImageryCacheSize int
	PreviewEnabled   bool

	WaterThresholdPos    float64
	WaterThresholdStrong float64
	AllTouched           bool

	PartitionStart   time.Time
	PartitionLagDays int
	ScheduleInterval time.Duration
	MaxCatchup       int

	KafkaBrokers      []string
	KafkaSummaryTopic string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		FieldsConfig: firstEnv("FIELDS_CONFIG", "ALPES_FIELDS_CONFIG", "etc/fields_st_cassien.geojson"),
		DataDir:      sharedcfg.EnvOrDefault("DATA_DIR", "data"),
		LedgerPath:   sharedcfg.EnvOrDefault("LEDGER_PATH", "data/ledger.db"),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: sharedcfg.EnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: sharedcfg.EnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucket:    sharedcfg.EnvOrDefault("MINIO_BUCKET", "alpes-water-monitor"),

		CDSEClientID:     firstEnv("CDSE_CLIENT_ID", "SH_CLIENT_ID", ""),
		CDSEClientSecret: firstEnv("CDSE_CLIENT_SECRET", "SH_CLIENT_SECRET", ""),
		CDSETokenURL:     sharedcfg.EnvOrDefault("CDSE_TOKEN_URL", cdse.DefaultTokenURL),
		CDSEProcessURL:   sharedcfg.EnvOrDefault("CDSE_PROCESS_URL", cdse.DefaultProcessURL),
		CDSETimeout:      p.duration("CDSE_TIMEOUT", "60s"),
		ImageWidth:       p.positiveInt("IMAGE_WIDTH", "512"),
		ImageHeight:      p.positiveInt("IMAGE_HEIGHT", "512"),
		WindowDays:       p.nonNegativeInt("WINDOW_DAYS", "5"),
		ImageryCacheSize: p.positiveInt("IMAGERY_CACHE_SIZE", "16"),
		PreviewEnabled:   p.bool("PREVIEW_ENABLED", "false"),

		WaterThresholdPos:    p.float("WATER_THRESHOLD_POS", "0.0"),
		WaterThresholdStrong: p.float("WATER_THRESHOLD_STRONG", "0.2"),
		AllTouched:           p.bool("ALL_TOUCHED", "true"),

		PartitionStart:   p.date("PARTITION_START", "2024-04-01"),
		PartitionLagDays: p.nonNegativeInt("PARTITION_LAG_DAYS", "1"),
		ScheduleInterval: p.duration("SCHEDULE_INTERVAL", "1h"),
		MaxCatchup:       p.positiveInt("MAX_CATCHUP", "31"),

		KafkaBrokers:      parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaSummaryTopic: sharedcfg.EnvOrDefault("KAFKA_SUMMARY_TOPIC", "water-daily-summaries"),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}
	if p.err != nil {
		return nil, p.err
	}

	cfg.StorageBackend = os.Getenv("STORAGE_BACKEND")
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageFile
		if cfg.MinIOEndpoint != "" {
			cfg.StorageBackend = StorageMinIO
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case StorageFile:
	case StorageMinIO:
		if c.MinIOEndpoint == "" {
			return errors.New("STORAGE_BACKEND is minio but MINIO_ENDPOINT is not set")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q: must be %s or %s", c.StorageBackend, StorageFile, StorageMinIO)
	}
	if c.FieldsConfig == "" {
		return errors.New("FIELDS_CONFIG is required")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaSummaryTopic == "" {
		return errors.New("KAFKA_SUMMARY_TOPIC is required when KAFKA_BROKERS is set")
	}
	return c.Metrics().Validate()
}

// Metrics returns the extraction thresholds and rasterization mode.
func (c *Config) Metrics() domain.MetricsConfig {
	return domain.MetricsConfig{
		WaterThresholdPos:    c.WaterThresholdPos,
		WaterThresholdStrong: c.WaterThresholdStrong,
		AllTouched:           c.AllTouched,
	}
}

// KafkaEnabled reports whether summaries are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// HasCDSECredentials reports whether imagery can be fetched.
func (c *Config) HasCDSECredentials() bool {
	return c.CDSEClientID != "" && c.CDSEClientSecret != ""
}

func firstEnv(primary, fallback, def string) string {
	if v := os.Getenv(primary); v != "" {
		return v
	}
	if v := os.Getenv(fallback); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	return sharedcfg.ParseBrokers(s)
}

// parser reads typed variables and keeps the first error, naming the variable.
type parser struct {
	err error
}

func (p *parser) fail(key, val, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %s", key, val, want)
	}
}

func (p *parser) duration(key, def string) time.Duration {
	s := sharedcfg.EnvOrDefault(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		p.fail(key, s, "must be a positive duration")
		return 0
	}
	return d
}

func (p *parser) intValue(key, def string, minValue int) int {
	s := sharedcfg.EnvOrDefault(key, def)
	n, err := strconv.Atoi(s)
	if err != nil || n < minValue {
		p.fail(key, s, fmt.Sprintf("must be an integer >= %d", minValue))
		return 0
	}
	return n
}

func (p *parser) positiveInt(key, def string) int {
	return p.intValue(key, def, 1)
}

func (p *parser) nonNegativeInt(key, def string) int {
	return p.intValue(key, def, 0)
}

func (p *parser) float(key, def string) float64 {
	s := sharedcfg.EnvOrDefault(key, def)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, s, "must be a number")
		return 0
	}
	return v
}

func (p *parser) bool(key, def string) bool {
	s := sharedcfg.EnvOrDefault(key, def)
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, s, "must be true or false")
		return false
	}
	return v
}

func (p *parser) date(key, def string) time.Time {
	s := sharedcfg.EnvOrDefault(key, def)
	t, err := domain.ParseDate(s)
	if err != nil {
		p.fail(key, s, "must be YYYY-MM-DD")
		return time.Time{}
	}
	return t
}
