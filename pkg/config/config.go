// Package config provides YAML-based configuration loading for geotask.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// DatabaseURL selects the catalog and run store. A "sqlite:" prefix uses
	// the embedded SQLite driver; anything else is handed to pgx.
	DatabaseURL string `mapstructure:"database_url"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	GDAL    GDALConfig    `mapstructure:"gdal"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig is the S3-compatible object store.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Root      string `mapstructure:"root"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
	// COGFolder is the CMS folder uploaded COG files are filed under.
	COGFolder string `mapstructure:"cog_folder"`
}

// GDALConfig names the GDAL binaries.
type GDALConfig struct {
	Info    string `mapstructure:"info"`
	Warp    string `mapstructure:"warp"`
	GDAL    string `mapstructure:"gdal"`
	Addo    string `mapstructure:"addo"`
	TempDir string `mapstructure:"temp_dir"`
}

// WorkerConfig sizes the task runtime.
type WorkerConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	QueueSize           int           `mapstructure:"queue_size"`
	RasterTimeLimit     time.Duration `mapstructure:"raster_time_limit"`
	KMLTimeLimit        time.Duration `mapstructure:"kml_time_limit"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
	AbandonGrace        time.Duration `mapstructure:"abandon_grace"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TracingConfig controls the tracer provider.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Stdout      bool   `mapstructure:"stdout"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		DatabaseURL: "sqlite:file:geotask.sqlite?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		HTTP:        HTTPConfig{Addr: ":8080"},
		Storage:     StorageConfig{Region: "us-east-1", COGFolder: "ffffffff-ffff-4fff-bfff-fffffffffff8"},
		GDAL:        GDALConfig{Info: "gdalinfo", Warp: "gdalwarp", GDAL: "gdal", Addo: "gdaladdo"},
		Worker: WorkerConfig{
			Concurrency:         2,
			QueueSize:           64,
			RasterTimeLimit:     6 * time.Hour,
			KMLTimeLimit:        10 * time.Minute,
			CompensationTimeout: 2 * time.Minute,
			AbandonGrace:        30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/geotask.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{ServiceName: "geotask"},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix GEOTASK with `.`
// and `-` replaced by `_`, e.g. GEOTASK_STORAGE_BUCKET=tiles.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GEOTASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("database_url", cfg.DatabaseURL)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("storage.endpoint", cfg.Storage.Endpoint)
	v.SetDefault("storage.bucket", cfg.Storage.Bucket)
	v.SetDefault("storage.root", cfg.Storage.Root)
	v.SetDefault("storage.region", cfg.Storage.Region)
	v.SetDefault("storage.access_key", cfg.Storage.AccessKey)
	v.SetDefault("storage.secret_key", cfg.Storage.SecretKey)
	v.SetDefault("storage.secure", cfg.Storage.Secure)
	v.SetDefault("storage.cog_folder", cfg.Storage.COGFolder)
	v.SetDefault("gdal.info", cfg.GDAL.Info)
	v.SetDefault("gdal.warp", cfg.GDAL.Warp)
	v.SetDefault("gdal.gdal", cfg.GDAL.GDAL)
	v.SetDefault("gdal.addo", cfg.GDAL.Addo)
	v.SetDefault("gdal.temp_dir", cfg.GDAL.TempDir)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.queue_size", cfg.Worker.QueueSize)
	v.SetDefault("worker.raster_time_limit", cfg.Worker.RasterTimeLimit)
	v.SetDefault("worker.kml_time_limit", cfg.Worker.KMLTimeLimit)
	v.SetDefault("worker.compensation_timeout", cfg.Worker.CompensationTimeout)
	v.SetDefault("worker.abandon_grace", cfg.Worker.AbandonGrace)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.stdout", cfg.Tracing.Stdout)

	if path == "" {
		path = os.Getenv("GEOTASK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("geotask")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".geotask"))
		}
	}

	// a missing file leaves defaults and env in place
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("invalid worker.concurrency: %d", c.Worker.Concurrency)
	}
	c.Storage.Root = strings.Trim(c.Storage.Root, "/")
	return nil
}

// ObjectStoreConfigured reports whether enough storage settings are present
// to reach a bucket.
func (c *Config) ObjectStoreConfigured() bool {
	return c.Storage.Endpoint != "" && c.Storage.Bucket != ""
}
