// Package config loads tokenvault settings from an optional YAML file and
// the TOKENVAULT_* environment. Environment values win over the file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tokenvault/internal/blob"
	"tokenvault/internal/core"
)

// Config is the top-level configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`
	HTTP    HTTPConfig    `yaml:"http"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects the persisted token backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory | sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BlobConfig selects where export archives go.
type BlobConfig struct {
	Driver string       `yaml:"driver"` // fs | s3 | memory
	FSRoot string       `yaml:"fs_root"`
	S3     BlobS3Config `yaml:"s3"`
}

// BlobS3Config configures the S3 driver.
type BlobS3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// HTTPConfig controls the HTTP listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BridgeConfig controls the host WebSocket bridge.
type BridgeConfig struct {
	Path           string        `yaml:"path"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	// TraceFile receives one JSON line per service operation when set.
	TraceFile string `yaml:"trace_file"`
}

// Load reads path when non-empty, overlays the environment and fills
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := readFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile reads a YAML configuration file without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}
	str("TOKENVAULT_STORAGE_DRIVER", &c.Storage.Driver)
	str("TOKENVAULT_SQLITE_PATH", &c.Storage.SQLitePath)
	str("TOKENVAULT_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("TOKENVAULT_BLOB_DRIVER", &c.Blob.Driver)
	str("TOKENVAULT_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("TOKENVAULT_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("TOKENVAULT_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("TOKENVAULT_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("TOKENVAULT_BLOB_S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	str("TOKENVAULT_BLOB_S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	str("TOKENVAULT_HTTP_ADDR", &c.HTTP.Addr)
	str("TOKENVAULT_LOG_LEVEL", &c.Log.Level)
	str("TOKENVAULT_LOG_FORMAT", &c.Log.Format)
	str("TOKENVAULT_TRACE_FILE", &c.Log.TraceFile)
	return boolean("TOKENVAULT_BLOB_S3_PATH_STYLE", &c.Blob.S3.PathStyle)
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = string(core.StorageSQLite)
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./tokenvault.db"
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = string(blob.DriverFilesystem)
	}
	if c.Blob.FSRoot == "" {
		c.Blob.FSRoot = "./blobdata"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Bridge.Path == "" {
		c.Bridge.Path = "/bridge"
	}
	if c.Bridge.WriteTimeout <= 0 {
		c.Bridge.WriteTimeout = 10 * time.Second
	}
	if c.Bridge.RequestTimeout <= 0 {
		c.Bridge.RequestTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// StorageSettings converts the storage section for core.OpenStorage.
func (c *Config) StorageSettings() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobSettings converts the blob section for blob.Open.
func (c *Config) BlobSettings() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Blob.S3.Bucket,
			Region:          c.Blob.S3.Region,
			Endpoint:        c.Blob.S3.Endpoint,
			PathStyle:       c.Blob.S3.PathStyle,
			AccessKeyID:     c.Blob.S3.AccessKeyID,
			SecretAccessKey: c.Blob.S3.SecretAccessKey,
		},
	}
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
}
