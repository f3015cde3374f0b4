package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	"tokenvault/internal/infra/blob/fs"
	memorystore "tokenvault/internal/infra/blob/memory"
	infraS3 "tokenvault/internal/infra/blob/s3"
)

// S3Config configures the S3 driver.
type S3Config = infraS3.Config

// Config selects and configures a driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// ConfigFromEnv reads the blob configuration:
//
//	TOKENVAULT_BLOB_DRIVER: fs|s3|memory (default fs)
//	TOKENVAULT_BLOB_FS_ROOT: root directory for fs (default ./blobdata)
//	TOKENVAULT_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE,
//	_ACCESS_KEY_ID, _SECRET_ACCESS_KEY: S3 settings
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("TOKENVAULT_BLOB_DRIVER")),
		FSRoot: os.Getenv("TOKENVAULT_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:          os.Getenv("TOKENVAULT_BLOB_S3_BUCKET"),
			Region:          os.Getenv("TOKENVAULT_BLOB_S3_REGION"),
			Endpoint:        os.Getenv("TOKENVAULT_BLOB_S3_ENDPOINT"),
			PathStyle:       strings.EqualFold(os.Getenv("TOKENVAULT_BLOB_S3_PATH_STYLE"), "true"),
			AccessKeyID:     os.Getenv("TOKENVAULT_BLOB_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("TOKENVAULT_BLOB_S3_SECRET_ACCESS_KEY"),
		},
	}
}

// Open constructs the configured driver. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		store, err := infraS3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// OpenFromEnv opens the driver described by ConfigFromEnv.
func OpenFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, ConfigFromEnv())
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests returns an S3 store backed by an in-process fake bucket.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
