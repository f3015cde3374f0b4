// Package blob is the entry point to blob storage. Callers depend on Store
// and open a driver with Open; the drivers themselves live under
// internal/infra/blob.
package blob

import "tokenvault/internal/blob/core"

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
	ErrUnsupported = core.ErrUnsupported
	ErrInvalidKey  = core.ErrInvalidKey
)
