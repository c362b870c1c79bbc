// Package blob is the entry point to archive object storage. Callers depend
// on Store and obtain one from Open; concrete drivers live under
// internal/infra/blob.
package blob

import (
	"context"
	"fmt"

	"timestack/internal/blob/core"
	"timestack/internal/config"
	"timestack/internal/infra/blob/fs"
	"timestack/internal/infra/blob/memory"
	"timestack/internal/infra/blob/s3"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound   = core.ErrNotFound
	ErrExists     = core.ErrExists
	ErrInvalidKey = core.ErrInvalidKey
)

// Open builds the store selected by cfg. An empty driver means fs.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	driver := Driver(cfg.Driver)
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		root := cfg.FSRoot
		if root == "" {
			root = config.DefaultArchiveRoot
		}
		return fs.New(root)
	case DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}

// NewMemory returns an in-process store.
func NewMemory() Store { return memory.New() }

// NewMockS3 returns an S3 store backed by an in-memory transport, for tests
// in packages that may not import the driver directly.
func NewMockS3(ctx context.Context) (Store, error) {
	st, _, err := s3.NewMock(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}
