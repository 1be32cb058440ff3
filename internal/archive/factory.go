package archive

import (
	"context"
	"fmt"

	"cbc-go/internal/backup"
	"cbc-go/internal/config"
)

// NewArchiveFromConfig creates the ArchiveBackend selected by cfg.Type.
func NewArchiveFromConfig(ctx context.Context, cfg config.BackendConfig) (backup.ArchiveBackend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryArchive(), nil
	case "filesystem":
		a, err := NewFileSystemArchive(cfg.FSBaseDir)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "s3":
		a, err := NewS3ArchiveFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend type: %s", backup.ErrConfiguration, cfg.Type)
	}
}
