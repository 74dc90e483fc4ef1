// Package objectstore moves model and inference artifacts between the
// local artifact directory and durable storage.
package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"optiver-forecast/config"
	"optiver-forecast/logger"
)

// Store uploads and downloads artifacts by key. Keys use forward slashes,
// e.g. "trained_models/base.json".
type Store interface {
	Upload(ctx context.Context, localPath, key string) error
	// Download writes the object to dir and returns the local path.
	Download(ctx context.Context, key, dir string) (string, error)
	Close() error
}

// New builds the store selected by cfg.Driver. credentialsJSON, when not
// empty, takes precedence over cfg.CredentialsFile for the gcs driver.
func New(ctx context.Context, cfg config.ObjectStoreConfig, credentialsJSON []byte, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile, credentialsJSON, log)
	case "local", "":
		return NewLocalStore(cfg.LocalRoot, log)
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}

// Key joins parts into an object key.
func Key(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func validKey(key string) error {
	clean := path.Clean(key)
	if key == "" || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." || strings.HasPrefix(clean, "/") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
