package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
)

// LocalStore keeps objects as files below a root directory.
type LocalStore struct {
	root string
	log  *logger.Logger
}

// NewLocalStore creates root when missing.
func NewLocalStore(root string, log *logger.Logger) (*LocalStore, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store root %s: %w", root, err)
	}
	return &LocalStore{root: root, log: log}, nil
}

func (s *LocalStore) Upload(ctx context.Context, localPath, key string) error {
	if err := validKey(key); err != nil {
		return apperr.Validation("%v", err)
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Dependency(err, "failed to create object directory")
	}
	if err := copyFile(ctx, localPath, dst); err != nil {
		return apperr.Dependency(err, fmt.Sprintf("failed to upload %s", key))
	}
	s.log.Info("Uploaded artifact", logger.NewField("key", key), logger.NewField("root", s.root))
	return nil
}

func (s *LocalStore) Download(ctx context.Context, key, dir string) (string, error) {
	if err := validKey(key); err != nil {
		return "", apperr.Validation("%v", err)
	}
	src := filepath.Join(s.root, filepath.FromSlash(key))
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", apperr.NotFound("object %s not found", key)
	}
	dst := filepath.Join(dir, path.Base(key))
	if err := copyFile(ctx, src, dst); err != nil {
		return "", apperr.Dependency(err, fmt.Sprintf("failed to download %s", key))
	}
	return dst, nil
}

func (s *LocalStore) Close() error {
	return nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
