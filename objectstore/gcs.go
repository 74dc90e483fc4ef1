package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
)

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	log    *logger.Logger
}

// NewGCSStore creates a bucket client. Credentials come from
// credentialsJSON, then credentialsFile, then the application default.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string, credentialsJSON []byte, log *logger.Logger) (*GCSStore, error) {
	if log == nil {
		log = logger.NewNop()
	}

	var opts []option.ClientOption
	switch {
	case len(credentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	case credentialsFile != "":
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, log: log}, nil
}

func (s *GCSStore) Upload(ctx context.Context, localPath, key string) error {
	if err := validKey(key); err != nil {
		return apperr.Validation("%v", err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return apperr.Dependency(err, fmt.Sprintf("failed to open %s", localPath))
	}
	defer f.Close()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return apperr.Dependency(err, fmt.Sprintf("failed to upload %s", key))
	}
	if err := w.Close(); err != nil {
		return apperr.Dependency(err, fmt.Sprintf("failed to finalize upload of %s", key))
	}

	s.log.Info("Uploaded artifact", logger.NewField("key", key), logger.NewField("bucket", s.bucket))
	return nil
}

func (s *GCSStore) Download(ctx context.Context, key, dir string) (string, error) {
	if err := validKey(key); err != nil {
		return "", apperr.Validation("%v", err)
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", apperr.NotFound("object gs://%s/%s not found", s.bucket, key)
	}
	if err != nil {
		return "", apperr.Dependency(err, fmt.Sprintf("failed to open gs://%s/%s", s.bucket, key))
	}
	defer r.Close()

	dst := filepath.Join(dir, path.Base(key))
	out, err := os.Create(dst)
	if err != nil {
		return "", apperr.Dependency(err, "failed to create local artifact")
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return "", apperr.Dependency(err, fmt.Sprintf("failed to download %s", key))
	}
	if err := out.Close(); err != nil {
		return "", apperr.Dependency(err, "failed to write local artifact")
	}
	return dst, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
