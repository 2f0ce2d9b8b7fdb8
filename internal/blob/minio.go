package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible store served by MinIO.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements Store on a MinIO bucket.
// Conditional writes use If-Match / If-None-Match on PutObject; versions are ETags.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates a MinIO-backed store. Call EnsureBucket before first use.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio store requires a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s *MinioStore) Read(ctx context.Context, p string) ([]byte, Version, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, "", err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, p, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", s.translate(p, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", s.translate(p, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", s.translate(p, err)
	}
	return data, Version(info.ETag), nil
}

func (s *MinioStore) Write(ctx context.Context, p string, data []byte, cond Condition) (Version, error) {
	p, err := CleanPath(p)
	if err != nil {
		return "", err
	}

	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if v, ok := cond.MatchVersion(); ok {
		opts.SetMatchETag(string(v))
	}
	if cond.RequiresAbsent() {
		opts.SetMatchETagExcept("*")
	}

	info, err := s.client.PutObject(ctx, s.bucket, p, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", s.translate(p, err)
	}
	return Version(info.ETag), nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		paths = append(paths, obj.Key)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MinioStore) Delete(ctx context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, p, minio.RemoveObjectOptions{}); err != nil {
		if terr := s.translate(p, err); terr != nil && !isNotFound(terr) {
			return terr
		}
	}
	return nil
}

// translate maps MinIO error responses onto the package sentinels.
func (s *MinioStore) translate(p string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrConflict, p)
	default:
		return fmt.Errorf("minio %s: %w", p, err)
	}
}
