// Package artifacts stores generated deliverables and returns a URL for them.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// FileStore writes artifacts under Dir. URLs use BaseURL when set, file:// otherwise.
type FileStore struct {
	Dir     string
	BaseURL string
}

func (s FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dir := s.Dir
	if dir == "" {
		dir = "artifacts"
	}
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", key, err)
	}
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/") + "/" + key, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// MinIOStore uploads artifacts to an S3-compatible bucket.
type MinIOStore struct {
	Client  *minio.Client
	Bucket  string
	BaseURL string
}

type MinIOOptions struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	BaseURL   string
}

func NewMinIOStore(opts MinIOOptions) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "market-posters"
	}
	base := opts.BaseURL
	if base == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket)
	}
	return &MinIOStore{Client: client, Bucket: bucket, BaseURL: base}, nil
}

func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	_, err = s.Client.PutObject(ctx, s.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("uploading artifact %s: %w", key, err)
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + key, nil
}

func cleanKey(key string) (string, error) {
	key = strings.Trim(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if key == "" || key == "." {
		return "", errors.New("artifact key is required")
	}
	return key, nil
}
