package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

// Store is the contract the engine depends on. Paths are "bucket/key";
// returned URIs are stable references a container can resolve later.
type Store interface {
	Write(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// SplitPath separates "bucket/key" into its parts.
func SplitPath(path string) (bucket string, key string, err error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	idx := strings.Index(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", errors.New("path must be bucket/key")
	}
	return path[:idx], path[idx+1:], nil
}

// PathFromURI strips a scheme prefix ("s3://bucket/key" -> "bucket/key").
func PathFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[idx+3:]
	}
	return uri
}
