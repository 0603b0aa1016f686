// Package objectstore stores uploaded media on the local filesystem or in a
// Google Cloud Storage bucket.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Store puts and fetches media by object path.
type Store interface {
	Put(ctx context.Context, objectPath string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)
}

// Backend selects a Store implementation.
type Backend string

const (
	BackendFilesystem Backend = "filesystem"
	BackendGCS        Backend = "gcs"
)

// Config is the union of every backend's settings.
type Config struct {
	Backend         Backend
	Root            string
	PublicURL       string
	Bucket          string
	CredentialsFile string
	AccessToken     string
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFilesystem, "":
		return NewFilesystem(cfg.Root, cfg.PublicURL)
	case BackendGCS:
		return NewGCS(ctx, cfg.Bucket, GCSCredentials{File: cfg.CredentialsFile, AccessToken: cfg.AccessToken})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

// cleanPath normalizes an object path and rejects ones escaping the root.
func cleanPath(p string) (string, error) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, p)
		}
	}
	return p, nil
}

func joinURL(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + p
}
