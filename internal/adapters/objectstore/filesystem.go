package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/trustrep/pkg/metrics"
)

// Filesystem stores objects below a root directory and serves them under a
// public base URL.
type Filesystem struct {
	root      string
	publicURL string
}

// NewFilesystem creates the root directory if needed.
func NewFilesystem(root, publicURL string) (*Filesystem, error) {
	if root == "" {
		root = "media"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if publicURL == "" {
		publicURL = "/media"
	}
	return &Filesystem{root: root, publicURL: publicURL}, nil
}

// Put writes r to objectPath atomically and returns its public URL.
func (f *Filesystem) Put(ctx context.Context, objectPath string, r io.Reader, _ string) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryLatency("object_put", float64(time.Since(start).Milliseconds())) }()

	p, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(f.root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}
	return joinURL(f.publicURL, p), nil
}

// Open returns the stored object.
func (f *Filesystem) Open(_ context.Context, objectPath string) (io.ReadCloser, error) {
	p, err := cleanPath(objectPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(f.root, filepath.FromSlash(p)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Handler serves stored objects. Mount it under the path of the public URL.
func (f *Filesystem) Handler(prefix string) http.Handler {
	return http.StripPrefix(prefix, http.FileServer(http.Dir(f.root)))
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
