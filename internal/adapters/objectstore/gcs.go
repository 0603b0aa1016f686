package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/okian/trustrep/pkg/metrics"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

const gcsPublicBase = "https://storage.googleapis.com"

// GCSCredentials selects how the GCS client authenticates. AccessToken wins
// over File; with neither, application default credentials are used.
type GCSCredentials struct {
	File        string
	AccessToken string
}

// GCS stores objects in a Cloud Storage bucket through the JSON API.
type GCS struct {
	svc        *storage.Service
	bucket     string
	publicBase string
}

// NewGCS creates a bucket-bound store. Extra client options are appended
// after the credential options.
func NewGCS(ctx context.Context, bucket string, creds GCSCredentials, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}
	var clientOpts []option.ClientOption
	switch {
	case creds.AccessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"})
		clientOpts = append(clientOpts, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	case creds.File != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(creds.File))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := storage.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{svc: svc, bucket: bucket, publicBase: gcsPublicBase}, nil
}

// Put uploads r and returns the object's public URL.
func (g *GCS) Put(ctx context.Context, objectPath string, r io.Reader, contentType string) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryLatency("object_put", float64(time.Since(start).Milliseconds())) }()

	p, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	obj := &storage.Object{Name: p, ContentType: contentType}
	call := g.svc.Objects.Insert(g.bucket, obj).Context(ctx)
	if contentType != "" {
		call = call.Media(r, googleapi.ContentType(contentType))
	} else {
		call = call.Media(r)
	}
	if _, err := call.Do(); err != nil {
		return "", fmt.Errorf("gcs upload %s: %w", p, err)
	}
	return joinURL(g.publicBase, g.bucket+"/"+(&url.URL{Path: p}).EscapedPath()), nil
}

// Open downloads the object.
func (g *GCS) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	p, err := cleanPath(objectPath)
	if err != nil {
		return nil, err
	}
	resp, err := g.svc.Objects.Get(g.bucket, p).Context(ctx).Download()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("gcs download %s: %w", p, err)
	}
	return resp.Body, nil
}
