// Package registry is the client of the external registration service.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

const maxResponse = 1 << 20

// Client registers assets with POST {base}/registrations.
type Client struct {
	base string
	http *http.Client
	log  logger.Logger
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds each registration call.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d, Transport: cl.http.Transport}
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		log:  logger.Get().Named("registry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type registrationResponse struct {
	RegistrationID string `json:"registration_id"`
	TransactionRef string `json:"transaction_ref"`
	Error          string `json:"error"`
}

// Register sends one registration request. It never retries.
func (c *Client) Register(ctx context.Context, req submission.RegistrationRequest) (submission.Registration, error) {
	start := time.Now()
	body, err := json.Marshal(req)
	if err != nil {
		return submission.Registration{}, fmt.Errorf("encode registration: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/registrations", bytes.NewReader(body))
	if err != nil {
		return submission.Registration{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordErrorByComponent("registry", "transport")
		return submission.Registration{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return submission.Registration{}, fmt.Errorf("read registration response: %w", err)
	}

	var out registrationResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordErrorByComponent("registry", "status")
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != "" {
			msg = out.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return submission.Registration{}, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	if decodeErr != nil {
		return submission.Registration{}, fmt.Errorf("decode registration response: %w", decodeErr)
	}
	if out.Error != "" {
		metrics.RecordErrorByComponent("registry", "rejected")
		return submission.Registration{}, fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}

	c.log.Info(ctx, "asset registered",
		logger.String("asset_id", req.AssetID),
		logger.String("registration_id", out.RegistrationID),
		logger.Duration("took", time.Since(start)))
	return submission.Registration{RegistrationID: out.RegistrationID, TransactionRef: out.TransactionRef}, nil
}
