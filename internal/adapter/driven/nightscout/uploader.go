// Package nightscout implements the Uploader port against the Nightscout
// REST API (api/v1).
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/medrelay/medrelay/internal/domain/model"
	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Uploader = (*Client)(nil)

// Client posts transformed records to a Nightscout instance. GET traffic
// (the status capability check) goes through an in-memory ETag cache
// transport; uploads bypass it by nature of being POSTs.
type Client struct {
	baseURL    *url.URL
	secretHash string
	httpClient *http.Client
}

// NewClient creates a Client for the given Nightscout base URL. The API
// secret is never sent raw: Nightscout expects its SHA-1 hex in the
// api-secret header.
func NewClient(rawURL, apiSecret string) (*Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing nightscout URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("nightscout URL %q must be absolute", rawURL)
	}

	sum := sha1.Sum([]byte(apiSecret))

	return &Client{
		baseURL:    base,
		secretHash: hex.EncodeToString(sum[:]),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: httpcache.NewMemoryCacheTransport(),
		},
	}, nil
}

// Check verifies the instance is up and accepting API traffic.
func (c *Client) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("status.json"), nil)
	if err != nil {
		return fmt.Errorf("building status request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking nightscout status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nightscout status endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// UploadEntries posts a batch of glucose entries. An empty batch is a no-op.
func (c *Client) UploadEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.post(ctx, "entries.json", entries); err != nil {
		return fmt.Errorf("uploading %d entries: %w", len(entries), err)
	}
	return nil
}

// UploadDeviceStatus posts one pump/uploader status record.
func (c *Client) UploadDeviceStatus(ctx context.Context, status *model.DeviceStatus) error {
	if status == nil {
		return nil
	}
	if err := c.post(ctx, "devicestatus.json", status); err != nil {
		return fmt.Errorf("uploading device status: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, resource string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(resource), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("nightscout returned %d for %s", resp.StatusCode, resource)
	}
	return nil
}

func (c *Client) endpoint(resource string) string {
	return c.baseURL.JoinPath("api", "v1", resource).String()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("api-secret", c.secretHash)
	req.Header.Set("Accept", "application/json")
}
