// Package osmapi wraps the three OpenStreetMap changeset calls the
// revert pipeline needs: create, upload, close. Every call is signed
// with the submitting user's own OAuth token, never a process-wide
// credential.
package osmapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	maxErrorBodyBytes  = 4 << 10
)

// Client talks to one OSM API endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client for the given API endpoint, e.g.
// "https://api.openstreetmap.org".
func New(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// CreateChangeset opens a changeset with the given tags and returns its
// numeric ID as the server sends it (plain text body).
func (c *Client) CreateChangeset(ctx context.Context, tags map[string]string, creds *Credentials) (string, error) {
	payload, err := changesetXML(tags)
	if err != nil {
		return "", err
	}

	body, err := c.do(ctx, http.MethodPut, "/api/0.6/changeset/create", payload, creds)
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", fmt.Errorf("changeset create returned an empty id")
	}
	return id, nil
}

// Upload posts the serialized change set to the changeset's upload
// endpoint.
func (c *Client) Upload(ctx context.Context, changesetID string, osc []byte, creds *Credentials) error {
	_, err := c.do(ctx, http.MethodPost, "/api/0.6/changeset/"+changesetID+"/upload", osc, creds)
	return err
}

// CloseChangeset finalizes a changeset. Intended to be idempotent from
// the caller's point of view; failures do not rewrite an outcome that
// was already recorded.
func (c *Client) CloseChangeset(ctx context.Context, changesetID string, creds *Credentials) error {
	_, err := c.do(ctx, http.MethodPut, "/api/0.6/changeset/"+changesetID+"/close", nil, creds)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, creds *Credentials) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	}
	if err := creds.sign(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &APIError{
			Status: resp.StatusCode,
			Reason: http.StatusText(resp.StatusCode),
			Body:   strings.TrimSpace(string(payload)),
		}
	}

	return io.ReadAll(resp.Body)
}

// APIError is a non-success HTTP outcome from the OSM API.
type APIError struct {
	Status int
	Reason string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("osm api: %d %s: %s", e.Status, e.Reason, e.Body)
	}
	return fmt.Sprintf("osm api: %d %s", e.Status, e.Reason)
}
