package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// Client is a Source that speaks the reference HTTP protocol.
type Client struct {
	base       string
	collection string
	http       *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a Source for collection at baseURL.
func NewClient(baseURL, collection string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote client: invalid base url %q", baseURL)
	}
	if collection == "" {
		return nil, fmt.Errorf("remote client: collection is required")
	}
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		collection: collection,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) recordsURL() string {
	return c.base + "/collections/" + url.PathEscape(c.collection) + "/records"
}

func (c *Client) recordURL(id string) string {
	return c.recordsURL() + "/" + url.PathEscape(id)
}

// Fetch implements Source.
func (c *Client) Fetch(ctx context.Context, id string) (*record.Snapshot, error) {
	var snap record.Snapshot
	if err := c.do(ctx, http.MethodGet, c.recordURL(id), "", nil, http.StatusOK, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Create implements Source.
func (c *Client) Create(ctx context.Context, id string, payload record.Payload) (Ack, error) {
	var ack Ack
	err := c.do(ctx, http.MethodPost, c.recordsURL(), "", createRequest{ID: id, Payload: payload}, http.StatusCreated, &ack)
	return ack, err
}

// Update implements Source.
func (c *Client) Update(ctx context.Context, id string, payload record.Payload, expectedRevision string) (string, error) {
	var resp revisionResponse
	err := c.do(ctx, http.MethodPut, c.recordURL(id), expectedRevision, updateRequest{Payload: payload}, http.StatusOK, &resp)
	return resp.Revision, err
}

// Delete implements Source.
func (c *Client) Delete(ctx context.Context, id string, expectedRevision string) error {
	return c.do(ctx, http.MethodDelete, c.recordURL(id), expectedRevision, nil, http.StatusNoContent, nil)
}

// Ping checks /healthz.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.base+"/healthz", "", nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, target, ifMatch string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote client: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("remote client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifMatch != "" {
		req.Header.Set(headerIfMatch, ifMatch)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Unreachable(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Unreachable(err)
	}

	if resp.StatusCode == want {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return Unreachable(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	return decodeError(resp.StatusCode, data)
}

func decodeError(status int, data []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)

	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return &ConflictError{Current: env.Error.Current}
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		reason := env.Error.Message
		if reason == "" {
			reason = http.StatusText(status)
		}
		return &RejectedError{Reason: reason}
	default:
		return Unreachable(fmt.Errorf("unexpected status %d", status))
	}
}
