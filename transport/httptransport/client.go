// Package httptransport implements the fleetsync Transport against the
// remote record-oriented HTTP API.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/veldra/fleetsync"
	"github.com/veldra/fleetsync/cursor"
	syncErrors "github.com/veldra/fleetsync/errors"
	"github.com/veldra/fleetsync/logging"
)

// Config configures the HTTP transport.
type Config struct {
	// BaseURL is the API root, e.g. https://fleet.example.com/api.
	BaseURL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// Timeout bounds each request when the caller's context does not.
	// Default 30s.
	Timeout time.Duration

	// HTTPClient overrides the underlying client. Optional.
	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// Client talks to the remote API. The remote treats duplicate mutation
// ids as no-ops, which makes at-least-once push delivery safe.
type Client struct {
	config Config
	client *http.Client
	logger *logging.Logger
}

var _ fleetsync.Transport = (*Client)(nil)

// NewClient creates a transport client for the given API root.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	config.setDefaults()

	return &Client{
		config: config,
		client: config.HTTPClient,
		logger: logging.WithComponent(logging.Component("http-transport")),
	}, nil
}

// applyRequest is the wire form of a pushed mutation.
type applyRequest struct {
	MutationID  string         `json:"mutation_id"`
	RecordID    string         `json:"record_id"`
	Op          string         `json:"op"`
	Payload     map[string]any `json:"payload,omitempty"`
	BaseVersion int64          `json:"base_version"`
}

// applyResponse is the remote acknowledgement.
type applyResponse struct {
	Version   int64 `json:"version"`
	Duplicate bool  `json:"duplicate"`
}

// Apply submits one mutation. A 409 response means the remote already
// applied a mutation with this id; the stored version is returned and
// the push is treated as acknowledged.
func (c *Client) Apply(ctx context.Context, m fleetsync.Mutation) (fleetsync.ApplyResult, error) {
	body, err := json.Marshal(applyRequest{
		MutationID:  m.ID,
		RecordID:    m.RecordID,
		Op:          string(m.Op),
		Payload:     m.Payload,
		BaseVersion: m.BaseVersion,
	})
	if err != nil {
		return fleetsync.ApplyResult{}, syncErrors.NewValidationError(syncErrors.OpPush, err)
	}

	endpoint := fmt.Sprintf("%s/tables/%s/mutations", c.config.BaseURL, url.PathEscape(m.Table))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fleetsync.ApplyResult{}, syncErrors.NewValidationError(syncErrors.OpPush, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ack applyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush,
				fmt.Errorf("decode apply response: %w", err))
		}
		return fleetsync.ApplyResult{NewVersion: ack.Version, Duplicate: ack.Duplicate}, nil

	case resp.StatusCode == http.StatusConflict:
		// Duplicate mutation id: the change is already in.
		var ack applyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return fleetsync.ApplyResult{}, syncErrors.NewNetworkError(syncErrors.OpPush,
				fmt.Errorf("decode duplicate response: %w", err))
		}
		return fleetsync.ApplyResult{NewVersion: ack.Version, Duplicate: true}, nil

	default:
		return fleetsync.ApplyResult{}, c.statusError(syncErrors.OpPush, resp)
	}
}

// changesResponse is the wire form of a changed-since page.
type changesResponse struct {
	Records    []fleetsync.Record `json:"records"`
	NextCursor string             `json:"next_cursor"`
}

// ChangedSince lists records changed after the cursor, oldest first.
func (c *Client) ChangedSince(ctx context.Context, table string, since cursor.Cursor, limit int) ([]fleetsync.Record, cursor.Cursor, error) {
	endpoint := fmt.Sprintf("%s/tables/%s/changes", c.config.BaseURL, url.PathEscape(table))

	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if since != nil && !since.IsZero() {
		encoded, err := cursor.Encode(since)
		if err != nil {
			return nil, nil, syncErrors.NewValidationError(syncErrors.OpPull, err)
		}
		query.Set("since", encoded)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, syncErrors.NewValidationError(syncErrors.OpPull, err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, c.statusError(syncErrors.OpPull, resp)
	}

	var page changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, nil, syncErrors.NewNetworkError(syncErrors.OpPull,
			fmt.Errorf("decode changes response: %w", err))
	}

	var next cursor.Cursor
	if page.NextCursor != "" {
		next, err = cursor.Decode(page.NextCursor)
		if err != nil {
			return nil, nil, syncErrors.NewValidationError(syncErrors.OpPull,
				fmt.Errorf("decode next cursor: %w", err))
		}
	}

	for i := range page.Records {
		page.Records[i].Table = table
	}
	return page.Records, next, nil
}

// Ping checks remote liveness with a cheap HEAD request.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.BaseURL+"/healthz", nil)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpProbe, err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpProbe, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return syncErrors.NewNetworkError(syncErrors.OpProbe,
			fmt.Errorf("health check returned %d", resp.StatusCode))
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
}

// statusError maps an HTTP error status to the engine's error taxonomy:
// 4xx payload problems are terminal, auth refusals are terminal
// permission errors, everything else is retryable.
func (c *Client) statusError(op syncErrors.Operation, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("remote returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncErrors.NewPermissionError(op, cause)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return syncErrors.NewValidationError(op, cause)
	default:
		return syncErrors.NewNetworkError(op, cause)
	}
}
