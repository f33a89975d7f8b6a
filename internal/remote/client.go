// Package remote is the HTTP client for the authoritative apis server.
//
// The sync engine only depends on a three-way outcome per call: success with
// the authoritative record, a version conflict carrying the current server
// representation, or an error. Those outcomes map onto the return values
// here: (*ServerRecord, nil), (nil, *ConflictError), (nil, other error).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jermoo/apis/apis-client/internal/creds"
)

// ConflictError reports a concurrent-modification rejection (HTTP 409).
// ServerData is the current server representation of the contended record.
type ConflictError struct {
	Table      string
	ServerID   string
	ServerData json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s", e.Table, e.ServerID)
}

// AuthError reports a missing, expired, or rejected credential. The engine
// treats it as a pass-level condition, never a per-item failure.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ServerRecord is one authoritative entity as returned by the server.
type ServerRecord struct {
	// ID is the server-assigned identifier.
	ID string
	// Data is the full server representation, envelope stripped.
	Data json.RawMessage
}

// Client talks to the apis server's REST surface.
type Client struct {
	baseURL string
	http    *http.Client
	creds   creds.Provider
	logger  zerolog.Logger
}

// New creates a client for the server at baseURL.
//
// If httpClient is nil a client with a 30 second timeout is used; a timed-out
// call surfaces as an ordinary transport error and the engine records it as
// a transient failure.
func New(baseURL string, provider creds.Provider, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		creds:   provider,
		logger:  logger,
	}
}

// Ping checks server reachability. The health endpoint is unauthenticated,
// so this doubles as the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// dataEnvelope matches the server's `{"data": ...}` response wrapper.
type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// conflictEnvelope matches the 409 body: the error message plus the current
// server representation of the contended record.
type conflictEnvelope struct {
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// identified pulls the id out of a server record payload.
type identified struct {
	ID string `json:"id"`
}

// List fetches the current authoritative set for a table.
func (c *Client) List(ctx context.Context, table string) ([]ServerRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/"+table, nil, false)
	if err != nil {
		return nil, err
	}

	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse %s list response: %w", table, err)
	}

	recs := make([]ServerRecord, 0, len(env.Data))
	for _, raw := range env.Data {
		var id identified
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("failed to parse %s record: %w", table, err)
		}
		recs = append(recs, ServerRecord{ID: id.ID, Data: raw})
	}

	return recs, nil
}

// Create submits a new record and returns the authoritative copy, including
// the server-assigned id.
func (c *Client) Create(ctx context.Context, table string, payload json.RawMessage) (*ServerRecord, error) {
	return c.mutate(ctx, http.MethodPost, "/"+table, table, payload, false)
}

// Update submits changed fields for an existing record. With force set the
// server applies the update even over a newer server-side version; this is
// the local-wins resolution path.
func (c *Client) Update(ctx context.Context, table, serverID string, payload json.RawMessage, force bool) (*ServerRecord, error) {
	path := fmt.Sprintf("/%s/%s", table, url.PathEscape(serverID))
	return c.mutate(ctx, http.MethodPut, path, table, payload, force)
}

// Delete removes a record on the server. Deleting an already-deleted record
// is not an error.
func (c *Client) Delete(ctx context.Context, table, serverID string, force bool) error {
	path := fmt.Sprintf("/%s/%s", table, url.PathEscape(serverID))
	_, err := c.do(ctx, http.MethodDelete, path+forceQuery(force), nil, true)
	return err
}

func (c *Client) mutate(ctx context.Context, method, path, table string, payload json.RawMessage, force bool) (*ServerRecord, error) {
	body, err := c.do(ctx, method, path+forceQuery(force), payload, false)
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			ce.Table = table
		}
		return nil, err
	}

	var env dataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", table, err)
	}

	var id identified
	if err := json.Unmarshal(env.Data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse %s record id: %w", table, err)
	}

	return &ServerRecord{ID: id.ID, Data: env.Data}, nil
}

func forceQuery(force bool) string {
	if force {
		return "?force=true"
	}
	return ""
}

// do performs one request and maps the status code onto the outcome
// contract. allowMissing treats 404 as success for idempotent deletes.
func (c *Client) do(ctx context.Context, method, path string, payload json.RawMessage, allowMissing bool) ([]byte, error) {
	token, err := c.creds.Token()
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Remote call")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusNotFound && allowMissing:
		return nil, nil

	case resp.StatusCode == http.StatusConflict:
		var env conflictEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			// A 409 without a parseable body still has to surface as a
			// conflict; the engine falls back to a server refetch.
			return nil, &ConflictError{}
		}
		var id identified
		_ = json.Unmarshal(env.Data, &id)
		return nil, &ConflictError{ServerID: id.ID, ServerData: env.Data}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Err: fmt.Errorf("server returned %d", resp.StatusCode)}

	default:
		return nil, fmt.Errorf("server returned %d for %s %s: %s",
			resp.StatusCode, method, path, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
