// ============================================================================
// Remote Transport - HTTP/JSON client for the time-tracking service
// ============================================================================
//
// Package: internal/transport
// File: client.go
//
// The client is stateless: every call takes the permanent id it targets and
// performs exactly one request. Non-2xx responses are returned as *StatusError
// so callers can tell 4xx (the request will never succeed) from 5xx.
//
// Endpoints:
//   POST   /api/v1/entries           create, 201 + Entry
//   GET    /api/v1/entries/{id}      fetch, 200 + Entry
//   PATCH  /api/v1/entries/{id}      update fields, 200 + Entry
//   DELETE /api/v1/entries/{id}      delete, 204
//   POST   /api/v1/entries/{id}/stop stop the running timer, 200 + Entry
//
// ============================================================================

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

const basePath = "/api/v1/entries"

var (
	// ErrNotFound matches a 404 StatusError.
	ErrNotFound = errors.New("entry not found")
	// ErrTemporaryID is returned when a request targets an id the remote never issued.
	ErrTemporaryID = errors.New("remote calls need a permanent id")
)

// Entry is the remote representation of a time entry.
type Entry struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	ProjectName string    `json:"projectName,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Billable    bool      `json:"billable"`
	Running     bool      `json:"running"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StatusError surfaces non-2xx responses from the remote service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.Code, e.Body)
}

// Permanent reports whether retrying the same request is pointless.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

//nolint:errorlint
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// IsPermanent reports whether err carries a permanent StatusError.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Client talks to the remote service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Create creates an entry and returns it with its permanent id.
func (c *Client) Create(ctx context.Context, fields types.Payload) (Entry, error) {
	var e Entry
	err := c.do(ctx, http.MethodPost, basePath, fields, http.StatusCreated, &e)
	return e, err
}

// Get fetches an entry.
func (c *Client) Get(ctx context.Context, id types.EntityID) (Entry, error) {
	path, err := entryPath(id, "")
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &e)
	return e, err
}

// UpdateFields applies a partial update.
func (c *Client) UpdateFields(ctx context.Context, id types.EntityID, fields types.Payload) (Entry, error) {
	path, err := entryPath(id, "")
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = c.do(ctx, http.MethodPatch, path, fields, http.StatusOK, &e)
	return e, err
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, id types.EntityID) error {
	path, err := entryPath(id, "")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// StopTimer stops the entry's running timer.
func (c *Client) StopTimer(ctx context.Context, id types.EntityID) (Entry, error) {
	path, err := entryPath(id, "/stop")
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &e)
	return e, err
}

func entryPath(id types.EntityID, suffix string) (string, error) {
	if !id.IsPermanent() {
		return "", fmt.Errorf("%w: %s", ErrTemporaryID, id)
	}
	return fmt.Sprintf("%s/%d%s", basePath, id.Value(), suffix), nil
}

// do sends one request and decodes the response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
