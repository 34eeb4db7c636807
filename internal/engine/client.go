// Package engine is the device-side synchronization engine: it owns a
// persisted device identity, detects local snapshot changes, debounces
// pushes, reconciles against the server on an interval, and exposes
// the manual operations (sync now, publish, history, device
// management). Snapshot contents are opaque; the only coupling is the
// Snapshotter interface.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// accountHeader mirrors the server's scoping header.
const accountHeader = "X-Hubdeck-Account"

// ConflictError is returned by PutCurrent when the base revision is
// stale. Revision is the server's authoritative revision.
type ConflictError struct {
	Revision int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict: server is at %d", e.Revision)
}

// Client speaks the settings API's network contract. It depends on
// nothing but that contract.
type Client struct {
	baseURL string
	account string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the given server and account.
func NewClient(baseURL, account, token string) *Client {
	return &Client{
		baseURL: baseURL,
		account: account,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CurrentState is a device's current or historical server-side state.
type CurrentState struct {
	DeviceID    string          `json:"device_id"`
	DeviceLabel string          `json:"device_label"`
	Revision    int64           `json:"revision"`
	Data        json.RawMessage `json:"data"`
	UpdatedAt   string          `json:"updated_at"`
}

// WriteResult is the server's response to an accepted push.
type WriteResult struct {
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

// HistoryEntry is one (revision, timestamp) listing row.
type HistoryEntry struct {
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

// Device is one registry row.
type Device struct {
	DeviceID    string `json:"device_id"`
	DeviceLabel string `json:"device_label"`
	Revision    int64  `json:"revision"`
	UpdatedAt   string `json:"updated_at"`
}

// GetCurrent fetches the device's current state, or a specific
// historical revision when revision > 0. Returns nil when the device
// has no server-side state.
func (c *Client) GetCurrent(ctx context.Context, device string, revision int64) (*CurrentState, error) {
	q := url.Values{"device": {device}}
	if revision > 0 {
		q.Set("revision", strconv.FormatInt(revision, 10))
	}

	var state *CurrentState
	if err := c.call(ctx, http.MethodGet, "/settings/current?"+q.Encode(), nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// PushRequest is the body of a write-current call.
type PushRequest struct {
	Device           string          `json:"device"`
	Data             json.RawMessage `json:"data"`
	BaseRevision     int64           `json:"base_revision"`
	HistoryKeepLimit int             `json:"history_keep_limit,omitempty"`
	DeviceLabel      string          `json:"device_label,omitempty"`
}

// PutCurrent pushes a snapshot. A stale base revision yields a
// *ConflictError carrying the server's revision.
func (c *Client) PutCurrent(ctx context.Context, req PushRequest) (*WriteResult, error) {
	var result WriteResult
	if err := c.call(ctx, http.MethodPut, "/settings/current", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListHistory returns (revision, updatedAt) pairs newest first.
func (c *Client) ListHistory(ctx context.Context, device string, limit int) ([]HistoryEntry, error) {
	q := url.Values{"device": {device}, "limit": {strconv.Itoa(limit)}}
	var entries []HistoryEntry
	if err := c.call(ctx, http.MethodGet, "/settings/history?"+q.Encode(), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ClearHistory prunes the device's history server-side.
func (c *Client) ClearHistory(ctx context.Context, device string, keepLatest bool) (int64, error) {
	q := url.Values{"device": {device}, "keepLatest": {strconv.FormatBool(keepLatest)}}
	var result struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.call(ctx, http.MethodDelete, "/settings/history?"+q.Encode(), nil, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// ListDevices returns all known devices for the account.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.call(ctx, http.MethodGet, "/settings/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// DeleteDevice removes a device's current state and history.
func (c *Client) DeleteDevice(ctx context.Context, device string) error {
	q := url.Values{"device": {device}}
	return c.call(ctx, http.MethodDelete, "/settings/devices?"+q.Encode(), nil, nil)
}

// RenameDevice updates a device's label.
func (c *Client) RenameDevice(ctx context.Context, device, label string) error {
	body := map[string]string{"device": device, "device_label": label}
	return c.call(ctx, http.MethodPut, "/settings/devices/label", body, nil)
}

// Publish fans the source device's current state out to one target, or
// to every other known device when target is empty. Returns the number
// of devices updated.
func (c *Client) Publish(ctx context.Context, source, target string) (int, error) {
	body := map[string]string{"source_device": source}
	if target != "" {
		body["target_device"] = target
	}
	var result struct {
		Affected int `json:"affected"`
	}
	if err := c.call(ctx, http.MethodPost, "/settings/publish", body, &result); err != nil {
		return 0, err
	}
	return result.Affected, nil
}

// apiError is the server's structured error payload.
type apiError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// call performs one request/response cycle against the settings API,
// decoding the envelope and mapping conflict errors.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(accountHeader, c.account)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *apiError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}

	if !env.OK {
		if env.Error == nil {
			return fmt.Errorf("%s %s: status %d with no error payload", method, path, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusConflict {
			var details struct {
				Revision int64 `json:"revision"`
			}
			if err := json.Unmarshal(env.Error.Details, &details); err == nil {
				return &ConflictError{Revision: details.Revision}
			}
		}
		return env.Error
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
