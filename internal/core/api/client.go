// Package api is the typed cloud API client. Every operation is a single
// request/response call: freshness comes from the session, retry policy does
// not exist here, and responses are normalized to the canonical device.Update
// shape before anything downstream sees them.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nwestergaard/aquabridge/internal/core/device"
	"github.com/nwestergaard/aquabridge/internal/core/session"
)

// ErrUnauthenticated is returned when a call is attempted before the session
// holds a token pair.
var ErrUnauthenticated = errors.New("api: session not authenticated")

// RequestError is an individual call failure: transport trouble or a non-2xx
// response. It is local to one call; callers log it and move on.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: %s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DeviceRef identifies a device yielded by discovery.
type DeviceRef struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Model    string `json:"deviceModel"`
}

// Preferences holds the user-adjustable device preferences.
type Preferences struct {
	Units         string `json:"units"` // "imperial" or "metric"
	AlertsEnabled bool   `json:"alertsEnabled"`
}

// Client issues typed cloud API calls using bearers from the session.
type Client struct {
	baseURL string
	apiKey  string
	sess    *session.Session
	client  *http.Client
	log     *slog.Logger
}

// New creates a cloud API client.
func New(baseURL, apiKey string, sess *session.Session, client *http.Client, log *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		sess:    sess,
		client:  client,
		log:     log,
	}
}

// Devices lists the devices registered under the given location.
func (c *Client) Devices(ctx context.Context, location string) ([]DeviceRef, error) {
	raw, err := c.do(ctx, http.MethodGet, "/locations/"+location+"/devices", session.IdentityToken, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Devices []DeviceRef `json:"devices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &RequestError{Op: "list devices", Err: fmt.Errorf("decode: %w", err)}
	}
	return parsed.Devices, nil
}

// Device fetches the current device state, normalized to an Update.
func (c *Client) Device(ctx context.Context, deviceID string) (device.Update, error) {
	raw, err := c.do(ctx, http.MethodGet, "/devices/"+deviceID, session.AccessToken, nil)
	if err != nil {
		return device.Update{}, err
	}
	return normalizeDevice(raw), nil
}

// Telemetry fetches the latest flow/pressure/temperature readings.
func (c *Client) Telemetry(ctx context.Context, deviceID string) (device.Update, error) {
	raw, err := c.do(ctx, http.MethodGet, "/devices/"+deviceID+"/telemetry/latest", session.AccessToken, nil)
	if err != nil {
		return device.Update{}, err
	}
	return normalizeTelemetry(raw), nil
}

// Firmware fetches firmware metadata.
func (c *Client) Firmware(ctx context.Context, deviceID string) (device.Update, error) {
	raw, err := c.do(ctx, http.MethodGet, "/devices/"+deviceID+"/firmware", session.AccessToken, nil)
	if err != nil {
		return device.Update{}, err
	}
	return normalizeFirmware(raw), nil
}

// SetValve commands the shutoff valve open or closed.
func (c *Client) SetValve(ctx context.Context, deviceID string, open bool) error {
	target := "closed"
	if open {
		target = "open"
	}
	body := map[string]interface{}{
		"valve": map[string]string{"target": target},
	}
	_, err := c.do(ctx, http.MethodPost, "/devices/"+deviceID, session.AccessToken, body)
	return err
}

// GetPreferences reads the device preferences.
func (c *Client) GetPreferences(ctx context.Context, deviceID string) (Preferences, error) {
	raw, err := c.do(ctx, http.MethodGet, "/devices/"+deviceID+"/preferences", session.IdentityToken, nil)
	if err != nil {
		return Preferences{}, err
	}

	var prefs Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return Preferences{}, &RequestError{Op: "get preferences", Err: fmt.Errorf("decode: %w", err)}
	}
	return prefs, nil
}

// SetPreferences writes the device preferences.
func (c *Client) SetPreferences(ctx context.Context, deviceID string, prefs Preferences) error {
	_, err := c.do(ctx, http.MethodPost, "/devices/"+deviceID+"/preferences", session.IdentityToken, prefs)
	return err
}

// do issues one request with a fresh bearer and the fixed API key header.
// Errors are returned unmodified apart from RequestError wrapping; auth and
// retry concerns live entirely in the session.
func (c *Client) do(ctx context.Context, method, path string, kind session.TokenKind, body interface{}) ([]byte, error) {
	op := method + " " + path

	if err := c.sess.EnsureFresh(ctx); err != nil {
		return nil, err
	}

	bearer := c.sess.Bearer(kind)
	if bearer == "" {
		return nil, &RequestError{Op: op, Err: ErrUnauthenticated}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &RequestError{Op: op, Err: fmt.Errorf("encode: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{Op: op, Status: resp.StatusCode}
	}
	return raw, nil
}
