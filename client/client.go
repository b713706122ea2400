// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for the license transport. Only ErrNetworkUnavailable
// feeds the offline grace counter: it means no response was received at
// all. Every other error is a response the server actually sent.
var (
	ErrNetworkUnavailable   = errors.New("license server unreachable")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrDeviceMismatch       = errors.New("license is bound to another device")
	ErrNoActivatableLicense = errors.New("no activatable license")
	ErrUpgradeRequired      = errors.New("client upgrade required")
	ErrRateLimited          = errors.New("rate limited")
	ErrServer               = errors.New("license server error")
)

// CheckResult is the validator's verdict as returned by the server.
type CheckResult struct {
	Valid           bool       `json:"valid"`
	HasLicense      bool       `json:"hasLicense"`
	IsTrial         bool       `json:"isTrial,omitempty"`
	IsExpired       bool       `json:"isExpired,omitempty"`
	IsRevoked       bool       `json:"isRevoked,omitempty"`
	NeedsActivation bool       `json:"needsActivation"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	ExpiredAt       *time.Time `json:"expiredAt,omitempty"`
	RemainingDays   *int       `json:"remainingDays,omitempty"`
}

// Options configures a Client.
type Options struct {
	// BaseURL of the license server, e.g. "https://license.till.example".
	BaseURL string
	// Token is the bearer token issued to this account.
	Token string
	// DeviceID is this installation's identifier from ProvideDeviceID.
	DeviceID string
	// AppName and AppVersion form the X-Client-Info header.
	AppName    string
	AppVersion string
	// Timeout for each request. Defaults to 10s.
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the license server's validation and device endpoints.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	clientInfo string
	httpClient *http.Client
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	clientInfo := ""
	if opts.AppName != "" && opts.AppVersion != "" {
		clientInfo = opts.AppName + "/" + opts.AppVersion
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		deviceID:   opts.DeviceID,
		clientInfo: clientInfo,
		httpClient: httpClient,
	}
}

// Validate asks the server for the current license verdict. The device
// identifier rides along in a header; an unbound license binds to it on
// the server side.
func (c *Client) Validate(ctx context.Context) (*CheckResult, error) {
	return c.checkRequest(ctx, http.MethodGet, "/api/license/validate", nil)
}

// Activate explicitly binds the license to this device.
func (c *Client) Activate(ctx context.Context) (*CheckResult, error) {
	body := map[string]string{"deviceId": c.deviceID}
	return c.checkRequest(ctx, http.MethodPost, "/api/license/activate", body)
}

// ResetDevice clears the device binding after re-authenticating with
// account credentials. It deliberately does not use the bearer token.
func (c *Client) ResetDevice(ctx context.Context, email, password string) error {
	return c.unbindRequest(ctx, "/api/device/reset", email, password)
}

// TransferDevice is ResetDevice under the migration flow's name; the
// server-side effect is identical.
func (c *Client) TransferDevice(ctx context.Context, email, password string) error {
	return c.unbindRequest(ctx, "/api/device/transfer", email, password)
}

func (c *Client) checkRequest(ctx context.Context, method, path string, body any) (*CheckResult, error) {
	resp, err := c.do(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(resp); err != nil {
		return nil, err
	}

	var result CheckResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(ErrServer, "malformed validator response")
	}
	return &result, nil
}

func (c *Client) unbindRequest(ctx context.Context, path, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	resp, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.classifyStatus(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body any, bearer bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if c.clientInfo != "" {
		req.Header.Set("X-Client-Info", c.clientInfo)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Caller cancellation is not a network verdict; pass it
		// through so the state machine can discard the check.
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		log.Debug().Err(err).Str("path", path).Msg("License server unreachable")
		return nil, errors.Wrap(ErrNetworkUnavailable, err.Error())
	}
	return resp, nil
}

// classifyStatus maps non-200 responses to sentinel errors. Receiving
// any status at all means the server answered, so none of these are
// ErrNetworkUnavailable.
func (c *Client) classifyStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	message := readErrorMessage(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrDeviceMismatch
	case http.StatusConflict:
		return ErrNoActivatableLicense
	case http.StatusUpgradeRequired:
		return ErrUpgradeRequired
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if message != "" {
			return errors.Wrap(ErrServer, message)
		}
		return errors.Wrapf(ErrServer, "unexpected status %d", resp.StatusCode)
	}
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}

// MaskDeviceID shortens an identifier for log output.
func MaskDeviceID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return fmt.Sprintf("%s...%s", id[:4], id[len(id)-4:])
}
