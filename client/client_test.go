// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestValidateDecodesVerdict(t *testing.T) {
	var gotAuth, gotDevice, gotInfo string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-ID")
		gotInfo = r.Header.Get("X-Client-Info")

		w.Header().Set("Content-Type", "application/json")
		remaining := 12
		json.NewEncoder(w).Encode(CheckResult{
			Valid:         true,
			HasLicense:    true,
			IsTrial:       true,
			RemainingDays: &remaining,
		})
	}))
	defer server.Close()

	c := New(Options{
		BaseURL:    server.URL,
		Token:      "tok-secret",
		DeviceID:   "hw-deadbeef",
		AppName:    "till-pos",
		AppVersion: "2.3.0",
	})

	result, err := c.Validate(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-secret", gotAuth)
	assert.Equal(t, "hw-deadbeef", gotDevice)
	assert.Equal(t, "till-pos/2.3.0", gotInfo)

	assert.True(t, result.Valid)
	assert.True(t, result.IsTrial)
	require.NotNil(t, result.RemainingDays)
	assert.Equal(t, 12, *result.RemainingDays)
}

func TestValidateStatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"device mismatch", http.StatusForbidden, ErrDeviceMismatch},
		{"upgrade required", http.StatusUpgradeRequired, ErrUpgradeRequired},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"internal", http.StatusInternalServerError, ErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			c := New(Options{BaseURL: server.URL, Token: "tok"})
			_, err := c.Validate(t.Context())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, ErrNetworkUnavailable)
		})
	}
}

func TestTransportFailureIsNetworkUnavailable(t *testing.T) {
	c := New(Options{
		BaseURL: "http://license.invalid",
		Token:   "tok",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		})},
	})

	_, err := c.Validate(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestActivateSendsDeviceID(t *testing.T) {
	var body map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/license/activate", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResult{Valid: true, HasLicense: true})
	}))
	defer server.Close()

	c := New(Options{BaseURL: server.URL, Token: "tok", DeviceID: "fp-abc"})
	result, err := c.Activate(t.Context())
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, "fp-abc", body["deviceId"])
}

func TestResetDeviceUsesCredentialsNotToken(t *testing.T) {
	var gotAuth string
	var body map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/device/reset", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"Device binding cleared"}`))
	}))
	defer server.Close()

	c := New(Options{BaseURL: server.URL, Token: "tok"})
	err := c.ResetDevice(t.Context(), "owner@shop.example", "hunter2hunter2")
	require.NoError(t, err)

	assert.Empty(t, gotAuth)
	assert.Equal(t, "owner@shop.example", body["email"])
	assert.Equal(t, "hunter2hunter2", body["password"])
}

func TestMalformedVerdictIsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	c := New(Options{BaseURL: server.URL, Token: "tok"})
	_, err := c.Validate(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)
}

func TestMaskDeviceID(t *testing.T) {
	assert.Equal(t, "hw-d...beef", MaskDeviceID("hw-deadbeefdeadbeef"))
	assert.Equal(t, "short", MaskDeviceID("short"))
}
