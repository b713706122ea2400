// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "licensed.json")
	store := NewFileStore(path)

	_, ok, err := store.Get(KeyDeviceID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(KeyDeviceID, "hw-deadbeef"))
	require.NoError(t, store.Set(KeySettingsVersion, "7"))

	value, ok, err := store.Get(KeyDeviceID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hw-deadbeef", value)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licensed.json")

	require.NoError(t, NewFileStore(path).Set(KeyDeviceID, "fp-abc123"))

	value, ok, err := NewFileStore(path).Get(KeyDeviceID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fp-abc123", value)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, ok, err := store.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set("k", "v"))
	value, ok, err := store.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}
