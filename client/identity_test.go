// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvideDeviceIDStable(t *testing.T) {
	store := NewMemoryStore()

	first, err := ProvideDeviceID(t.Context(), store)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := ProvideDeviceID(t.Context(), store)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProvideDeviceIDNeverOverwrites(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(KeyDeviceID, "hw-previously-issued"))

	id, err := ProvideDeviceID(t.Context(), store)
	require.NoError(t, err)
	assert.Equal(t, "hw-previously-issued", id)
}

func TestProvideDeviceIDTagged(t *testing.T) {
	id, err := ProvideDeviceID(t.Context(), NewMemoryStore())
	require.NoError(t, err)
	assert.NotEqual(t, SourceUnknown, ParseSource(id))
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		id   string
		want Source
	}{
		{"hw-0123abcd", SourceHardware},
		{"fp-stp4x-0123abcd", SourceFingerprint},
		{"rn-ffee0011", SourceRandom},
		{"legacy-id", SourceUnknown},
		{"", SourceUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseSource(tt.id), "id %q", tt.id)
	}
}

func TestFingerprintIDsDoNotCollide(t *testing.T) {
	// Same host, same signals; the salt must keep ids distinct
	a, ok := fingerprintID()
	require.True(t, ok)
	b, ok := fingerprintID()
	require.True(t, ok)
	assert.NotEqual(t, a, b)
}
