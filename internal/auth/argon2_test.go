// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	valid, err := VerifyPassword("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword("wrong password", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	hash1, err := HashPassword("same password")
	require.NoError(t, err)
	hash2, err := HashPassword("same password")
	require.NoError(t, err)

	assert.NotEqual(t, hash1, hash2, "two hashes of the same password should use different salts")
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	_, err := VerifyPassword("anything", "not-a-hash")
	assert.Error(t, err)

	_, err = VerifyPassword("anything", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA")
	assert.Error(t, err)
}
