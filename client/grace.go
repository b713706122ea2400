// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// graceState is the persisted offline grace record. It is signed so a
// user cannot roll the counter back by editing the store file; a bad
// signature is treated as absent state, which starts the countdown
// immediately rather than granting a fresh window.
type graceState struct {
	LastValidatedAt time.Time `json:"lastValidatedAt"`
	LastCheckedDay  string    `json:"lastCheckedDay"`
	OfflineDays     int       `json:"offlineDays"`
	Signature       string    `json:"signature"`
}

const dayLayout = "2006-01-02"

type graceStore struct {
	store  Store
	secret []byte
}

func newGraceStore(store Store, secret []byte) *graceStore {
	return &graceStore{store: store, secret: secret}
}

func (g *graceStore) load() graceState {
	raw, ok, err := g.store.Get(KeyGraceState)
	if err != nil || !ok {
		return graceState{}
	}

	var state graceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		log.Warn().Err(err).Msg("Grace state unparseable, treating as absent")
		return graceState{}
	}

	expected := g.sign(state)
	if !hmac.Equal([]byte(state.Signature), []byte(expected)) {
		log.Warn().Msg("Grace state signature mismatch, treating as absent")
		return graceState{}
	}
	return state
}

func (g *graceStore) save(state graceState) error {
	state.Signature = g.sign(state)

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return g.store.Set(KeyGraceState, string(data))
}

func (g *graceStore) sign(state graceState) string {
	payload := fmt.Sprintf("%s|%s|%d",
		state.LastValidatedAt.UTC().Format(time.RFC3339),
		state.LastCheckedDay,
		state.OfflineDays)

	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// dayOf collapses a timestamp to its local calendar day.
func dayOf(t time.Time) string {
	return t.Format(dayLayout)
}

// daysBetween counts whole local calendar days from a to b, never
// negative. Clock skew backwards must not shrink the counter.
func daysBetween(a, b string) int {
	if a == "" {
		return 1
	}
	start, err := time.Parse(dayLayout, a)
	if err != nil {
		return 1
	}
	end, err := time.Parse(dayLayout, b)
	if err != nil {
		return 0
	}
	days := int(end.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
