// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// State is the license state machine's current position.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateValid
	StateInvalid
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Reason qualifies StateInvalid.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNeedsActivation
	ReasonExpired
	ReasonRevoked
	ReasonUnauthorized
	ReasonDeviceMismatch
	ReasonServerError
)

func (r Reason) String() string {
	switch r {
	case ReasonNeedsActivation:
		return "needs_activation"
	case ReasonExpired:
		return "expired"
	case ReasonRevoked:
		return "revoked"
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonDeviceMismatch:
		return "device_mismatch"
	case ReasonServerError:
		return "server_error"
	default:
		return "none"
	}
}

const (
	defaultGraceDays = 30
	defaultWarnDays  = 1

	urgentDays   = 7
	criticalDays = 3
)

// graceSecret signs the persisted offline counter. Rotating it
// invalidates existing grace files, which restarts every counter from
// the conservative side.
const graceSecret = "Till-Grace-State-2025-Do-Not-Share"

// Checker is the client-side license state machine. It caches the last
// verdict received from the server and tracks consecutive offline days
// against the grace window. All methods are safe for concurrent use.
type Checker struct {
	client    *Client
	grace     *graceStore
	graceDays int
	warnDays  int
	now       func() time.Time

	mu              sync.Mutex
	seq             uint64
	closed          bool
	state           State
	reason          Reason
	lastResult      *CheckResult
	lastErr         error
	offlineDays     int
	lastCheckedDay  string
	lastValidatedAt time.Time
	wasValid        bool
}

// Option adjusts a Checker.
type Option func(*Checker)

// WithGraceDays overrides the 30-day offline ceiling.
func WithGraceDays(days int) Option {
	return func(c *Checker) { c.graceDays = days }
}

// WithWarnDays overrides the offline-warning threshold.
func WithWarnDays(days int) Option {
	return func(c *Checker) { c.warnDays = days }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func NewChecker(licenseClient *Client, store Store, opts ...Option) *Checker {
	c := &Checker{
		client:    licenseClient,
		grace:     newGraceStore(store, []byte(graceSecret)),
		graceDays: defaultGraceDays,
		warnDays:  defaultWarnDays,
		now:       time.Now,
		state:     StateUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}

	persisted := c.grace.load()
	c.offlineDays = persisted.OfflineDays
	c.lastCheckedDay = persisted.LastCheckedDay
	c.lastValidatedAt = persisted.LastValidatedAt
	c.wasValid = !persisted.LastValidatedAt.IsZero()

	return c
}

// Check contacts the validator and advances the state machine. It can
// be called from any state; each call supersedes the ones before it,
// so a slow earlier check that resolves after a newer one is discarded
// rather than applied (last started wins).
func (c *Checker) Check(ctx context.Context) State {
	c.mu.Lock()
	if c.closed {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.seq++
	seq := c.seq
	prev := c.state
	c.state = StateChecking
	c.mu.Unlock()

	result, err := c.client.Validate(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || seq != c.seq {
		// A newer check owns the state now, or the consumer is gone
		return c.state
	}

	now := c.now()
	switch {
	case err == nil:
		c.applyVerdict(result, now)
	case errors.Is(err, ErrNetworkUnavailable):
		c.applyOffline(now)
	case errors.Is(err, context.Canceled):
		c.state = prev
	default:
		c.applyRejection(err)
	}
	return c.state
}

// Close discards any in-flight check result. Further Check calls
// return the frozen state without contacting the server.
func (c *Checker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Checker) applyVerdict(result *CheckResult, now time.Time) {
	c.lastResult = result
	c.lastErr = nil

	if result.Valid {
		c.state = StateValid
		c.reason = ReasonNone
		c.wasValid = true
		c.offlineDays = 0
		c.lastCheckedDay = dayOf(now)
		c.lastValidatedAt = now
		c.persistGrace()
		return
	}

	c.state = StateInvalid
	switch {
	case result.IsRevoked:
		c.reason = ReasonRevoked
	case result.IsExpired:
		c.reason = ReasonExpired
	default:
		c.reason = ReasonNeedsActivation
	}
}

// applyOffline advances the grace counter once per elapsed calendar
// day. Repeated failures within the same day do not stack.
func (c *Checker) applyOffline(now time.Time) {
	day := dayOf(now)
	if elapsed := daysBetween(c.lastCheckedDay, day); elapsed > 0 {
		c.offlineDays += elapsed
		c.lastCheckedDay = day
		c.persistGrace()

		log.Debug().
			Int("offlineDays", c.offlineDays).
			Int("graceDays", c.graceDays).
			Str("device", MaskDeviceID(c.client.deviceID)).
			Msg("License check offline, grace counter advanced")
	}
	c.state = StateOffline
	c.reason = ReasonNone
	c.lastErr = ErrNetworkUnavailable
}

// applyRejection handles responses the server did send but that carry
// no verdict body. These never touch the offline counter.
func (c *Checker) applyRejection(err error) {
	c.lastErr = err
	c.state = StateInvalid
	switch {
	case errors.Is(err, ErrUnauthorized):
		c.reason = ReasonUnauthorized
	case errors.Is(err, ErrDeviceMismatch):
		c.reason = ReasonDeviceMismatch
	default:
		c.reason = ReasonServerError
	}
}

func (c *Checker) persistGrace() {
	err := c.grace.save(graceState{
		LastValidatedAt: c.lastValidatedAt,
		LastCheckedDay:  c.lastCheckedDay,
		OfflineDays:     c.offlineDays,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist offline grace state")
	}
}

// State returns the machine's current position.
func (c *Checker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason qualifies an invalid state.
func (c *Checker) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err returns the last transport or rejection error, if any.
func (c *Checker) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsValid reports whether the terminal may operate. It holds the last
// known good verdict through transient offline and server-error states
// and is overridden only by a newer verdict or the grace ceiling.
func (c *Checker) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockedLocked() {
		return false
	}
	return c.lastResult != nil && c.lastResult.Valid
}

func (c *Checker) IsTrial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult != nil && c.lastResult.IsTrial
}

// RemainingDays until license expiry per the last verdict, 0 when
// unknown.
func (c *Checker) RemainingDays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil || c.lastResult.RemainingDays == nil {
		return 0
	}
	return *c.lastResult.RemainingDays
}

// OfflineDays is the count of consecutive calendar days without a
// successful validation.
func (c *Checker) OfflineDays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offlineDays
}

// OfflineWarning reports whether the offline notice should show: the
// terminal was validated at some point and has now been offline past
// the warn threshold.
func (c *Checker) OfflineWarning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasValid && c.offlineDays >= c.warnDays
}

// Blocked reports whether the offline grace window is exhausted. When
// true, local data must be treated as unavailable regardless of any
// cached verdict.
func (c *Checker) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedLocked()
}

func (c *Checker) blockedLocked() bool {
	return c.offlineDays >= c.graceDays
}

// IsUrgent reports whether expiry is close enough for the warning
// banner.
func (c *Checker) IsUrgent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bannerLocked(urgentDays)
}

// IsCritical reports whether expiry is close enough for the critical
// banner.
func (c *Checker) IsCritical() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bannerLocked(criticalDays)
}

func (c *Checker) bannerLocked(threshold int) bool {
	if c.lastResult == nil || !c.lastResult.Valid || c.lastResult.RemainingDays == nil {
		return false
	}
	return *c.lastResult.RemainingDays <= threshold
}
