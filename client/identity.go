// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Source describes where a device identifier came from. The prefix on
// the serialized id is the wire form of this enum, kept stable so
// previously issued identifiers keep parsing.
type Source int

const (
	SourceUnknown Source = iota
	SourceHardware
	SourceFingerprint
	SourceRandom
)

func (s Source) String() string {
	switch s {
	case SourceHardware:
		return "hardware"
	case SourceFingerprint:
		return "fingerprint"
	case SourceRandom:
		return "random"
	default:
		return "unknown"
	}
}

const (
	prefixHardware    = "hw-"
	prefixFingerprint = "fp-"
	prefixRandom      = "rn-"
)

// ParseSource reports how a serialized device identifier was derived.
func ParseSource(id string) Source {
	switch {
	case strings.HasPrefix(id, prefixHardware):
		return SourceHardware
	case strings.HasPrefix(id, prefixFingerprint):
		return SourceFingerprint
	case strings.HasPrefix(id, prefixRandom):
		return SourceRandom
	default:
		return SourceUnknown
	}
}

// ProvideDeviceID returns the stable identifier for this installation,
// creating and persisting one on first use. An existing stored id is
// never regenerated. The derivation order is: stored id, platform
// hardware id, environment fingerprint, random fallback. A failure to
// persist is logged and non-fatal; the id still serves the session.
func ProvideDeviceID(ctx context.Context, store Store) (string, error) {
	if id, ok, err := store.Get(KeyDeviceID); err == nil && ok && id != "" {
		return id, nil
	} else if err != nil {
		log.Warn().Err(err).Msg("Device id store unreadable, deriving fresh identifier")
	}

	id := deriveDeviceID(ctx)

	if err := store.Set(KeyDeviceID, id); err != nil {
		log.Warn().Err(err).Str("source", ParseSource(id).String()).
			Msg("Failed to persist device id, using it for this session only")
	}
	return id, nil
}

func deriveDeviceID(ctx context.Context) string {
	if err := ctx.Err(); err == nil {
		if hw, ok := hardwareID(); ok {
			return hw
		}
	}
	if err := ctx.Err(); err == nil {
		if fp, ok := fingerprintID(); ok {
			return fp
		}
	}
	return randomID()
}

// hardwareID hashes the platform machine id rather than exposing it
// raw, so the license server never sees the host's real machine-id.
func hardwareID() (string, bool) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		raw := strings.TrimSpace(string(data))
		if raw == "" {
			continue
		}
		sum := sha256.Sum256([]byte("till-device:" + raw))
		return prefixHardware + hex.EncodeToString(sum[:])[:32], true
	}
	return "", false
}

// fingerprintID combines stable, low-entropy host signals with a small
// random salt. The salt keeps two identical machines from colliding;
// the timestamp in base36 records when the id was minted.
func fingerprintID() (string, bool) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var macs []string
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			macs = append(macs, iface.HardwareAddr.String())
		}
	}

	now := time.Now()
	_, tzOffset := now.Zone()

	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", false
	}

	signals := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s",
		hostname,
		strings.Join(macs, ","),
		runtime.GOOS,
		runtime.GOARCH,
		tzOffset,
		runtime.NumCPU(),
		hex.EncodeToString(salt),
	)

	sum := sha256.Sum256([]byte(signals))
	stamp := strconv.FormatInt(now.Unix(), 36)
	return prefixFingerprint + stamp + "-" + hex.EncodeToString(sum[:])[:32], true
}

func randomID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back
		// to a time-derived id rather than returning nothing
		return prefixRandom + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return prefixRandom + hex.EncodeToString(buf)
}
