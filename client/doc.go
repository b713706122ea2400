// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package client is the embeddable licensing SDK for Till POS
// terminals. It provides a stable device identifier, a transport
// client for the license server, and a local state machine that
// tracks the current license verdict and the offline grace window.
package client
