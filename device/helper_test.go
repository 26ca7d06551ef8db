/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"testing"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

/* Helpers for writing unit tests
 */

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// randDevice builds a Device with a random static identity, in StateNew,
// with no tun or socket attached -- enough for peer/allowedips/UAPI tests
// that never bring the device Up.
func randDevice(t *testing.T) *Device {
	t.Helper()
	sk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	logger := NewLogger(LogLevelSilent, "test")
	d := NewDevice(nil, logger)
	assertNil(t, d.SetPrivateKey(sk))
	return d
}

func randPeer(t *testing.T, d *Device) *Peer {
	t.Helper()
	sk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	var psk tunnel.PresharedKey
	peer, err := d.NewPeer(sk.PublicKey(), psk)
	assertNil(t, err)
	return peer
}
