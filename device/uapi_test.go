/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"errors"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

func TestIpcSetOperationAddsPeer(t *testing.T) {
	d := randDevice(t)
	peerSk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	peerPk := peerSk.PublicKey()

	conf := "public_key=" + peerPk.String() + "\n" +
		"allowed_ip=10.0.0.2/32\n" +
		"persistent_keepalive_interval=25\n"
	assertNil(t, d.IpcSet(conf))

	peer := d.LookupPeer(peerPk)
	if peer == nil {
		t.Fatal("expected peer to be registered after IpcSet")
	}
	if peer.tunn.PersistentKeepaliveInterval().Seconds() != 25 {
		t.Fatalf("expected keepalive interval 25s, got %v", peer.tunn.PersistentKeepaliveInterval())
	}

	got := d.allowedIPs.Lookup([]byte{10, 0, 0, 2})
	if got != peer {
		t.Fatal("expected allowed_ip to route to the new peer")
	}
}

func TestIpcSetOperationRejectsDuplicatePeer(t *testing.T) {
	d := randDevice(t)
	peerSk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	peerPk := peerSk.PublicKey()

	assertNil(t, d.IpcSet("public_key="+peerPk.String()+"\nallowed_ip=10.0.0.2/32\n"))
	first := d.LookupPeer(peerPk)

	// A second public_key stanza for the same key is an update, not a
	// replace: it must fail with ErrAlreadyExists, leaving the original
	// peer and its allowed_ip untouched.
	err = d.IpcSet("public_key=" + peerPk.String() + "\nallowed_ip=10.0.0.9/32\n")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate add, got %v", err)
	}
	if got := d.LookupPeer(peerPk); got != first {
		t.Fatal("expected the original peer object to survive the rejected duplicate")
	}
	if got := d.allowedIPs.Lookup([]byte{10, 0, 0, 2}); got != first {
		t.Fatal("expected the original allowed_ip to still route to the original peer")
	}
	if got := d.allowedIPs.Lookup([]byte{10, 0, 0, 9}); got != nil {
		t.Fatal("expected the rejected stanza's allowed_ip to never be applied")
	}
}

func TestIpcSetOperationRemovesPeer(t *testing.T) {
	d := randDevice(t)
	peerSk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	peerPk := peerSk.PublicKey()

	assertNil(t, d.IpcSet("public_key="+peerPk.String()+"\n"))
	if d.LookupPeer(peerPk) == nil {
		t.Fatal("setup: peer should be registered")
	}

	assertNil(t, d.IpcSet("public_key="+peerPk.String()+"\nremove=true\n"))
	if d.LookupPeer(peerPk) != nil {
		t.Fatal("expected peer to be gone after remove=true")
	}
}

func TestIpcSetOperationRefusesSelfPeer(t *testing.T) {
	d := randDevice(t)
	self := d.StaticPublicKey()

	assertNil(t, d.IpcSet("public_key="+self.String()+"\n"))
	if d.LookupPeer(self) != nil {
		t.Fatal("a device should never register itself as a peer")
	}
}

func TestIpcGetOperationRoundTrips(t *testing.T) {
	d := randDevice(t)
	peerSk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	peerPk := peerSk.PublicKey()
	assertNil(t, d.IpcSet("public_key="+peerPk.String()+"\nallowed_ip=192.168.1.0/24\n"))

	out, err := d.IpcGet()
	assertNil(t, err)

	if !strings.Contains(out, "public_key="+peerPk.String()) {
		t.Fatalf("expected get output to contain the peer's public key, got:\n%s", out)
	}
	if !strings.Contains(out, "allowed_ip=192.168.1.0/24") {
		t.Fatalf("expected get output to contain the allowed_ip entry, got:\n%s", out)
	}
}

func TestIpcSetOperationRejectsInvalidLine(t *testing.T) {
	d := randDevice(t)
	err := d.IpcSet("not a valid line at all\n")
	if err == nil {
		t.Fatal("expected an error for a line with no key=value separator")
	}
}
