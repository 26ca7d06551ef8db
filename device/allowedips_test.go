/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"net/netip"
	"testing"
)

func TestAllowedIPsLookupLongestPrefix(t *testing.T) {
	d := randDevice(t)
	broad := randPeer(t, d)
	narrow := randPeer(t, d)

	var table AllowedIPs
	table.Insert(netip.MustParsePrefix("192.168.0.0/16"), broad)
	table.Insert(netip.MustParsePrefix("192.168.4.0/24"), narrow)

	if got := table.Lookup(netip.MustParseAddr("192.168.1.1").AsSlice()); got != broad {
		t.Fatalf("expected broad peer for 192.168.1.1, got %v", got)
	}
	if got := table.Lookup(netip.MustParseAddr("192.168.4.2").AsSlice()); got != narrow {
		t.Fatalf("expected narrow peer for 192.168.4.2, got %v", got)
	}
	if got := table.Lookup(netip.MustParseAddr("10.0.0.1").AsSlice()); got != nil {
		t.Fatalf("expected no match for unrouted address, got %v", got)
	}
}

func TestAllowedIPsInsertReplacesExactPrefix(t *testing.T) {
	d := randDevice(t)
	first := randPeer(t, d)
	second := randPeer(t, d)

	var table AllowedIPs
	prefix := netip.MustParsePrefix("10.1.2.0/24")
	table.Insert(prefix, first)
	table.Insert(prefix, second)

	if got := table.Lookup(netip.MustParseAddr("10.1.2.5").AsSlice()); got != second {
		t.Fatalf("expected second peer to own the exact prefix, got %v", got)
	}

	var seen []netip.Prefix
	table.EntriesForPeer(first, func(p netip.Prefix) bool {
		seen = append(seen, p)
		return true
	})
	if len(seen) != 0 {
		t.Fatalf("first peer should have lost the prefix on replace, still has %v", seen)
	}
}

func TestAllowedIPsRemoveByPeer(t *testing.T) {
	d := randDevice(t)
	peer := randPeer(t, d)

	var table AllowedIPs
	table.Insert(netip.MustParsePrefix("172.16.0.0/12"), peer)
	table.Insert(netip.MustParsePrefix("fd00::/8"), peer)

	table.RemoveByPeer(peer)

	if got := table.Lookup(netip.MustParseAddr("172.16.5.5").AsSlice()); got != nil {
		t.Fatalf("expected no match after RemoveByPeer, got %v", got)
	}
	if got := table.Lookup(netip.MustParseAddr("fd00::1").AsSlice()); got != nil {
		t.Fatalf("expected no match after RemoveByPeer, got %v", got)
	}
}

func TestAllowedIPsClear(t *testing.T) {
	d := randDevice(t)
	peer := randPeer(t, d)

	var table AllowedIPs
	table.Insert(netip.MustParsePrefix("10.0.0.0/8"), peer)
	table.Clear()

	if got := table.Lookup(netip.MustParseAddr("10.1.1.1").AsSlice()); got != nil {
		t.Fatalf("expected empty table after Clear, got %v", got)
	}
}

func TestAllowedIPsRemoveExactPrefixOnly(t *testing.T) {
	d := randDevice(t)
	peer := randPeer(t, d)

	var table AllowedIPs
	table.Insert(netip.MustParsePrefix("192.0.2.0/24"), peer)

	// Removing a prefix that was never inserted must be a no-op, not a panic.
	table.Remove(netip.MustParsePrefix("192.0.3.0/24"), peer)
	if got := table.Lookup(netip.MustParseAddr("192.0.2.1").AsSlice()); got != peer {
		t.Fatalf("unrelated remove should not have disturbed the real entry")
	}

	table.Remove(netip.MustParsePrefix("192.0.2.0/24"), peer)
	if got := table.Lookup(netip.MustParseAddr("192.0.2.1").AsSlice()); got != nil {
		t.Fatalf("expected entry gone after exact Remove, got %v", got)
	}
}
