/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package netconn

import (
	"net"
	"net/netip"
	"testing"
)

func TestSocketOpenAssignsEphemeralPort(t *testing.T) {
	s := New()
	port, err := s.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if port == 0 {
		t.Fatal("expected Open(0) to report a nonzero ephemeral port")
	}
}

func TestSocketWriteReadLoopback(t *testing.T) {
	sender := New()
	if _, err := sender.Open(0); err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	receiver := New()
	port, err := receiver.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer receiver.Close()

	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
	payload := []byte("wireguard-core loopback test")
	if _, err := sender.WriteTo(payload, dst); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	n, _, err := receiver.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected to read back the loopback datagram, got error: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", buf[:n], payload)
	}
}

func TestDialBindsToRequestedLocalPort(t *testing.T) {
	peer := New()
	peerPort, err := peer.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	listen := New()
	listenPort, err := listen.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer listen.Close()
	listen.Close() // free listenPort so Dial can bind it below

	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), peerPort)
	conn, err := Dial(dst, listenPort, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	gotPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	if gotPort != listenPort {
		t.Fatalf("expected Dial to bind local port %d, got %d", listenPort, gotPort)
	}

	payload := []byte("fast path")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1500)
	n, src, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected peer to receive the connected-socket datagram: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", buf[:n], payload)
	}
	if src.Port() != listenPort {
		t.Fatalf("expected datagram to arrive from port %d, got %d", listenPort, src.Port())
	}
}

func TestSocketReadFromTimesOutWithNoData(t *testing.T) {
	s := New()
	if _, err := s.Open(0); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	buf := make([]byte, 1500)
	if _, _, err := s.ReadFrom(buf); err == nil {
		t.Fatal("expected ReadFrom to time out with no datagram pending")
	}
}
