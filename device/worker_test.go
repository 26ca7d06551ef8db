/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

// pollTunBudget gives the background tun reader goroutine time to move a
// queued packet onto tunReadCh before pollTun's select times out.
const pollTunBudget = 50 * time.Millisecond

// fakeTunDevice is a minimal tunio.Device double: Write records every
// packet handed to it, and Read serves packets queued via queue instead of
// touching a real kernel interface.
type fakeTunDevice struct {
	mu     sync.Mutex
	writes [][]byte
	queue  chan []byte
}

func newFakeTunDevice() *fakeTunDevice {
	return &fakeTunDevice{queue: make(chan []byte, 4)}
}

func (f *fakeTunDevice) queuePacket(p []byte) { f.queue <- p }

func (f *fakeTunDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	p := <-f.queue
	n := copy(bufs[0][offset:], p)
	sizes[0] = n
	return 1, nil
}

func (f *fakeTunDevice) Write(bufs [][]byte, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bufs {
		cp := append([]byte(nil), b[offset:]...)
		f.writes = append(f.writes, cp)
	}
	return len(bufs), nil
}

func (f *fakeTunDevice) MTU() (int, error) { return 1420, nil }
func (f *fakeTunDevice) Close() error      { return nil }

func (f *fakeTunDevice) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// ipv4Packet builds a minimal plaintext IPv4 header (no payload) with the
// given source and destination, enough for dstAddress/srcAddress to parse.
func ipv4Packet(src, dst [4]byte) []byte {
	p := make([]byte, 20)
	p[0] = 0x45 // version 4, IHL 5
	copy(p[ipv4offsetSrc:], src[:])
	copy(p[ipv4offsetDst:], dst[:])
	return p
}

func TestDstAddressAndSrcAddressParseIPv4Header(t *testing.T) {
	pkt := ipv4Packet([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2})
	if got := dstAddress(pkt); string(got) != string([]byte{10, 0, 0, 2}) {
		t.Fatalf("dstAddress = %v, want 10.0.0.2", got)
	}
	if got := srcAddress(pkt); string(got) != string([]byte{10, 0, 0, 1}) {
		t.Fatalf("srcAddress = %v, want 10.0.0.1", got)
	}
}

func TestDstAddressRejectsShortPacket(t *testing.T) {
	if got := dstAddress([]byte{0x45, 0, 0}); got != nil {
		t.Fatalf("expected nil for a truncated packet, got %v", got)
	}
}

func TestDispatchResultWritesOnlyWhenSourceIsAllowed(t *testing.T) {
	tun := newFakeTunDevice()
	d := NewDevice(tun, NewLogger(LogLevelSilent, "test"))
	defer d.Close()

	sk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	assertNil(t, d.SetPrivateKey(sk))
	peer := randPeer(t, d)
	d.allowedIPs.Insert(netip.MustParsePrefix("10.10.0.0/24"), peer)

	addr := netip.MustParseAddrPort("198.51.100.1:51820")

	// Source address falls within the peer's allowed set: must reach tun.
	allowedPkt := ipv4Packet([4]byte{10, 10, 0, 5}, [4]byte{192, 168, 1, 1})
	d.dispatchResult(peer, tunnel.Result{Op: tunnel.OpWriteToTunnelV4, Packet: allowedPkt}, addr)
	if got := tun.writeCount(); got != 1 {
		t.Fatalf("expected 1 write for an allowed source address, got %d", got)
	}

	// Source address falls outside the peer's allowed set: must be dropped,
	// not handed to the tun device, even though decryption "succeeded".
	spoofedPkt := ipv4Packet([4]byte{203, 0, 113, 9}, [4]byte{192, 168, 1, 1})
	d.dispatchResult(peer, tunnel.Result{Op: tunnel.OpWriteToTunnelV4, Packet: spoofedPkt}, addr)
	if got := tun.writeCount(); got != 1 {
		t.Fatalf("expected the spoofed-source packet to be dropped, write count is now %d", got)
	}
}

func TestPollTunDropsPacketsWithNoRoute(t *testing.T) {
	tun := newFakeTunDevice()
	d := NewDevice(tun, NewLogger(LogLevelSilent, "test"))
	defer d.Close()

	sk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	assertNil(t, d.SetPrivateKey(sk))

	pkt := ipv4Packet([4]byte{127, 0, 0, 1}, [4]byte{10, 99, 99, 99})
	tun.queuePacket(pkt)

	fired, action, err := d.pollTun(pollTunBudget)
	assertNil(t, err)
	if !fired {
		t.Fatal("expected pollTun to report it handled the queued packet")
	}
	if action != PollContinue {
		t.Fatalf("expected PollContinue, got %v", action)
	}
	if got := tun.writeCount(); got != 0 {
		t.Fatalf("expected no write for an unrouted destination, got %d", got)
	}
}

func TestPollTunRoutesToAllowedPeerWithNoSessionYet(t *testing.T) {
	tun := newFakeTunDevice()
	d := NewDevice(tun, NewLogger(LogLevelSilent, "test"))
	defer d.Close()

	sk, err := tunnel.NewPrivateKey()
	assertNil(t, err)
	assertNil(t, d.SetPrivateKey(sk))
	peer := randPeer(t, d)
	d.allowedIPs.Insert(netip.MustParsePrefix("10.20.0.0/24"), peer)

	pkt := ipv4Packet([4]byte{10, 0, 0, 1}, [4]byte{10, 20, 0, 9})
	tun.queuePacket(pkt)

	fired, _, err := d.pollTun(pollTunBudget)
	assertNil(t, err)
	if !fired {
		t.Fatal("expected pollTun to report it handled the queued packet")
	}
	// No handshake has run yet, so Encapsulate has no session and produces
	// nothing to send; the packet is silently dropped rather than queued.
	if got := peer.tunn.Stats().TxBytes; got != 0 {
		t.Fatalf("expected nothing encapsulated with no session established, got %d tx bytes", got)
	}
}
