/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"container/list"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

// Peer is component D: everything the device knows about one remote
// endpoint, keyed by its static public key and its device-assigned 24-bit
// receiver index.
type Peer struct {
	device    *Device
	tunn      *tunnel.Tunn
	publicKey tunnel.PublicKey
	peerIndex uint32

	isRunning atomic.Bool

	endpoint struct {
		sync.Mutex
		addr           netip.AddrPort
		conn           *peerConn // non-nil once promoted to the connected-socket fast path
		disableRoaming bool
	}

	lastHandshakeNano atomic.Int64
	txBytes           atomic.Uint64
	rxBytes           atomic.Uint64

	trieEntries list.List
}

// NewPeer registers a new peer under pk. It fails with ErrAlreadyExists if
// pk is already registered — peer configuration is replace-only; see
// Device.RemovePeer to reconfigure one.
func (device *Device) NewPeer(pk tunnel.PublicKey, psk tunnel.PresharedKey) (*Peer, error) {
	device.lock.Lock()
	defer device.lock.Unlock()

	if device.closed() {
		return nil, ErrDeviceClosed
	}
	if _, ok := device.peersByKey[pk]; ok {
		return nil, ErrAlreadyExists
	}
	if len(device.peersByKey) >= MaxPeers {
		return nil, ErrTooManyPeers
	}

	idx := device.allocatePeerIndex()
	tunn, err := tunnel.NewTunn(device.staticPrivate, device.staticPublic, pk, psk, idx)
	if err != nil {
		device.releasePeerIndex(idx)
		return nil, err
	}

	peer := &Peer{
		device:    device,
		tunn:      tunn,
		publicKey: pk,
		peerIndex: idx,
	}

	device.peersByKey[pk] = peer
	device.peersByIndex[idx] = peer

	device.log.Verbosef("%v - added", peer)
	return peer, nil
}

// String renders an abbreviated identifier safe to put in logs without
// spilling a full public key: the teacher's base64-by-hand trick, ported
// to the hex keys this package uses.
func (peer *Peer) String() string {
	k := peer.publicKey
	const hextable = "0123456789abcdef"
	b := make([]byte, 0, len("peer(________…________)"))
	b = append(b, "peer("...)
	for i := 0; i < 4; i++ {
		b = append(b, hextable[k[i]>>4], hextable[k[i]&0xf])
	}
	b = append(b, "…"...)
	for i := len(k) - 4; i < len(k); i++ {
		b = append(b, hextable[k[i]>>4], hextable[k[i]&0xf])
	}
	b = append(b, ')')
	return string(b)
}

func (peer *Peer) PublicKey() tunnel.PublicKey { return peer.publicKey }

// Start marks the peer running. It does not itself send anything: the
// worker timer tick drives handshakes for every registered peer whether or
// not it is marked running.
func (peer *Peer) Start() {
	if !peer.isRunning.CompareAndSwap(false, true) {
		return
	}
	peer.device.log.Verbosef("%v - starting", peer)
}

// Stop marks the peer stopped; its keys and trie entries are left intact
// until RemovePeer explicitly tears it down, so Stop/Start can toggle a
// peer without losing configuration (not currently exposed over UAPI, but
// used internally before RemovePeer finishes flushing state).
func (peer *Peer) Stop() {
	if !peer.isRunning.CompareAndSwap(true, false) {
		return
	}
	peer.device.log.Verbosef("%v - stopping", peer)
}

func (peer *Peer) IsRunning() bool { return peer.isRunning.Load() }

// SetEndpointFromPacket implements roaming: the endpoint recorded for a
// peer tracks wherever its most recent authenticated packet came from,
// unless roaming has been disabled for this peer.
func (peer *Peer) SetEndpointFromPacket(addr netip.AddrPort) {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	if peer.endpoint.disableRoaming {
		return
	}
	peer.endpoint.addr = addr
}

func (peer *Peer) Endpoint() netip.AddrPort {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	return peer.endpoint.addr
}

func (peer *Peer) SetDisableRoaming(disable bool) {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	peer.endpoint.disableRoaming = disable
}

// connectedSocket returns the peer's fast-path connected socket, if one has
// been established.
func (peer *Peer) connectedSocket() *peerConn {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	return peer.endpoint.conn
}

func (peer *Peer) setConnectedSocket(c *peerConn) {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	if peer.endpoint.conn != nil {
		peer.device.poll.Deregister(peer.endpoint.conn.pollID)
		peer.endpoint.conn.Close()
	}
	peer.endpoint.conn = c
}

func (peer *Peer) markHandshakeComplete() {
	peer.lastHandshakeNano.Store(nowNano())
}

// markRemoved deregisters the peer from every device index and clears its
// allowed-ips routes. The caller must hold device.lock for writing.
func (peer *Peer) markRemoved() {
	delete(peer.device.peersByKey, peer.publicKey)
	delete(peer.device.peersByIndex, peer.peerIndex)
	peer.device.allowedIPs.RemoveByPeer(peer)
	peer.device.releasePeerIndex(peer.peerIndex)
	if c := peer.connectedSocket(); c != nil {
		peer.device.poll.Deregister(c.pollID)
		c.Close()
	}
}
