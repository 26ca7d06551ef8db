/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard-core/netconn"
	"golang.zx2c4.com/wireguard-core/ratelimiter"
	"golang.zx2c4.com/wireguard-core/tunio"
	"golang.zx2c4.com/wireguard-core/tunnel"
)

// MaxPeers bounds how many peers a single device will register, matching
// the limit imposed by a 24-bit peer index space (the top byte of every
// session index) with headroom to spare.
const MaxPeers = 1 << 20

// deviceState is the lifecycle described in the concurrency model: a
// device accepts configuration before it is Bound, accepts a tun/socket
// pair once Bound, runs its worker pool once Up, and refuses everything
// but reads once Closed.
type deviceState int32

const (
	StateNew deviceState = iota
	StateBound
	StateRunning
	StateClosed
)

// Device is component E: the shared state every worker goroutine reads
// and the UAPI control plane writes, guarded end to end by a single
// ReadBiasedLock rather than per-field mutexes.
type Device struct {
	log *Logger

	lock  *ReadBiasedLock
	state atomic.Int32

	staticPrivate tunnel.PrivateKey
	staticPublic  tunnel.PublicKey

	peersByKey   map[tunnel.PublicKey]*Peer
	peersByIndex map[uint32]*Peer
	allowedIPs   AllowedIPs

	nextPeerIndex uint32
	freePeerIdx   []uint32

	mtu        atomic.Uint32
	fwmark     atomic.Uint32
	listenPort atomic.Uint32

	netSocket *netconn.Socket
	tunDevice tunio.Device
	tunReadCh chan []byte

	rate *ratelimiter.RateLimiter

	poll *EventPoll

	exitNotice *BroadcastHandler
	closedCh   chan struct{}

	workers    sync.WaitGroup
	numWorkers int
}

// Wait returns a channel that is closed once the device has fully shut
// down, for a caller that wants to block on it alongside its own signal
// handling instead of polling State.
func (d *Device) Wait() <-chan struct{} { return d.closedCh }

// peerConn is the per-peer connected-socket fast path: once a packet for a
// peer has gone out successfully on the listening socket (see sendTo), the
// device dials a dedicated connected UDP socket to that endpoint, shaving a
// routing-table lookup off every subsequent datagram.
type peerConn struct {
	conn   *net.UDPConn
	pollID int
}

func (c *peerConn) Close() error { return c.conn.Close() }

func nowNano() int64 { return time.Now().UnixNano() }

// NewDevice constructs a device around an already-open tun handle. It
// starts in StateNew: BindUpdate must be called before Up, and no peer
// traffic flows until then.
func NewDevice(tunDevice tunio.Device, log *Logger) *Device {
	d := &Device{
		log:          log,
		lock:         NewReadBiasedLock(),
		peersByKey:   make(map[tunnel.PublicKey]*Peer),
		peersByIndex: make(map[uint32]*Peer),
		tunDevice:    tunDevice,
		poll:         NewEventPoll(),
		numWorkers:   4,
		closedCh:     make(chan struct{}),
	}
	d.mtu.Store(1420)
	d.state.Store(int32(StateNew))
	d.exitNotice = NewBroadcastHandler(func() PollAction { return PollExit })
	d.poll.Register(d.exitNotice)
	if tunDevice != nil {
		// tun.Device.Read has no deadline, so pollTun can't bound it by
		// passing its own budget through the way pollNetwork does with
		// netconn's short read deadline. Move the blocking read onto its own
		// goroutine instead and let pollTun bound only the channel receive.
		d.tunReadCh = make(chan []byte, 8)
		go d.readTunLoop()
	}
	return d
}

func (d *Device) closed() bool { return deviceState(d.state.Load()) == StateClosed }

func (d *Device) State() deviceState { return deviceState(d.state.Load()) }

// SetPrivateKey rekeys the device's local identity and every peer's Tunn
// in lockstep with it.
func (d *Device) SetPrivateKey(sk tunnel.PrivateKey) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed() {
		return ErrDeviceClosed
	}
	pk := sk.PublicKey()
	for _, peer := range d.peersByKey {
		if err := peer.tunn.SetStaticPrivate(sk); err != nil {
			return err
		}
	}
	d.staticPrivate = sk
	d.staticPublic = pk
	if d.rate != nil {
		d.rate.Close()
		d.rate = ratelimiter.New(pk)
		d.rate.Init()
	}
	return nil
}

func (d *Device) StaticPublicKey() tunnel.PublicKey {
	guard := d.lock.RLock()
	defer guard.Release()
	return d.staticPublic
}

// SetFwmark sets the outbound socket mark used on the listening socket
// this device owns.
func (d *Device) SetFwmark(mark uint32) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.netSocket != nil {
		if err := d.netSocket.SetMark(mark); err != nil {
			return ipcErrorf(ipcErrorPortInUse, "set fwmark: %w", err)
		}
	}
	d.fwmark.Store(mark)
	return nil
}

func (d *Device) SetMTU(mtu uint32) { d.mtu.Store(mtu) }

func (d *Device) MTU() uint32 { return d.mtu.Load() }

// BindUpdate (re)opens the device's listening UDP socket on port, closing
// any previously bound socket first. It also (re)builds the rate limiter,
// which is keyed by the device's current static public key.
func (d *Device) BindUpdate(port uint16) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed() {
		return ErrDeviceClosed
	}

	if d.netSocket != nil {
		d.netSocket.Close()
		d.netSocket = nil
	}

	sock := netconn.New()
	actualPort, err := sock.Open(port)
	if err != nil {
		return ipcErrorf(ipcErrorPortInUse, "bind: %w", err)
	}
	if mark := d.fwmark.Load(); mark != 0 {
		_ = sock.SetMark(mark)
	}

	d.netSocket = sock
	d.listenPort.Store(uint32(actualPort))

	if d.rate == nil {
		d.rate = ratelimiter.New(d.staticPublic)
	}
	d.rate.Init()

	if deviceState(d.state.Load()) == StateNew {
		d.state.Store(int32(StateBound))
	}
	return nil
}

func (d *Device) ListenPort() uint16 { return uint16(d.listenPort.Load()) }

// BindClose tears down the listening socket without closing the device.
func (d *Device) BindClose() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.netSocket != nil {
		d.netSocket.Close()
		d.netSocket = nil
	}
}

func (d *Device) allocatePeerIndex() uint32 {
	if n := len(d.freePeerIdx); n > 0 {
		idx := d.freePeerIdx[n-1]
		d.freePeerIdx = d.freePeerIdx[:n-1]
		return idx
	}
	idx := d.nextPeerIndex
	d.nextPeerIndex++
	return idx
}

func (d *Device) releasePeerIndex(idx uint32) {
	d.freePeerIdx = append(d.freePeerIdx, idx)
}

// LookupPeer returns the peer registered under pk, or nil.
func (d *Device) LookupPeer(pk tunnel.PublicKey) *Peer {
	guard := d.lock.RLock()
	defer guard.Release()
	return d.peersByKey[pk]
}

// LookupPeerByIndex returns the peer owning idx (a full 32-bit session
// index; only its top 24 bits, the device-assigned receiver index, are
// used to find the peer).
func (d *Device) LookupPeerByIndex(idx uint32) *Peer {
	guard := d.lock.RLock()
	defer guard.Release()
	return d.peersByIndex[idx>>8]
}

// RemovePeer tears pk's peer down: its allowed-ips routes are dropped, its
// indices are freed, and its index may be reused by a future peer.
func (d *Device) RemovePeer(pk tunnel.PublicKey) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	peer, ok := d.peersByKey[pk]
	if !ok {
		return ErrNoSuchPeer
	}
	peer.Stop()
	peer.markRemoved()
	d.log.Verbosef("%v - removed", peer)
	return nil
}

// RemoveAllPeers implements the UAPI `replace_peers=true` operation.
func (d *Device) RemoveAllPeers() {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, peer := range d.peersByKey {
		peer.Stop()
		if c := peer.connectedSocket(); c != nil {
			d.poll.Deregister(c.pollID)
			c.Close()
		}
	}
	d.peersByKey = make(map[tunnel.PublicKey]*Peer)
	d.peersByIndex = make(map[uint32]*Peer)
	d.freePeerIdx = nil
	d.nextPeerIndex = 0
	d.allowedIPs.Clear()
}

// Peers returns a snapshot of every registered peer, for the timer tick
// that walks every peer once per interval.
func (d *Device) Peers() []*Peer {
	guard := d.lock.RLock()
	defer guard.Release()
	peers := make([]*Peer, 0, len(d.peersByKey))
	for _, p := range d.peersByKey {
		peers = append(peers, p)
	}
	return peers
}

// registerHandlers wires the UDP socket, the tun device, and the shared
// timer tick into the device's EventPoll. Called once, with the write
// lock held, by Up.
func (d *Device) registerHandlers() {
	if d.netSocket != nil {
		d.poll.Register(NewFuncHandler(d.pollNetwork))
	}
	if d.tunDevice != nil {
		d.poll.Register(NewFuncHandler(d.pollTun))
	}
	d.poll.Register(NewTickerHandler(250*time.Millisecond, d.pollTimers))
}

// Up transitions a Bound device into Running and starts its worker pool.
func (d *Device) Up() error {
	d.lock.Lock()
	if deviceState(d.state.Load()) != StateBound {
		d.lock.Unlock()
		return ipcErrorf(ipcErrorInvalid, "device must be bound before it can be brought up")
	}
	d.state.Store(int32(StateRunning))
	d.registerHandlers()
	d.lock.Unlock()

	for i := 0; i < d.numWorkers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	return nil
}

// Close stops every worker and every peer, and releases the tun device,
// the listening socket and the rate limiter. Peer key material is left as
// it is.
func (d *Device) Close() {
	d.lock.Lock()
	if d.closed() {
		d.lock.Unlock()
		return
	}
	d.state.Store(int32(StateClosed))
	d.lock.Unlock()

	d.exitNotice.Close()
	d.workers.Wait()

	d.lock.Lock()
	for _, peer := range d.peersByKey {
		peer.Stop()
	}
	if d.netSocket != nil {
		d.netSocket.Close()
	}
	if d.tunDevice != nil {
		d.tunDevice.Close()
	}
	if d.rate != nil {
		d.rate.Close()
	}
	d.lock.Unlock()

	close(d.closedCh)
}
