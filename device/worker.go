/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"encoding/binary"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard-core/netconn"
	"golang.zx2c4.com/wireguard-core/ratelimiter"
	"golang.zx2c4.com/wireguard-core/tunio"
	"golang.zx2c4.com/wireguard-core/tunnel"
)

// maxPacketSize covers the largest packet this device ever reads off
// either the UDP socket or the tun device: an MTU-sized payload plus the
// Noise transport header and AEAD tag.
const maxPacketSize = 1 << 16

// maxDatagramsPerWake bounds how many datagrams pollNetwork/pollConn drain
// in one EventPoll.Wait sweep, mirroring boringtun's MAX_ITR: without a
// bound, one busy socket could starve every other handler's turn in the
// same sweep indefinitely.
const maxDatagramsPerWake = 100

// worker is one of the device's fixed-size pool of goroutines. Each holds
// a read guard across the whole poll loop, dropping and reacquiring it when
// a pending writer asks the pool to yield — see ReadBiasedLock — and after
// any sweep in which no handler fired.
func (d *Device) worker() {
	defer d.workers.Done()

	guard := d.lock.RLock()
	for {
		if guard.Yielded() {
			guard.Release()
			guard = d.lock.RLock()
		}

		fired, action, err := d.poll.Wait()
		if err != nil {
			d.log.Errorf("worker: %v", err)
		}
		if action == PollExit {
			guard.Release()
			return
		}
		if !fired {
			// Nothing had work this sweep; give a waiting writer its turn
			// by cycling the guard instead of spinning indefinitely.
			guard.Release()
			guard = d.lock.RLock()
		}
	}
}

// pollNetwork is the UDP-ingress Handler: drain up to maxDatagramsPerWake
// datagrams off the listening socket, handing each to handleInboundMessage,
// the way boringtun's register_udp_handler processes a bounded batch per
// wake instead of one datagram per call.
func (d *Device) pollNetwork(budget time.Duration) (bool, PollAction, error) {
	_ = budget
	if d.netSocket == nil {
		return false, PollContinue, nil
	}
	fired := false
	buf := make([]byte, maxPacketSize)
	for i := 0; i < maxDatagramsPerWake; i++ {
		n, src, err := d.netSocket.ReadFrom(buf)
		if err != nil || n == 0 {
			break
		}
		fired = true
		d.handleInboundMessage(buf[:n], src)
	}
	return fired, PollContinue, nil
}

// pollConn is the connected-socket-ingress Handler: registered once per
// peer when promoteConnectedSocket dials its fast-path socket, so datagrams
// arriving there (instead of the listening socket) still reach the same
// dispatch. A connected UDP socket has no per-read source address; pc
// always means peer, so src is always peer's own endpoint. Like
// pollNetwork, it drains up to maxDatagramsPerWake datagrams per call
// rather than just one.
func (d *Device) pollConn(peer *Peer, pc *peerConn, budget time.Duration) (bool, PollAction, error) {
	fired := false
	buf := make([]byte, maxPacketSize)
	for i := 0; i < maxDatagramsPerWake; i++ {
		if err := pc.conn.SetReadDeadline(time.Now().Add(budget)); err != nil {
			break
		}
		n, err := pc.conn.Read(buf)
		if err != nil || n == 0 {
			break
		}
		fired = true
		d.handleInboundMessage(buf[:n], peer.Endpoint())
	}
	return fired, PollContinue, nil
}

// handleInboundMessage dispatches by message type the way receive.go does:
// transport packets and cookie replies carry no mac1/mac2 trailer and go
// straight to peer lookup by receiver index, while handshake initiations
// and responses are exact-size-checked and pass through the rate limiter's
// CheckMAC1/CheckMAC2 gate before anything else touches them. CheckMAC1
// never sees anything shorter than MessageResponseSize, the smallest
// message it's asked to verify.
func (d *Device) handleInboundMessage(raw []byte, src netip.AddrPort) {
	if len(raw) < 4 {
		return
	}
	msgType := binary.LittleEndian.Uint32(raw[0:4])

	if msgType == tunnel.MessageTransportType {
		if len(raw) < tunnel.MessageTransportSize {
			return
		}
		receiverIndex := binary.LittleEndian.Uint32(raw[4:8])
		peer := d.LookupPeerByIndex(receiverIndex)
		if peer == nil {
			return
		}
		res := peer.tunn.HandleVerifiedPacket(raw)
		d.dispatchResult(peer, res, src)
		return
	}

	switch msgType {
	case tunnel.MessageInitiationType:
		if len(raw) != tunnel.MessageInitiationSize {
			return
		}
	case tunnel.MessageResponseType:
		if len(raw) != tunnel.MessageResponseSize {
			return
		}
	case tunnel.MessageCookieReplyType:
		if len(raw) != tunnel.MessageCookieReplySize {
			return
		}
		receiverIndex := binary.LittleEndian.Uint32(raw[4:8])
		if peer := d.LookupPeerByIndex(receiverIndex); peer != nil {
			d.dispatchResult(peer, peer.tunn.HandleVerifiedPacket(raw), src)
		}
		return
	default:
		return
	}

	srcIP := addrPortToIPBytes(src)
	verdict := d.rate.VerifyPacket(srcIP, raw)
	switch verdict {
	case ratelimiter.Drop:
		return
	case ratelimiter.SendCookieReply:
		d.replyWithCookie(raw, srcIP, src)
		return
	}

	if msgType == tunnel.MessageInitiationType {
		d.handleInitiation(raw, src)
		return
	}

	receiverIndex := binary.LittleEndian.Uint32(raw[4:8])
	peer := d.LookupPeerByIndex(receiverIndex)
	if peer == nil {
		return
	}

	res := peer.tunn.HandleVerifiedPacket(raw)
	d.dispatchResult(peer, res, src)
}

// handleInitiation resolves an anonymous initiation to a registered peer
// and, if it verifies, sends the response back on the listening socket.
func (d *Device) handleInitiation(raw []byte, src netip.AddrPort) {
	staticPriv := d.staticPrivate
	staticPub := d.staticPublic
	peerKey, pending, ok := tunnel.ConsumeHandshakeInitiation(staticPriv, staticPub, raw)
	if !ok {
		return
	}
	peer := d.LookupPeer(peerKey)
	if peer == nil {
		return
	}
	if !peer.tunn.VerifyInitiationTimestamp(raw, pending) {
		return
	}
	res := peer.tunn.CreateMessageResponse(pending)
	if res.Err != nil {
		d.log.Errorf("%v - handshake response: %v", peer, res.Err)
		return
	}
	peer.SetEndpointFromPacket(src)
	peer.markHandshakeComplete()
	d.sendTo(peer, res.Packet, src)
}

func (d *Device) replyWithCookie(raw, srcIP []byte, src netip.AddrPort) {
	if len(raw) < 8 {
		return
	}
	receiverIndex := binary.LittleEndian.Uint32(raw[4:8])
	reply, err := d.rate.CreateCookieReply(raw, receiverIndex, srcIP)
	if err != nil {
		return
	}
	_, _ = d.netSocket.WriteTo(reply, src)
}

// dispatchResult delivers the Result of a verified inbound packet
// (HandleVerifiedPacket's only caller) to the tun device when it decrypted
// to tunnel data; handshake responses and cookie replies carry no packet
// of their own here; OpWriteToNetwork never comes back from that call and
// so isn't handled below.
func (d *Device) dispatchResult(peer *Peer, res tunnel.Result, src netip.AddrPort) {
	if res.Op == tunnel.OpWriteToTunnelV4 || res.Op == tunnel.OpWriteToTunnelV6 {
		peer.SetEndpointFromPacket(src)
		peer.markHandshakeComplete()
		if srcIP := srcAddress(res.Packet); srcIP != nil && d.allowedIPs.Lookup(srcIP) == peer {
			_ = tunio.WritePacket(d.tunDevice, res.Packet, 0)
		}
	}
	if res.Err != nil {
		d.log.Errorf("%v - %v", peer, res.Err)
		return
	}
	// Mirrors the teacher's keepKeyFreshReceiving: a session this side
	// initiated, nearing expiry with nothing of its own to send, needs a
	// proactive rekey or it goes stale the moment the peer stops talking.
	if peer.tunn.NeedsRekeyOnReceive() {
		if hs := peer.tunn.FormatHandshakeInitiation(); hs.Err == nil {
			if addr := peer.Endpoint(); addr.IsValid() {
				d.sendTo(peer, hs.Packet, addr)
			}
		}
	}
}

// sendTo writes a packet to a peer's endpoint, promoting to the
// connected-socket fast path if one isn't already established.
func (d *Device) sendTo(peer *Peer, packet []byte, addr netip.AddrPort) {
	if c := peer.connectedSocket(); c != nil {
		if _, err := c.conn.Write(packet); err == nil {
			return
		}
	}
	if _, err := d.netSocket.WriteTo(packet, addr); err != nil {
		d.log.Errorf("%v - write: %v", peer, err)
		return
	}
	d.promoteConnectedSocket(peer, addr)
}

// promoteConnectedSocket dials a connected socket to addr bound to the
// device's own listen_port (so it carries the same source port the
// listening socket uses) and registers a pollConn Handler for it, the
// connected-socket-ingress handler component H names alongside
// pollNetwork/pollTun/pollTimers.
func (d *Device) promoteConnectedSocket(peer *Peer, addr netip.AddrPort) {
	conn, err := netconnDial(addr, uint16(d.listenPort.Load()), d.fwmark.Load())
	if err != nil {
		return
	}
	pc := &peerConn{conn: conn}
	pc.pollID = d.poll.Register(NewFuncHandler(func(budget time.Duration) (bool, PollAction, error) {
		return d.pollConn(peer, pc, budget)
	}))
	peer.setConnectedSocket(pc)
}

// readTunLoop is the per-source reader goroutine for the tun device:
// tunio.ReadPacket blocks with no deadline, so it runs here instead of
// inline in a Handler, feeding pollTun through tunReadCh.
func (d *Device) readTunLoop() {
	for {
		buf := make([]byte, maxPacketSize)
		n, err := tunio.ReadPacket(d.tunDevice, buf, 0)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		d.tunReadCh <- buf[:n]
	}
}

// pollTun is the tun-ingress Handler: take one packet already read off the
// tun device by readTunLoop, route it by destination address through
// AllowedIPs, and encapsulate it for whichever peer owns that route.
func (d *Device) pollTun(budget time.Duration) (bool, PollAction, error) {
	if d.tunReadCh == nil {
		return false, PollContinue, nil
	}
	var packet []byte
	select {
	case packet = <-d.tunReadCh:
	case <-time.After(budget):
		return false, PollContinue, nil
	}

	dst := dstAddress(packet)
	if dst == nil {
		return true, PollContinue, nil
	}
	peer := d.allowedIPs.Lookup(dst)
	if peer == nil {
		return true, PollContinue, nil
	}

	res := peer.tunn.Encapsulate(packet)
	if res.Op == tunnel.OpWriteToNetwork {
		peer.tunn.NoteDataSent()
		addr := peer.Endpoint()
		if addr.IsValid() {
			d.sendTo(peer, res.Packet, addr)
		}
	}
	// res.Op == OpNone, no session yet: dropped, the periodic timer tick
	// initiates a handshake on its own schedule.
	if res.Err != nil {
		d.log.Errorf("%v - encapsulate: %v", peer, res.Err)
	}
	return true, PollContinue, nil
}

// pollTimers drives handshake retries, rekeys, and persistent keepalives
// for every registered peer once per tick.
func (d *Device) pollTimers() PollAction {
	for _, peer := range d.Peers() {
		res := peer.tunn.UpdateTimers()
		if res.Op == tunnel.OpWriteToNetwork {
			addr := peer.Endpoint()
			if addr.IsValid() {
				d.sendTo(peer, res.Packet, addr)
			}
		}
		if res.Err != nil {
			d.log.Errorf("%v - timers: %v", peer, res.Err)
		}
	}
	return PollContinue
}

func addrPortToIPBytes(addr netip.AddrPort) []byte {
	ip := addr.Addr()
	if ip.Is4() {
		b := ip.As4()
		return b[:]
	}
	b := ip.As16()
	return b[:]
}

func netconnDial(addr netip.AddrPort, localPort uint16, mark uint32) (*net.UDPConn, error) {
	return netconn.Dial(addr, localPort, mark)
}
