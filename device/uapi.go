/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

var byteBufferPool = &sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// IpcGetOperation implements the `get=1` side of the UAPI configuration
// protocol: the device's own configuration followed by one stanza per
// peer, each led by its public_key line.
func (d *Device) IpcGetOperation(w io.Writer) error {
	guard := d.lock.RLock()
	defer guard.Release()

	buf := byteBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer byteBufferPool.Put(buf)

	sendf := func(format string, args ...any) {
		fmt.Fprintf(buf, format, args...)
		buf.WriteByte('\n')
	}
	keyf := func(prefix string, key [32]byte) {
		buf.WriteString(prefix)
		buf.WriteByte('=')
		const hex = "0123456789abcdef"
		for i := 0; i < len(key); i++ {
			buf.WriteByte(hex[key[i]>>4])
			buf.WriteByte(hex[key[i]&0xf])
		}
		buf.WriteByte('\n')
	}

	if !d.staticPrivate.IsZero() {
		keyf("private_key", [32]byte(d.staticPrivate))
	}
	if port := d.listenPort.Load(); port != 0 {
		sendf("listen_port=%d", port)
	}
	if mark := d.fwmark.Load(); mark != 0 {
		sendf("fwmark=%d", mark)
	}

	for _, peer := range d.peersByKey {
		keyf("public_key", [32]byte(peer.PublicKey()))
		stats := peer.tunn.Stats()
		sendf("protocol_version=1")
		if addr := peer.Endpoint(); addr.IsValid() {
			sendf("endpoint=%s", addr.String())
		}
		secs := stats.LastHandshake.Unix()
		if stats.LastHandshake.IsZero() {
			secs = 0
		}
		sendf("last_handshake_time_sec=%d", secs)
		sendf("last_handshake_time_nsec=%d", stats.LastHandshake.Nanosecond())
		sendf("tx_bytes=%d", stats.TxBytes)
		sendf("rx_bytes=%d", stats.RxBytes)
		sendf("persistent_keepalive_interval=%d", int(stats.PersistentKeepaliveInterval/time.Second))

		d.allowedIPs.EntriesForPeer(peer, func(prefix netip.Prefix) bool {
			sendf("allowed_ip=%s", prefix.String())
			return true
		})
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return ipcErrorf(ipcErrorIO, "failed to write output: %w", err)
	}
	return nil
}

// ipcSetPeer is the peer under configuration for the duration of one
// public_key stanza in an IpcSetOperation stream. Peer configuration is
// replace-only: a stanza always creates a fresh peer, and one naming an
// already-registered public key (without remove=true) is rejected by
// applyPeerConfig rather than merged into the existing peer.
type ipcSetPeer struct {
	pk                tunnel.PublicKey
	psk               tunnel.PresharedKey
	endpoint          netip.AddrPort
	hasEndpoint       bool
	keepalive         uint32
	allowedIPs        []allowedIPEdit
	replaceAllowedIPs bool
	remove            bool
}

type allowedIPEdit struct {
	prefix netip.Prefix
	add    bool
}

// IpcSetOperation implements the `set=1` side of the UAPI configuration
// protocol.
func (d *Device) IpcSetOperation(r io.Reader) (err error) {
	defer func() {
		if err != nil {
			d.log.Errorf("%v", err)
		}
	}()

	var current *ipcSetPeer
	flush := func() error {
		if current == nil {
			return nil
		}
		return d.applyPeerConfig(current)
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			return flush()
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return ipcErrorf(ipcErrorInvalid, "failed to parse line %q", line)
		}

		if key == "public_key" {
			if err := flush(); err != nil {
				return err
			}
			pk, perr := tunnel.ParsePublicKeyHex(value)
			if perr != nil {
				return ipcErrorf(ipcErrorInvalid, "failed to parse public_key: %w", perr)
			}
			current = &ipcSetPeer{pk: pk}
			continue
		}

		if current == nil {
			if err := d.handleDeviceLine(key, value); err != nil {
				return err
			}
			continue
		}
		if err := current.handleLine(key, value); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return ipcErrorf(ipcErrorIO, "failed to read input: %w", err)
	}
	return nil
}

func (d *Device) handleDeviceLine(key, value string) error {
	switch key {
	case "private_key":
		sk, err := tunnel.ParsePrivateKeyHex(value)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to set private_key: %w", err)
		}
		d.log.Verbosef("UAPI: updating private key")
		if err := d.SetPrivateKey(sk); err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to set private_key: %w", err)
		}

	case "listen_port":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to parse listen_port: %w", err)
		}
		d.log.Verbosef("UAPI: updating listen port")
		if err := d.BindUpdate(uint16(port)); err != nil {
			return ipcErrorf(ipcErrorPortInUse, "failed to set listen_port: %w", err)
		}

	case "fwmark":
		mark, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "invalid fwmark: %w", err)
		}
		d.log.Verbosef("UAPI: updating fwmark")
		if err := d.SetFwmark(uint32(mark)); err != nil {
			return err
		}

	case "replace_peers":
		if value != "true" {
			return ipcErrorf(ipcErrorInvalid, "failed to set replace_peers, invalid value: %v", value)
		}
		d.log.Verbosef("UAPI: removing all peers")
		d.RemoveAllPeers()

	default:
		return ipcErrorf(ipcErrorInvalid, "invalid UAPI device key: %v", key)
	}
	return nil
}

func (p *ipcSetPeer) handleLine(key, value string) error {
	switch key {
	case "remove":
		if value != "true" {
			return ipcErrorf(ipcErrorInvalid, "failed to set remove, invalid value: %v", value)
		}
		p.remove = true

	case "preshared_key":
		if value == "" {
			p.psk = tunnel.PresharedKey{} // empty value clears the PSK
			break
		}
		psk, err := tunnel.ParsePresharedKeyHex(value)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to set preshared key: %w", err)
		}
		p.psk = psk

	case "endpoint":
		addr, err := netip.ParseAddrPort(value)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to set endpoint %v: %w", value, err)
		}
		p.endpoint = addr
		p.hasEndpoint = true

	case "persistent_keepalive_interval":
		secs, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to set persistent keepalive interval: %w", err)
		}
		p.keepalive = uint32(secs)

	case "replace_allowed_ips":
		if value != "true" {
			return ipcErrorf(ipcErrorInvalid, "failed to replace allowedips, invalid value: %v", value)
		}
		p.replaceAllowedIPs = true

	case "allowed_ip":
		add := true
		if len(value) > 0 && value[0] == '-' {
			add = false
			value = value[1:]
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return ipcErrorf(ipcErrorInvalid, "failed to set allowed ip: %w", err)
		}
		p.allowedIPs = append(p.allowedIPs, allowedIPEdit{prefix: prefix, add: add})

	case "protocol_version":
		if value != "1" {
			return ipcErrorf(ipcErrorInvalid, "invalid protocol version: %v", value)
		}

	default:
		return ipcErrorf(ipcErrorInvalid, "invalid UAPI peer key: %v", key)
	}
	return nil
}

// applyPeerConfig commits one parsed stanza. Peer configuration never
// merges into an existing peer: a public_key stanza for a key that is
// already registered is rejected with ErrAlreadyExists rather than torn
// down and recreated, so a repeated add is never mistaken for an update —
// the caller must remove=true a peer before re-adding it under the same
// key.
func (d *Device) applyPeerConfig(p *ipcSetPeer) error {
	if p.remove {
		if err := d.RemovePeer(p.pk); err != nil && !errors.Is(err, ErrNoSuchPeer) {
			return err
		}
		return nil
	}
	if p.pk == d.StaticPublicKey() {
		return nil // refuse to peer with ourselves
	}

	peer, err := d.NewPeer(p.pk, p.psk)
	if err != nil {
		return ipcErrorf(ipcErrorInvalid, "failed to create new peer: %w", err)
	}
	d.log.Verbosef("%v - UAPI: created", peer)

	if p.hasEndpoint {
		peer.SetEndpointFromPacket(p.endpoint)
	}
	peer.tunn.SetPersistentKeepaliveInterval(time.Duration(p.keepalive) * time.Second)

	if p.replaceAllowedIPs {
		d.allowedIPs.RemoveByPeer(peer)
	}
	for _, edit := range p.allowedIPs {
		if edit.add {
			d.allowedIPs.Insert(edit.prefix, peer)
		} else {
			d.allowedIPs.Remove(edit.prefix, peer)
		}
	}

	if d.State() == StateRunning {
		peer.Start()
		if p.keepalive > 0 {
			peer.tunn.NoteDataSent()
		}
	}
	return nil
}

func (d *Device) IpcGet() (string, error) {
	buf := new(strings.Builder)
	if err := d.IpcGetOperation(buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (d *Device) IpcSet(uapiConf string) error {
	return d.IpcSetOperation(strings.NewReader(uapiConf))
}

// IpcHandle services one UAPI control connection until it is closed,
// running `set=1`/`get=1` requests in a loop and terminating every reply
// with the `errno=` line the wg(8) client expects.
func (d *Device) IpcHandle(socket net.Conn) {
	defer socket.Close()

	reader := bufio.NewReader(socket)
	writer := bufio.NewWriter(socket)
	buffered := bufio.NewReadWriter(reader, writer)

	for {
		op, err := buffered.ReadString('\n')
		if err != nil {
			return
		}

		switch op {
		case "set=1\n":
			err = d.IpcSetOperation(buffered.Reader)
		case "get=1\n":
			var nextByte byte
			nextByte, err = buffered.ReadByte()
			if err != nil {
				return
			}
			if nextByte != '\n' {
				err = ipcErrorf(ipcErrorInvalid, "trailing character in UAPI get: %q", nextByte)
				break
			}
			err = d.IpcGetOperation(buffered.Writer)
		default:
			d.log.Errorf("invalid UAPI operation: %v", op)
			return
		}

		var status *IPCError
		if err != nil && !errors.As(err, &status) {
			status = ipcErrorf(ipcErrorUnknown, "other UAPI error: %w", err)
		}
		if status != nil {
			d.log.Errorf("%v", status)
			fmt.Fprintf(buffered, "errno=%d\n\n", status.ErrorCode())
		} else {
			fmt.Fprintf(buffered, "errno=0\n\n")
		}
		buffered.Flush()
	}
}
