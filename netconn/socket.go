/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package netconn is the platform socket adapter: a listening UDP socket
// for the device's single receive path, and on-demand connected sockets
// for the per-peer fast path. It is a deliberately simpler shape than the
// upstream golang.zx2c4.com/wireguard/conn.Bind interface, whose batched
// ReceiveFunc/send-buffer API is built for the teacher's own worker-pool
// design; EventPoll's handlers only need one-datagram reads bounded by a
// short deadline, so this package talks to the kernel directly with
// golang.org/x/net/ipv4, golang.org/x/net/ipv6, and golang.org/x/sys/unix
// rather than importing conn.Bind.
package netconn

import (
	"errors"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// readTimeout bounds how long ReadFrom blocks on one family before trying
// the other, so a Handler's Poll call returns within its budget even when
// only one address family has traffic.
const readTimeout = 2 * time.Millisecond

func deadlineSoon() time.Time { return time.Now().Add(readTimeout) }

var (
	errNoData   = errors.New("netconn: no datagram available")
	errNoSocket = errors.New("netconn: socket not open for that address family")
)

// Socket is the device's listening UDP socket, dual-stack where the
// platform allows it.
type Socket struct {
	conn4 *net.UDPConn
	conn6 *net.UDPConn
	pc4   *ipv4.PacketConn
	pc6   *ipv6.PacketConn
}

func New() *Socket { return &Socket{} }

// Open binds port on both address families, or an ephemeral port if port
// is zero, and reports the port actually bound.
func (s *Socket) Open(port uint16) (uint16, error) {
	conn4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return 0, err
	}
	actual := conn4.LocalAddr().(*net.UDPAddr).Port

	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: actual})
	if err != nil {
		conn6 = nil
	}

	s.conn4 = conn4
	s.pc4 = ipv4.NewPacketConn(conn4)
	if conn6 != nil {
		s.conn6 = conn6
		s.pc6 = ipv6.NewPacketConn(conn6)
	}
	return uint16(actual), nil
}

// SetMark applies a SO_MARK fwmark to every open socket, so outbound
// packets can be steered by policy routing the way wg-quick's table
// rules expect.
func (s *Socket) SetMark(mark uint32) error {
	var firstErr error
	for _, c := range []*net.UDPConn{s.conn4, s.conn6} {
		if c == nil {
			continue
		}
		raw, err := c.SyscallConn()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		err = raw.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadFrom blocks for up to one datagram on either family and returns its
// payload and source. It sets its own readTimeout deadline on each family
// before reading, and returns errNoData when neither has a datagram.
func (s *Socket) ReadFrom(buf []byte) (n int, src netip.AddrPort, err error) {
	if s.conn4 != nil {
		if err := s.conn4.SetReadDeadline(deadlineSoon()); err == nil {
			if n, addr, rerr := s.conn4.ReadFromUDPAddrPort(buf); rerr == nil {
				return n, addr, nil
			}
		}
	}
	if s.conn6 != nil {
		if err := s.conn6.SetReadDeadline(deadlineSoon()); err == nil {
			if n, addr, rerr := s.conn6.ReadFromUDPAddrPort(buf); rerr == nil {
				return n, addr, nil
			}
		}
	}
	return 0, netip.AddrPort{}, errNoData
}

// WriteTo sends buf to dst on whichever bound socket matches its address
// family.
func (s *Socket) WriteTo(buf []byte, dst netip.AddrPort) (int, error) {
	addr := net.UDPAddrFromAddrPort(dst)
	if dst.Addr().Is4() || dst.Addr().Is4In6() {
		if s.conn4 == nil {
			return 0, errNoSocket
		}
		return s.conn4.WriteToUDP(buf, addr)
	}
	if s.conn6 == nil {
		return 0, errNoSocket
	}
	return s.conn6.WriteToUDP(buf, addr)
}

func (s *Socket) Close() error {
	var firstErr error
	if s.conn4 != nil {
		if err := s.conn4.Close(); err != nil {
			firstErr = err
		}
	}
	if s.conn6 != nil {
		if err := s.conn6.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dial opens a connected socket to a single peer endpoint, used by the
// connected-socket fast path once a peer's address has been confirmed.
// It binds to localPort -- the device's own listen_port -- rather than an
// ephemeral port, so a datagram on this fast path carries the same source
// port as one sent on the listening socket; SO_REUSEADDR/SO_REUSEPORT let
// the kernel hand out that already-bound port to a second, third, ... Nth
// connected socket instead of rejecting the bind. mark, if nonzero, is
// applied the same way Socket.SetMark marks the listening socket.
func Dial(dst netip.AddrPort, localPort uint16, mark uint32) (*net.UDPConn, error) {
	dialer := net.Dialer{
		LocalAddr: &net.UDPAddr{Port: int(localPort)},
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				if mark != 0 {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	conn, err := dialer.Dial(udpNetwork(dst), net.UDPAddrFromAddrPort(dst).String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

func udpNetwork(addr netip.AddrPort) string {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return "udp4"
	}
	return "udp6"
}
