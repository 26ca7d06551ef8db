/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestHandle builds a DeviceHandle around a socketless, tunless Device,
// enough to exercise monitorUAPISocket without a real UAPI listener.
func newTestHandle(t *testing.T) *DeviceHandle {
	t.Helper()
	return &DeviceHandle{Device: randDevice(t), monitorDone: make(chan struct{})}
}

func TestMonitorUAPISocketExitsWhenPathRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")
	assertNil(t, os.WriteFile(path, nil, 0o644))

	h := newTestHandle(t)
	h.uapiPath = path
	go h.monitorUAPISocket(5 * time.Millisecond)

	assertNil(t, os.Remove(path))

	select {
	case <-h.Device.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected the monitor to close the device after the socket path disappeared")
	}
}

func TestMonitorUAPISocketStopsOnExplicitClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")
	assertNil(t, os.WriteFile(path, nil, 0o644))

	h := newTestHandle(t)
	h.uapiPath = path
	done := make(chan struct{})
	go func() {
		h.monitorUAPISocket(5 * time.Millisecond)
		close(done)
	}()

	h.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected monitorUAPISocket to return once Close fired monitorDone/Device.Wait")
	}
}
