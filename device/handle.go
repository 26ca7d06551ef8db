/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard-core/tunio"
)

// uapiMonitorInterval is how often the control-socket liveness monitor
// checks that the UAPI socket path still exists on disk.
const uapiMonitorInterval = time.Second

// DeviceConfig mirrors boringtun's DeviceConfig: the handful of knobs a
// caller sets before bringing a device up, independent of its peer list.
type DeviceConfig struct {
	Name       string
	MTU        int
	ListenPort uint16
	LogLevel   LogLevel
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{MTU: 1420, LogLevel: LogLevelError}
}

// DeviceHandle owns the device this process created plus the UAPI unix
// socket listener serving it, and is the unit Close tears down.
type DeviceHandle struct {
	Device *Device

	uapiListener net.Listener
	uapiPath     string
	monitorDone  chan struct{}
	closeOnce    sync.Once
}

// NewDeviceHandle opens a tun interface per cfg, brings the device up on
// cfg.ListenPort, and starts serving UAPI requests on the conventional
// /var/run/wireguard/<name>.sock socket.
func NewDeviceHandle(cfg DeviceConfig) (*DeviceHandle, error) {
	tunDevice, err := tunio.Open(cfg.Name, cfg.MTU)
	if err != nil {
		return nil, err
	}

	log := NewLogger(cfg.LogLevel, cfg.Name)
	d := NewDevice(tunDevice, log)
	d.SetMTU(uint32(cfg.MTU))

	if err := d.BindUpdate(cfg.ListenPort); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.Up(); err != nil {
		d.Close()
		return nil, err
	}

	h := &DeviceHandle{Device: d}
	if err := h.listenUAPI(cfg.Name); err != nil {
		log.Errorf("UAPI socket unavailable, continuing without it: %v", err)
	} else {
		h.monitorDone = make(chan struct{})
		go h.monitorUAPISocket(uapiMonitorInterval)
	}
	return h, nil
}

// monitorUAPISocket implements the Exiting-state control-socket-disappearance
// trigger: something external removing the UAPI socket file (an admin
// cleaning up /var/run/wireguard, a packaging script, a crashed and
// restarted supervisor clobbering the path) is this process's cue to tear
// itself down rather than keep serving a socket nothing can reach anymore.
func (h *DeviceHandle) monitorUAPISocket(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := os.Stat(h.uapiPath); err != nil {
				h.Device.log.Errorf("UAPI socket %s disappeared, exiting", h.uapiPath)
				h.Close()
				return
			}
		case <-h.monitorDone:
			return
		case <-h.Device.Wait():
			return
		}
	}
}

func (h *DeviceHandle) listenUAPI(name string) error {
	dir := "/var/run/wireguard"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".sock")
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	h.uapiListener = ln
	h.uapiPath = path

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.Device.IpcHandle(conn)
		}
	}()
	return nil
}

// Wait blocks until the device has fully shut down.
func (h *DeviceHandle) Wait() { <-h.Device.Wait() }

// Close tears down the UAPI listener and the device itself.
func (h *DeviceHandle) Close() {
	h.closeOnce.Do(func() {
		if h.monitorDone != nil {
			close(h.monitorDone)
		}
		if h.uapiListener != nil {
			h.uapiListener.Close()
			os.Remove(h.uapiPath)
		}
		h.Device.Close()
	})
}
