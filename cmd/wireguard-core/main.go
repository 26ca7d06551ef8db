/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.zx2c4.com/wireguard-core/device"
)

func main() {
	var (
		name     = flag.String("interface", "wg0", "tun interface name")
		mtu      = flag.Int("mtu", 1420, "tunnel MTU")
		port     = flag.Uint("listen-port", 0, "UDP listen port (0 picks one)")
		verbose  = flag.Bool("verbose", false, "enable verbose logging")
		showKeys = flag.Bool("genkey", false, "print a new private/public keypair and exit")
	)
	flag.Parse()

	if *showKeys {
		if err := printGeneratedKeypair(); err != nil {
			fmt.Fprintln(os.Stderr, "wireguard-core:", err)
			os.Exit(1)
		}
		return
	}

	cfg := device.DefaultDeviceConfig()
	cfg.Name = *name
	cfg.MTU = *mtu
	cfg.ListenPort = uint16(*port)
	if *verbose {
		cfg.LogLevel = device.LogLevelVerbose
	}

	handle, err := device.NewDeviceHandle(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wireguard-core: failed to start device:", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		handle.Close()
	case <-handle.Device.Wait():
	}
}
