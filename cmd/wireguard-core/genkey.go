/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package main

import (
	"fmt"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

func printGeneratedKeypair() error {
	sk, err := tunnel.NewPrivateKey()
	if err != nil {
		return err
	}
	pk := sk.PublicKey()
	fmt.Printf("PrivateKey = %s\n", sk.String())
	fmt.Printf("PublicKey  = %s\n", pk.String())
	return nil
}
