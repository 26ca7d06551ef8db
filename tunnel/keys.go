/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PrivateKey is a clamped Curve25519 scalar.
type PrivateKey [KeySize]byte

// PublicKey is a Curve25519 point.
type PublicKey [KeySize]byte

// PresharedKey is the optional symmetric secret mixed into the handshake.
type PresharedKey [KeySize]byte

func NewPrivateKey() (sk PrivateKey, err error) {
	_, err = rand.Read(sk[:])
	if err != nil {
		return
	}
	sk.clamp()
	return
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

func (sk *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pk), (*[32]byte)(sk))
	return pk
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret.
func (sk *PrivateKey) SharedSecret(pk PublicKey) (ss [KeySize]byte, err error) {
	apk := (*[32]byte)(&pk)
	ask := (*[32]byte)(sk)
	curve25519.ScalarMult(&ss, ask, apk)
	if isZero(ss[:]) {
		return ss, errors.New("invalid shared secret (point at infinity)")
	}
	return ss, nil
}

func (sk PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(sk[:], zero[:]) == 1
}

func (sk PrivateKey) String() string {
	return hex.EncodeToString(sk[:])
}

func ParsePrivateKeyHex(s string) (PrivateKey, error) {
	var sk PrivateKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return sk, err
	}
	if len(b) != KeySize {
		return sk, fmt.Errorf("invalid key length %d", len(b))
	}
	copy(sk[:], b)
	sk.clamp()
	return sk, nil
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

func (pk PublicKey) IsZero() bool {
	var zero PublicKey
	return subtle.ConstantTimeCompare(pk[:], zero[:]) == 1
}

func (pk PublicKey) Equal(other PublicKey) bool {
	return hmac.Equal(pk[:], other[:])
}

func ParsePublicKeyHex(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, err
	}
	if len(b) != KeySize {
		return pk, fmt.Errorf("invalid key length %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func ParsePresharedKeyHex(s string) (PresharedKey, error) {
	var psk PresharedKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return psk, err
	}
	if len(b) != KeySize {
		return psk, fmt.Errorf("invalid key length %d", len(b))
	}
	copy(psk[:], b)
	return psk, nil
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}

func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}

// mac1Label and cookieLabel are the WireGuard handshake label constants.
const (
	mac1Label      = "mac1----"
	cookieLabel    = "cookie--"
	wgConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(wgConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(wgIdentifier))
}
