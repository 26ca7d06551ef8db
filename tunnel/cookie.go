/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// CookieRefreshTime bounds how long a generated cookie secret remains valid.
const CookieRefreshTime = 2 * time.Minute

// CookieChecker verifies mac1/mac2 on inbound handshake messages and mints
// cookie replies once a device is under load. One instance per local static
// key, shared by every peer.
type CookieChecker struct {
	mu   sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator produces mac1/mac2 on outbound handshake messages and
// consumes cookie replies from the remote peer. One instance per peer.
type CookieGenerator struct {
	mu   sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func (c *CookieChecker) Init(localStatic PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hsh, _ := blake2s.New256(nil)
	hsh.Write([]byte(mac1Label))
	hsh.Write(localStatic[:])
	hsh.Sum(c.mac1.key[:0])

	hsh, _ = blake2s.New256(nil)
	hsh.Write([]byte(cookieLabel))
	hsh.Write(localStatic[:])
	hsh.Sum(c.mac2.encryptionKey[:0])

	c.mac2.secretSet = time.Time{}
}

func (c *CookieChecker) CheckMAC1(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	var mac1 [blake2s.Size128]byte
	mac, _ := blake2s.New128(c.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

func (c *CookieChecker) CheckMAC2(msg, src []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if time.Since(c.mac2.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(c.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	smac2 := len(msg) - blake2s.Size128
	var mac2 [blake2s.Size128]byte
	mac, _ = blake2s.New128(cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])

	return hmac.Equal(mac2[:], msg[smac2:])
}

// CreateCookieReply mints a cookie bound to src, to be sent back to a peer
// whose handshake was dropped for load-shedding.
func (c *CookieChecker) CreateCookieReply(msg []byte, recv uint32, src []byte) (*messageCookieReply, error) {
	c.mu.RLock()

	if time.Since(c.mac2.secretSet) > CookieRefreshTime {
		c.mu.RUnlock()
		c.mu.Lock()
		if _, err := rand.Read(c.mac2.secret[:]); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.mac2.secretSet = time.Now()
		c.mu.Unlock()
		c.mu.RLock()
	}

	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(c.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	reply := &messageCookieReply{receiver: recv}
	if _, err := rand.Read(reply.nonce[:]); err != nil {
		c.mu.RUnlock()
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(c.mac2.encryptionKey[:])
	xchapoly.Seal(reply.cookie[:0], reply.nonce[:], cookie[:], msg[smac1:smac2])

	c.mu.RUnlock()
	return reply, nil
}

// MarshalCookieReply is CreateCookieReply's wire-format wrapper, so callers
// outside this package never need the unexported messageCookieReply type.
func (c *CookieChecker) MarshalCookieReply(msg []byte, recv uint32, src []byte) ([]byte, error) {
	reply, err := c.CreateCookieReply(msg, recv, src)
	if err != nil {
		return nil, err
	}
	return reply.marshal(), nil
}

func (g *CookieGenerator) Init(peerStatic PublicKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hsh, _ := blake2s.New256(nil)
	hsh.Write([]byte(mac1Label))
	hsh.Write(peerStatic[:])
	hsh.Sum(g.mac1.key[:0])

	hsh, _ = blake2s.New256(nil)
	hsh.Write([]byte(cookieLabel))
	hsh.Write(peerStatic[:])
	hsh.Sum(g.mac2.encryptionKey[:0])

	g.mac2.cookieSet = time.Time{}
}

func (g *CookieGenerator) ConsumeReply(reply *messageCookieReply) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2s.Size128]byte
	xchapoly, _ := chacha20poly1305.NewX(g.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], reply.nonce[:], reply.cookie[:], g.mac2.lastMAC1[:])
	if err != nil {
		return false
	}

	g.mac2.cookieSet = time.Now()
	g.mac2.cookie = cookie
	return true
}

// AddMacs appends mac1 (and mac2, once we hold a valid cookie) to an
// outbound handshake message buffer, which must already be sized to hold
// both trailing fields.
func (g *CookieGenerator) AddMacs(msg []byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	g.mu.Lock()
	defer g.mu.Unlock()

	mac, _ := blake2s.New128(g.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])
	copy(g.mac2.lastMAC1[:], mac1)
	g.mac2.hasLastMAC1 = true

	if time.Since(g.mac2.cookieSet) > CookieRefreshTime {
		return
	}

	mac, _ = blake2s.New128(g.mac2.cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])
}
