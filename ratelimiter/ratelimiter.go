/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package ratelimiter implements the handshake-verification front door
// every inbound handshake initiation and response passes through before the
// device spends any CPU on it (transport data and cookie replies do not go
// through it): a per-source-IP token bucket gates how often a given
// address may even have its MAC checked, and mac1/mac2 verification
// distinguishes genuine handshake attempts from floods once a device
// decides it is under load.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard-core/tunnel"
)

const (
	packetsPerSecond   = 20
	packetsBurstable   = 5
	garbageCollectTime = time.Second
	packetCost         = int64(time.Second) / packetsPerSecond
	maxTokens          = packetCost * packetsBurstable

	// underLoadThreshold is the number of distinct handshake-weight packets
	// the bucket will mint in the current garbage-collect interval before
	// the checker starts demanding mac2 cookies from everyone.
	underLoadThreshold = packetsPerSecond
)

type bucket struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// RateLimiter is component J: it wraps a CookieChecker bound to the
// device's own static key with a per-IP token bucket, exposing the single
// VerifyPacket decision the worker loop's UDP-ingress handler needs.
type RateLimiter struct {
	checker tunnel.CookieChecker

	mu        sync.RWMutex
	timeNow   func() time.Time
	stopReset chan struct{}
	table     map[netip.Addr]*bucket

	recentCount atomic64
}

type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) add(d int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v += d
	return a.v
}

func (a *atomic64) reset() {
	a.mu.Lock()
	a.v = 0
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// New builds a RateLimiter bound to localStatic; call Init before use.
func New(localStatic tunnel.PublicKey) *RateLimiter {
	r := &RateLimiter{}
	r.checker.Init(localStatic)
	return r
}

func (r *RateLimiter) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timeNow == nil {
		r.timeNow = time.Now
	}
	if r.stopReset != nil {
		close(r.stopReset)
	}
	r.stopReset = make(chan struct{})
	r.table = make(map[netip.Addr]*bucket)
	stopReset := r.stopReset

	go func() {
		ticker := time.NewTicker(garbageCollectTime)
		defer ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				if !ok {
					return
				}
			case <-ticker.C:
				r.cleanup()
				r.recentCount.reset()
			}
		}
	}()
}

func (r *RateLimiter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopReset != nil {
		close(r.stopReset)
		r.stopReset = nil
	}
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.table {
		b.mu.Lock()
		stale := r.timeNow().Sub(b.lastTime) > garbageCollectTime
		b.mu.Unlock()
		if stale {
			delete(r.table, key)
		}
	}
}

func (r *RateLimiter) allow(ip netip.Addr) bool {
	r.mu.RLock()
	b := r.table[ip]
	r.mu.RUnlock()

	if b == nil {
		b = &bucket{tokens: maxTokens - packetCost, lastTime: r.timeNow()}
		r.mu.Lock()
		r.table[ip] = b
		r.mu.Unlock()
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := r.timeNow()
	b.tokens += now.Sub(b.lastTime).Nanoseconds()
	b.lastTime = now
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}
	if b.tokens > packetCost {
		b.tokens -= packetCost
		return true
	}
	return false
}

// underLoad reports whether recent handshake volume justifies demanding
// mac2 cookies before doing the expensive part of verification.
func (r *RateLimiter) underLoad() bool {
	return r.recentCount.load() > underLoadThreshold
}

// Verdict is VerifyPacket's outcome.
type Verdict int

const (
	Drop Verdict = iota
	Accept
	SendCookieReply
)

// VerifyPacket is the RateLimiter adapter contract: every handshake
// initiation or response arriving on a UDP socket passes through here
// before the device touches the Noise state machine. raw must be a full
// initiation- or response-sized packet carrying mac1/mac2 (the caller is
// expected to have already routed by size/type); src is the wire-format
// source address used to bind cookies to an endpoint.
func (r *RateLimiter) VerifyPacket(src []byte, raw []byte) Verdict {
	addr, ok := netip.AddrFromSlice(src)
	if !ok {
		return Drop
	}
	if !r.allow(addr) {
		return Drop
	}
	r.recentCount.add(1)

	if !r.checker.CheckMAC1(raw) {
		return Drop
	}
	if !r.underLoad() {
		return Accept
	}
	if r.checker.CheckMAC2(raw, src) {
		return Accept
	}
	return SendCookieReply
}

// CreateCookieReply mints the reply packet for a handshake rejected as
// SendCookieReply.
func (r *RateLimiter) CreateCookieReply(raw []byte, receiverIndex uint32, src []byte) ([]byte, error) {
	return r.checker.MarshalCookieReply(raw, receiverIndex, src)
}
