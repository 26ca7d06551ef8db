/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/cipher"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/replay"
)

// RejectAfterMessages is the number of messages a session may carry before
// a fresh handshake is mandatory, per the Noise counter-overflow bound.
const RejectAfterMessages = ^uint64(0) - (1 << 13)

// Keypair is one AEAD session derived from a completed handshake.
type Keypair struct {
	sendNonce    atomic.Uint64
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.Filter
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
}

// Keypairs holds the current, previous, and not-yet-confirmed sessions for
// a peer, implementing the rotate-on-confirmation protocol described in
// the Noise key-update rationale.
type Keypairs struct {
	mu       sync.RWMutex
	current  *Keypair
	previous *Keypair
	next     atomic.Pointer[Keypair]
}

func (k *Keypairs) Current() *Keypair {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

func (k *Keypairs) clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = nil
	k.previous = nil
	k.next.Store(nil)
}

// confirmFromInitiator installs keypair as current, the way an initiator
// does the moment it holds a handshake response: it knows the peer already
// has the matching session, so there is no grace period to observe.
func (k *Keypairs) confirmFromInitiator(keypair *Keypair) (previous, stale *Keypair) {
	k.mu.Lock()
	defer k.mu.Unlock()

	next := k.next.Load()
	if next != nil {
		k.next.Store(nil)
		stale = k.current
		k.previous = next
	} else {
		k.previous = k.current
	}
	previous = k.previous
	k.current = keypair
	return
}

// stageFromResponder parks keypair in the next slot, the way a responder
// must: it cannot know the initiator has received the response yet, so it
// keeps sending with the old session until ReceivedWithKeypair promotes
// this one.
func (k *Keypairs) stageFromResponder(keypair *Keypair) (staleNext *Keypair) {
	k.mu.Lock()
	defer k.mu.Unlock()
	staleNext = k.next.Load()
	k.next.Store(keypair)
	k.previous = nil
	return
}

// ReceivedWithKeypair promotes a staged "next" keypair to current once a
// packet demonstrates the remote side is already using it.
func (k *Keypairs) ReceivedWithKeypair(received *Keypair) (promoted, retired *Keypair, ok bool) {
	if k.next.Load() != received {
		return nil, nil, false
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.next.Load() != received {
		return nil, nil, false
	}

	retired = k.previous
	k.previous = k.current
	k.current = k.next.Load()
	k.next.Store(nil)
	return k.current, retired, true
}
