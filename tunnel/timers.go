/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import "time"

// Handshake and session lifetime constants, matching the WireGuard paper's
// RekeyAfterTime/RejectAfterTime family.
const (
	RekeyAfterTime     = 120 * time.Second
	RejectAfterTime    = 180 * time.Second
	RekeyTimeout       = 5 * time.Second
	RekeyAttemptTime   = 90 * time.Second
	MaxTimerHandshakes = int(RekeyAttemptTime / RekeyTimeout)
	KeepaliveTimeout   = 10 * time.Second
)

// UpdateTimers is driven periodically (every ~250ms) by the device's
// worker loop tick, independent of packet arrival. It resends an
// in-progress handshake that has timed out, initiates a fresh handshake
// when a session needs rekeying or none exists yet, and emits a bare
// keepalive when the persistent-keepalive interval has elapsed with no
// other outbound traffic.
func (t *Tunn) UpdateTimers() Result {
	t.mu.Lock()
	state := t.hs.state
	lastSent := t.hs.lastSentHandshake
	t.mu.Unlock()

	if state == handshakeInitiationCreated {
		if time.Since(lastSent) < RekeyTimeout {
			return Result{Op: OpNone}
		}
		attempts := t.handshakeAttempts.Add(1)
		if attempts > uint32(MaxTimerHandshakes) {
			t.mu.Lock()
			t.hs.clear()
			t.mu.Unlock()
			t.handshakeAttempts.Store(0)
			return Result{Op: OpNone, Err: errHandshakeAbandoned}
		}
		return t.FormatHandshakeInitiation()
	}

	kp := t.keypairs.Current()
	needsHandshake := kp == nil || time.Since(kp.created) > RekeyAfterTime
	if needsHandshake && time.Since(lastSent) >= RekeyTimeout {
		t.handshakeAttempts.Store(0)
		return t.FormatHandshakeInitiation()
	}

	interval := t.PersistentKeepaliveInterval()
	if interval > 0 && kp != nil {
		last := time.Unix(0, t.lastKeepaliveSent.Load())
		if time.Since(last) >= interval {
			t.lastKeepaliveSent.Store(time.Now().UnixNano())
			return t.Encapsulate(nil)
		}
	}

	return Result{Op: OpNone}
}

// NoteDataSent lets the worker loop reset the persistent-keepalive clock
// whenever real traffic goes out, so keepalives are only sent on otherwise
// silent links.
func (t *Tunn) NoteDataSent() {
	t.lastKeepaliveSent.Store(time.Now().UnixNano())
}

// NeedsRekeyOnReceive reports whether the Decapsulate call the caller just
// made should be followed by a fresh handshake initiation: a session this
// side initiated, nearing RejectAfterTime with no outbound traffic of its
// own to trigger a rekey, would otherwise go quietly stale the moment the
// far side stops sending. At most one initiation is requested per keypair;
// the flag is cleared once a new keypair is in place.
func (t *Tunn) NeedsRekeyOnReceive() bool {
	kp := t.keypairs.Current()
	if kp == nil || !kp.isInitiator || time.Since(kp.created) <= RejectAfterTime-KeepaliveTimeout-RekeyTimeout {
		return false
	}
	return !t.sentLastMinuteHandshake.Swap(true)
}

var errHandshakeAbandoned = errResultErr("tunnel: handshake attempts exhausted")

type errResultErr string

func (e errResultErr) Error() string { return string(e) }
