/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package tunnel implements the Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s
// handshake and the transport-data AEAD sessions it produces. A Tunn is
// the concrete collaborator the device package drives through handshake
// retries, encapsulation, and decapsulation; it holds no knowledge of
// sockets, tun devices, or the peer registry.
package tunnel

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

// Op describes what the caller must do with the Packet carried in a Result.
type Op int

const (
	OpNone Op = iota
	OpWriteToNetwork
	OpWriteToTunnelV4
	OpWriteToTunnelV6
)

// Result is returned by every Tunn operation that may produce a packet or
// fail; Packet is only valid when Op is one of the WriteTo* variants.
type Result struct {
	Op     Op
	Packet []byte
	Err    error
}

func errResult(err error) Result { return Result{Op: OpNone, Err: err} }

// Stats is a snapshot of a Tunn's traffic counters, surfaced through the
// UAPI `get` operation.
type Stats struct {
	TxBytes                     uint64
	RxBytes                     uint64
	LastHandshake               time.Time
	PersistentKeepaliveInterval time.Duration
}

// PendingInitiation carries the handshake transcript state produced by the
// package-level ConsumeHandshakeInitiation, before the caller has looked up
// which peer's Tunn should finish the exchange.
type PendingInitiation struct {
	hash            [32]byte
	chainKey        [32]byte
	remoteEphemeral PublicKey
	remoteIndex     uint32
	timestamp       tai64n.Timestamp
}

// Tunn is one peer's Noise session: handshake transcript, rotating AEAD
// keypairs, and the per-peer half of cookie handling.
type Tunn struct {
	mu sync.Mutex

	staticPrivate PrivateKey
	staticPublic  PublicKey
	peerStatic    PublicKey
	presharedKey  PresharedKey
	precomputedSS [32]byte

	peerIndex  uint32
	sessionCtr uint32

	hs        handshake
	keypairs  Keypairs
	cookieGen CookieGenerator

	persistentKeepaliveInterval atomic.Uint32
	handshakeAttempts           atomic.Uint32
	lastKeepaliveSent           atomic.Int64
	sentLastMinuteHandshake     atomic.Bool

	txBytes atomic.Uint64
	rxBytes atomic.Uint64
}

// NewTunn builds the Noise session for one peer. peerIndex is the 24-bit
// receiver index the device has reserved for this peer; every session
// derived from this Tunn embeds it in the top bits of its 32-bit index so
// the device can route an inbound packet to this peer without consulting a
// global per-session table.
func NewTunn(staticPrivate PrivateKey, staticPublic PublicKey, peerStatic PublicKey, psk PresharedKey, peerIndex uint32) (*Tunn, error) {
	if peerIndex > 0xFFFFFF {
		return nil, errors.New("tunnel: peer index exceeds 24 bits")
	}
	ss, err := staticPrivate.SharedSecret(peerStatic)
	if err != nil {
		return nil, err
	}
	t := &Tunn{
		staticPrivate: staticPrivate,
		staticPublic:  staticPublic,
		peerStatic:    peerStatic,
		presharedKey:  psk,
		precomputedSS: ss,
		peerIndex:     peerIndex,
	}
	t.cookieGen.Init(peerStatic)
	return t, nil
}

// SetStaticPrivate rekeys the device's local identity. The in-flight
// handshake, if any, is abandoned; existing data sessions are untouched.
func (t *Tunn) SetStaticPrivate(sk PrivateKey) error {
	ss, err := sk.SharedSecret(t.peerStatic)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staticPrivate = sk
	t.staticPublic = sk.PublicKey()
	t.precomputedSS = ss
	t.hs.clear()
	return nil
}

func (t *Tunn) SetPersistentKeepaliveInterval(d time.Duration) {
	t.persistentKeepaliveInterval.Store(uint32(d / time.Second))
}

func (t *Tunn) PersistentKeepaliveInterval() time.Duration {
	return time.Duration(t.persistentKeepaliveInterval.Load()) * time.Second
}

func (t *Tunn) Stats() Stats {
	t.mu.Lock()
	last := t.hs.lastInitiationConsumption
	t.mu.Unlock()
	return Stats{
		TxBytes:                     t.txBytes.Load(),
		RxBytes:                     t.rxBytes.Load(),
		LastHandshake:               last,
		PersistentKeepaliveInterval: t.PersistentKeepaliveInterval(),
	}
}

func (t *Tunn) nextSessionIndex() uint32 {
	ctr := atomic.AddUint32(&t.sessionCtr, 1) & 0xFF
	return t.peerIndex<<8 | ctr
}

// PeerIndex returns the 24-bit index the device uses to route inbound
// packets to this Tunn regardless of which session they target.
func (t *Tunn) PeerIndex() uint32 { return t.peerIndex }

// FormatHandshakeInitiation builds a fresh initiation message, overwriting
// any in-progress handshake.
func (t *Tunn) FormatHandshakeInitiation() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hs.hash = initialHash
	t.hs.chainKey = initialChainKey

	localEphemeral, err := NewPrivateKey()
	if err != nil {
		return errResult(err)
	}
	t.hs.localEphemeral = localEphemeral

	mixHash(&t.hs.hash, &t.hs.hash, t.peerStatic[:])

	msg := &messageInitiation{
		sender:    t.nextSessionIndex(),
		ephemeral: localEphemeral.PublicKey(),
	}
	mixKey(&t.hs.chainKey, &t.hs.chainKey, msg.ephemeral[:])
	mixHash(&t.hs.hash, &t.hs.hash, msg.ephemeral[:])

	ss, err := localEphemeral.SharedSecret(t.peerStatic)
	if err != nil {
		return errResult(err)
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&t.hs.chainKey, &key, t.hs.chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.static[:0], zeroNonce[:], t.staticPublic[:], t.hs.hash[:])
	mixHash(&t.hs.hash, &t.hs.hash, msg.static[:])

	kdf2(&t.hs.chainKey, &key, t.hs.chainKey[:], t.precomputedSS[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.timestamp[:0], zeroNonce[:], timestamp[:], t.hs.hash[:])
	mixHash(&t.hs.hash, &t.hs.hash, msg.timestamp[:])

	t.hs.localIndex = msg.sender
	t.hs.state = handshakeInitiationCreated
	t.hs.lastSentHandshake = time.Now()

	raw := msg.marshal()
	t.cookieGen.AddMacs(raw)
	return Result{Op: OpWriteToNetwork, Packet: raw}
}

// ConsumeHandshakeInitiation decrypts the initiator's static key using only
// the device's own identity, before any particular peer is known. The
// caller must look up a Tunn by the returned public key and finish the
// exchange with CreateMessageResponse.
func ConsumeHandshakeInitiation(localStatic PrivateKey, localPublic PublicKey, raw []byte) (PublicKey, *PendingInitiation, bool) {
	var zero PublicKey
	msg, ok := parseMessageInitiation(raw)
	if !ok {
		return zero, nil, false
	}

	var hash, chainKey [32]byte
	mixHash(&hash, &initialHash, localPublic[:])
	mixHash(&hash, &hash, msg.ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.ephemeral[:])

	ss, err := localStatic.SharedSecret(msg.ephemeral)
	if err != nil {
		return zero, nil, false
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&chainKey, &key, chainKey[:], ss[:])

	var peerPK PublicKey
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(peerPK[:0], zeroNonce[:], msg.static[:], hash[:]); err != nil {
		return zero, nil, false
	}
	mixHash(&hash, &hash, msg.static[:])

	return peerPK, &PendingInitiation{
		hash:            hash,
		chainKey:        chainKey,
		remoteEphemeral: msg.ephemeral,
		remoteIndex:     msg.sender,
	}, true
}

// VerifyInitiationTimestamp completes the timestamp decryption and
// replay/flood checks that ConsumeHandshakeInitiation leaves for the
// resolved Tunn, since they require the peer's precomputed shared secret
// and its last-seen-timestamp state.
func (t *Tunn) VerifyInitiationTimestamp(raw []byte, pending *PendingInitiation) bool {
	msg, ok := parseMessageInitiation(raw)
	if !ok {
		return false
	}

	var timestamp tai64n.Timestamp
	var key [chacha20poly1305.KeySize]byte
	chainKey := pending.chainKey
	kdf2(&chainKey, &key, chainKey[:], t.precomputedSS[:])
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(timestamp[:0], zeroNonce[:], msg.timestamp[:], pending.hash[:]); err != nil {
		return false
	}
	mixHash(&pending.hash, &pending.hash, msg.timestamp[:])
	pending.chainKey = chainKey
	pending.timestamp = timestamp

	t.mu.Lock()
	defer t.mu.Unlock()

	if !timestamp.After(t.hs.lastTimestamp) {
		return false
	}
	if time.Since(t.hs.lastInitiationConsumption) <= 20*time.Millisecond {
		return false
	}
	t.hs.lastTimestamp = timestamp
	t.hs.lastInitiationConsumption = time.Now()
	return true
}

// CreateMessageResponse finishes a handshake begun by ConsumeHandshakeInitiation
// and stages the resulting session as this Tunn's next keypair.
func (t *Tunn) CreateMessageResponse(pending *PendingInitiation) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hs.hash = pending.hash
	t.hs.chainKey = pending.chainKey
	t.hs.remoteIndex = pending.remoteIndex
	t.hs.remoteEphemeral = pending.remoteEphemeral
	t.hs.state = handshakeInitiationConsumed

	msg := &messageResponse{receiver: t.hs.remoteIndex, sender: t.nextSessionIndex()}
	t.hs.localIndex = msg.sender

	localEphemeral, err := NewPrivateKey()
	if err != nil {
		return errResult(err)
	}
	t.hs.localEphemeral = localEphemeral
	msg.ephemeral = localEphemeral.PublicKey()
	mixHash(&t.hs.hash, &t.hs.hash, msg.ephemeral[:])
	mixKey(&t.hs.chainKey, &t.hs.chainKey, msg.ephemeral[:])

	ss, err := localEphemeral.SharedSecret(t.hs.remoteEphemeral)
	if err != nil {
		return errResult(err)
	}
	mixKey(&t.hs.chainKey, &t.hs.chainKey, ss[:])
	ss, err = localEphemeral.SharedSecret(t.peerStatic)
	if err != nil {
		return errResult(err)
	}
	mixKey(&t.hs.chainKey, &t.hs.chainKey, ss[:])

	var tau [32]byte
	var key [chacha20poly1305.KeySize]byte
	kdf3(&t.hs.chainKey, &tau, &key, t.hs.chainKey[:], t.presharedKey[:])
	mixHash(&t.hs.hash, &t.hs.hash, tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.empty[:0], zeroNonce[:], nil, t.hs.hash[:])
	mixHash(&t.hs.hash, &t.hs.hash, msg.empty[:])

	t.hs.state = handshakeResponseCreated

	keypair, err := t.deriveKeypair(false)
	if err != nil {
		return errResult(err)
	}
	t.keypairs.stageFromResponder(keypair)

	raw := msg.marshal()
	t.cookieGen.AddMacs(raw)
	return Result{Op: OpWriteToNetwork, Packet: raw}
}

// ProcessHandshakeResponse consumes a response to an initiation this Tunn
// sent, completing the handshake and installing the resulting session as
// current.
func (t *Tunn) ProcessHandshakeResponse(raw []byte) bool {
	msg, ok := parseMessageResponse(raw)
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hs.state != handshakeInitiationCreated || t.hs.localIndex != msg.receiver {
		return false
	}

	hash := t.hs.hash
	chainKey := t.hs.chainKey
	mixHash(&hash, &hash, msg.ephemeral[:])
	mixKey(&chainKey, &chainKey, msg.ephemeral[:])

	ss, err := t.hs.localEphemeral.SharedSecret(msg.ephemeral)
	if err != nil {
		return false
	}
	mixKey(&chainKey, &chainKey, ss[:])
	ss, err = t.staticPrivate.SharedSecret(msg.ephemeral)
	if err != nil {
		return false
	}
	mixKey(&chainKey, &chainKey, ss[:])

	var tau [32]byte
	var key [chacha20poly1305.KeySize]byte
	kdf3(&chainKey, &tau, &key, chainKey[:], t.presharedKey[:])
	mixHash(&hash, &hash, tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.empty[:], hash[:]); err != nil {
		return false
	}
	mixHash(&hash, &hash, msg.empty[:])

	t.hs.hash = hash
	t.hs.chainKey = chainKey
	t.hs.remoteIndex = msg.sender
	t.hs.state = handshakeResponseConsumed

	keypair, err := t.deriveKeypair(true)
	if err != nil {
		return false
	}
	t.keypairs.confirmFromInitiator(keypair)
	return true
}

// deriveKeypair must be called with t.mu held; it consumes and zeroes the
// handshake transcript.
func (t *Tunn) deriveKeypair(isInitiator bool) (*Keypair, error) {
	var sendKey, recvKey [chacha20poly1305.KeySize]byte
	switch t.hs.state {
	case handshakeResponseConsumed:
		kdf2(&sendKey, &recvKey, t.hs.chainKey[:], nil)
	case handshakeResponseCreated:
		kdf2(&recvKey, &sendKey, t.hs.chainKey[:], nil)
	default:
		return nil, errInvalidHandshakeState
	}

	localIndex := t.hs.localIndex
	remoteIndex := t.hs.remoteIndex
	t.hs.clear()
	t.sentLastMinuteHandshake.Store(false)

	kp := &Keypair{
		isInitiator: isInitiator,
		created:     time.Now(),
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
	}
	kp.send, _ = chacha20poly1305.New(sendKey[:])
	kp.receive, _ = chacha20poly1305.New(recvKey[:])
	kp.replayFilter.Reset()
	setZero(sendKey[:])
	setZero(recvKey[:])
	return kp, nil
}

// ProcessCookieReply consumes a load-shedding cookie reply, arming the
// generator to attach mac2 on the next handshake attempt.
func (t *Tunn) ProcessCookieReply(raw []byte) bool {
	msg, ok := parseMessageCookieReply(raw)
	if !ok {
		return false
	}
	t.mu.Lock()
	sameSession := t.hs.localIndex == msg.receiver
	t.mu.Unlock()
	if !sameSession {
		return false
	}
	return t.cookieGen.ConsumeReply(msg)
}

// Encapsulate seals plaintext for transmission using the current session.
// A nil keypair (no Op, no error) signals the caller that a handshake must
// be initiated before this peer can carry data.
func (t *Tunn) Encapsulate(plaintext []byte) Result {
	kp := t.keypairs.Current()
	if kp == nil {
		return Result{Op: OpNone}
	}
	counter := kp.sendNonce.Add(1) - 1
	if counter >= RejectAfterMessages {
		return errResult(errors.New("tunnel: session expired"))
	}

	out := make([]byte, MessageTransportHeaderSize+len(plaintext)+chacha20poly1305.Overhead)
	binary.LittleEndian.PutUint32(out[0:4], MessageTransportType)
	binary.LittleEndian.PutUint32(out[4:8], kp.remoteIndex)
	binary.LittleEndian.PutUint64(out[8:16], counter)

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	kp.send.Seal(out[MessageTransportHeaderSize:MessageTransportHeaderSize], nonce[:], plaintext, nil)

	t.txBytes.Add(uint64(len(plaintext)))
	return Result{Op: OpWriteToNetwork, Packet: out}
}

// Decapsulate opens a transport-data packet against whichever of this
// Tunn's sessions matches the embedded receiver index, validating the
// replay window and promoting a staged session to current on first use.
func (t *Tunn) Decapsulate(raw []byte) Result {
	if len(raw) < MessageTransportHeaderSize || binary.LittleEndian.Uint32(raw[0:4]) != MessageTransportType {
		return errResult(errors.New("tunnel: malformed transport packet"))
	}
	receiver := binary.LittleEndian.Uint32(raw[4:8])
	counter := binary.LittleEndian.Uint64(raw[8:16])
	ciphertext := raw[MessageTransportHeaderSize:]

	kp := t.matchKeypair(receiver)
	if kp == nil {
		return errResult(errors.New("tunnel: unknown session"))
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := kp.receive.Open(ciphertext[:0], nonce[:], ciphertext, nil)
	if err != nil {
		return errResult(errors.New("tunnel: authentication failed"))
	}
	if !kp.replayFilter.ValidateCounter(counter, RejectAfterMessages) {
		return errResult(errors.New("tunnel: replayed packet"))
	}

	t.keypairs.ReceivedWithKeypair(kp)
	t.rxBytes.Add(uint64(len(plaintext)))

	if len(plaintext) == 0 {
		return Result{Op: OpNone} // keepalive
	}
	switch plaintext[0] >> 4 {
	case 4:
		return Result{Op: OpWriteToTunnelV4, Packet: plaintext}
	case 6:
		return Result{Op: OpWriteToTunnelV6, Packet: plaintext}
	default:
		return errResult(errors.New("tunnel: unknown IP version in decapsulated packet"))
	}
}

func (t *Tunn) matchKeypair(receiver uint32) *Keypair {
	t.keypairs.mu.RLock()
	defer t.keypairs.mu.RUnlock()
	if kp := t.keypairs.current; kp != nil && kp.localIndex == receiver {
		return kp
	}
	if kp := t.keypairs.previous; kp != nil && kp.localIndex == receiver {
		return kp
	}
	if kp := t.keypairs.next.Load(); kp != nil && kp.localIndex == receiver {
		return kp
	}
	return nil
}

// HandleVerifiedPacket dispatches a packet the device has already routed to
// this Tunn by receiver index: a handshake response (which has passed the
// rate limiter's mac checks), a cookie reply, or transport data. A fresh
// handshake initiation is not handled here; the device resolves it to a
// peer first.
func (t *Tunn) HandleVerifiedPacket(raw []byte) Result {
	if len(raw) < 4 {
		return errResult(errors.New("tunnel: short packet"))
	}
	switch binary.LittleEndian.Uint32(raw[0:4]) {
	case MessageResponseType:
		if t.ProcessHandshakeResponse(raw) {
			return Result{Op: OpNone}
		}
		return errResult(errors.New("tunnel: invalid handshake response"))
	case MessageCookieReplyType:
		if t.ProcessCookieReply(raw) {
			return Result{Op: OpNone}
		}
		return errResult(errors.New("tunnel: invalid cookie reply"))
	case MessageTransportType:
		return t.Decapsulate(raw)
	default:
		return errResult(errors.New("tunnel: unexpected packet type"))
	}
}
