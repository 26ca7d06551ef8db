/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

func newHMAC(key []byte) hash.Hash {
	return hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
}

const (
	MessageInitiationType   = 1
	MessageResponseType     = 2
	MessageCookieReplyType  = 3
	MessageTransportType    = 4
	MessageInitiationSize   = 4 + 4 + KeySize + (KeySize + 16) + (12 + 16) + 16 + 16
	MessageResponseSize     = 4 + 4 + 4 + KeySize + 16 + 16 + 16
	MessageCookieReplySize  = 4 + 4 + 24 + 16 + 16
	MessageTransportHeaderSize = 4 + 4 + 8
	MessageTransportSize       = MessageTransportHeaderSize + chacha20poly1305.Overhead
)

var zeroNonce [chacha20poly1305.NonceSize]byte

type messageInitiation struct {
	sender    uint32
	ephemeral PublicKey
	static    [KeySize + 16]byte
	timestamp [tai64n.TimestampSize]byte
	mac1      [blake2s.Size128]byte
	mac2      [blake2s.Size128]byte
}

type messageResponse struct {
	sender    uint32
	receiver  uint32
	ephemeral PublicKey
	empty     [16]byte
	mac1      [blake2s.Size128]byte
	mac2      [blake2s.Size128]byte
}

type messageCookieReply struct {
	receiver uint32
	nonce    [24]byte
	cookie   [blake2s.Size128 + 16]byte
}

func (m *messageInitiation) marshal() []byte {
	b := make([]byte, MessageInitiationSize)
	binary.LittleEndian.PutUint32(b[0:4], MessageInitiationType)
	binary.LittleEndian.PutUint32(b[4:8], m.sender)
	off := 8
	copy(b[off:off+KeySize], m.ephemeral[:])
	off += KeySize
	copy(b[off:off+len(m.static)], m.static[:])
	off += len(m.static)
	copy(b[off:off+len(m.timestamp)], m.timestamp[:])
	off += len(m.timestamp)
	copy(b[off:off+blake2s.Size128], m.mac1[:])
	off += blake2s.Size128
	copy(b[off:off+blake2s.Size128], m.mac2[:])
	return b
}

func parseMessageInitiation(b []byte) (*messageInitiation, bool) {
	if len(b) != MessageInitiationSize || binary.LittleEndian.Uint32(b[0:4]) != MessageInitiationType {
		return nil, false
	}
	m := new(messageInitiation)
	m.sender = binary.LittleEndian.Uint32(b[4:8])
	off := 8
	copy(m.ephemeral[:], b[off:off+KeySize])
	off += KeySize
	copy(m.static[:], b[off:off+len(m.static)])
	off += len(m.static)
	copy(m.timestamp[:], b[off:off+len(m.timestamp)])
	off += len(m.timestamp)
	copy(m.mac1[:], b[off:off+blake2s.Size128])
	off += blake2s.Size128
	copy(m.mac2[:], b[off:off+blake2s.Size128])
	return m, true
}

func (m *messageResponse) marshal() []byte {
	b := make([]byte, MessageResponseSize)
	binary.LittleEndian.PutUint32(b[0:4], MessageResponseType)
	binary.LittleEndian.PutUint32(b[4:8], m.sender)
	binary.LittleEndian.PutUint32(b[8:12], m.receiver)
	off := 12
	copy(b[off:off+KeySize], m.ephemeral[:])
	off += KeySize
	copy(b[off:off+16], m.empty[:])
	off += 16
	copy(b[off:off+blake2s.Size128], m.mac1[:])
	off += blake2s.Size128
	copy(b[off:off+blake2s.Size128], m.mac2[:])
	return b
}

func parseMessageResponse(b []byte) (*messageResponse, bool) {
	if len(b) != MessageResponseSize || binary.LittleEndian.Uint32(b[0:4]) != MessageResponseType {
		return nil, false
	}
	m := new(messageResponse)
	m.sender = binary.LittleEndian.Uint32(b[4:8])
	m.receiver = binary.LittleEndian.Uint32(b[8:12])
	off := 12
	copy(m.ephemeral[:], b[off:off+KeySize])
	off += KeySize
	copy(m.empty[:], b[off:off+16])
	off += 16
	copy(m.mac1[:], b[off:off+blake2s.Size128])
	off += blake2s.Size128
	copy(m.mac2[:], b[off:off+blake2s.Size128])
	return m, true
}

func (m *messageCookieReply) marshal() []byte {
	b := make([]byte, MessageCookieReplySize)
	binary.LittleEndian.PutUint32(b[0:4], MessageCookieReplyType)
	binary.LittleEndian.PutUint32(b[4:8], m.receiver)
	off := 8
	copy(b[off:off+24], m.nonce[:])
	off += 24
	copy(b[off:off+len(m.cookie)], m.cookie[:])
	return b
}

func parseMessageCookieReply(b []byte) (*messageCookieReply, bool) {
	if len(b) != MessageCookieReplySize || binary.LittleEndian.Uint32(b[0:4]) != MessageCookieReplyType {
		return nil, false
	}
	m := new(messageCookieReply)
	m.receiver = binary.LittleEndian.Uint32(b[4:8])
	off := 8
	copy(m.nonce[:], b[off:off+24])
	off += 24
	copy(m.cookie[:], b[off:off+len(m.cookie)])
	return m, true
}

type handshakeState int

const (
	handshakeZeroed handshakeState = iota
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

// handshake is the mutable Noise IKpsk2 transcript for one peer session.
// It is not safe for concurrent use; callers serialize access through Tunn.mu.
type handshake struct {
	state    handshakeState
	hash     [blake2s.Size]byte
	chainKey [blake2s.Size]byte

	localEphemeral  PrivateKey
	remoteEphemeral PublicKey

	localIndex  uint32
	remoteIndex uint32

	lastTimestamp             tai64n.Timestamp
	lastInitiationConsumption time.Time
	lastSentHandshake         time.Time
}

func (hs *handshake) clear() {
	setZero(hs.hash[:])
	setZero(hs.chainKey[:])
	setZero(hs.localEphemeral[:])
	hs.state = handshakeZeroed
	hs.localIndex = 0
	hs.remoteIndex = 0
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hsh, _ := blake2s.New256(nil)
	hsh.Write(h[:])
	hsh.Write(data)
	hsh.Sum(dst[:0])
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

func hmac1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := newHMAC(key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

func hmac2(sum *[blake2s.Size]byte, key, in0, in1 []byte) {
	mac := newHMAC(key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	setZero(prk[:])
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	setZero(prk[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	hmac2(t2, prk[:], t1[:], []byte{0x3})
	setZero(prk[:])
}

var errInvalidHandshakeState = errors.New("tunnel: invalid handshake state for this operation")
