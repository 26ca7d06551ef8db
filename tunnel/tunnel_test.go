/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import "testing"

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// pairedTunns builds two Tunns configured to talk to each other, as a real
// device's NewPeer calls would on each side of a link.
func pairedTunns(t *testing.T) (initiator, responder *Tunn, initiatorPk, responderPk PublicKey) {
	t.Helper()

	iSk, err := NewPrivateKey()
	assertNil(t, err)
	rSk, err := NewPrivateKey()
	assertNil(t, err)

	initiatorPk = iSk.PublicKey()
	responderPk = rSk.PublicKey()

	var psk PresharedKey
	initiator, err = NewTunn(iSk, initiatorPk, responderPk, psk, 1)
	assertNil(t, err)
	responder, err = NewTunn(rSk, responderPk, initiatorPk, psk, 2)
	assertNil(t, err)
	return
}

func TestHandshakeRoundTrip(t *testing.T) {
	initiator, responder, initiatorPk, _ := pairedTunns(t)

	initRes := initiator.FormatHandshakeInitiation()
	if initRes.Op != OpWriteToNetwork {
		t.Fatalf("expected initiation to produce a packet, got op %v (err %v)", initRes.Op, initRes.Err)
	}

	peerPk, pending, ok := ConsumeHandshakeInitiation(responder.staticPrivate, responder.staticPublic, initRes.Packet)
	if !ok {
		t.Fatal("responder failed to consume the initiation")
	}
	if peerPk != initiatorPk {
		t.Fatalf("recovered public key does not match the initiator's, got %x want %x", peerPk, initiatorPk)
	}
	if !responder.VerifyInitiationTimestamp(initRes.Packet, pending) {
		t.Fatal("responder rejected a fresh initiation timestamp")
	}

	respRes := responder.CreateMessageResponse(pending)
	if respRes.Op != OpWriteToNetwork {
		t.Fatalf("expected response to produce a packet, got op %v (err %v)", respRes.Op, respRes.Err)
	}

	if !initiator.ProcessHandshakeResponse(respRes.Packet) {
		t.Fatal("initiator failed to process the handshake response")
	}

	if initiator.keypairs.Current() == nil {
		t.Fatal("initiator has no current session after completing the handshake")
	}
}

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	initiator, responder, _, _ := pairedTunns(t)

	initRes := initiator.FormatHandshakeInitiation()
	_, pending, ok := ConsumeHandshakeInitiation(responder.staticPrivate, responder.staticPublic, initRes.Packet)
	if !ok {
		t.Fatal("responder failed to consume the initiation")
	}
	responder.VerifyInitiationTimestamp(initRes.Packet, pending)
	respRes := responder.CreateMessageResponse(pending)
	if !initiator.ProcessHandshakeResponse(respRes.Packet) {
		t.Fatal("initiator failed to process the handshake response")
	}

	plaintext := []byte{0x45, 0, 0, 28, 1, 2, 3, 4} // fake IPv4 header byte leading the payload
	encRes := initiator.Encapsulate(plaintext)
	if encRes.Op != OpWriteToNetwork {
		t.Fatalf("expected encapsulate to produce a packet, got op %v (err %v)", encRes.Op, encRes.Err)
	}

	decRes := responder.Decapsulate(encRes.Packet)
	if decRes.Op != OpWriteToTunnelV4 {
		t.Fatalf("expected decapsulate to route to the v4 tunnel, got op %v (err %v)", decRes.Op, decRes.Err)
	}
	if string(decRes.Packet) != string(plaintext) {
		t.Fatalf("decapsulated payload mismatch: got %v want %v", decRes.Packet, plaintext)
	}
}

func TestDecapsulateRejectsReplay(t *testing.T) {
	initiator, responder, _, _ := pairedTunns(t)

	initRes := initiator.FormatHandshakeInitiation()
	_, pending, _ := ConsumeHandshakeInitiation(responder.staticPrivate, responder.staticPublic, initRes.Packet)
	responder.VerifyInitiationTimestamp(initRes.Packet, pending)
	respRes := responder.CreateMessageResponse(pending)
	initiator.ProcessHandshakeResponse(respRes.Packet)

	encRes := initiator.Encapsulate([]byte{0x45, 0, 0, 0})
	// Decapsulate decrypts in place, so keep an untouched copy to replay.
	replayed := append([]byte(nil), encRes.Packet...)
	first := responder.Decapsulate(encRes.Packet)
	if first.Err != nil {
		t.Fatalf("first delivery should succeed, got %v", first.Err)
	}

	second := responder.Decapsulate(replayed)
	if second.Err == nil {
		t.Fatal("expected a replayed transport packet to be rejected")
	}
}

func TestUpdateTimersInitiatesHandshakeWhenSessionless(t *testing.T) {
	initiator, _, _, _ := pairedTunns(t)

	res := initiator.UpdateTimers()
	if res.Op != OpWriteToNetwork {
		t.Fatalf("expected UpdateTimers to start a handshake with no session yet, got op %v (err %v)", res.Op, res.Err)
	}
}
