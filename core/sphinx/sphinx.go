// sphinx.go - Sphinx Packet Format.
// Copyright (C) 2017  Yawning Angel.
// Copyright (C) 2026  The Relaymix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package sphinx implements the Sphinx Packet Format extended with
// per-hop proof-of-relay key material.
package sphinx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"

	"github.com/relaymix/relaymix/core/sphinx/commands"
	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/sphinx/internal/crypto"
	"github.com/relaymix/relaymix/core/utils"
)

const (
	adLength = 2

	// ReplayTagLength is the length of a packet replay tag in bytes.
	ReplayTagLength = crypto.HashLength

	// PoRSeedLength is the length of the per-hop proof-of-relay seeds.
	PoRSeedLength = crypto.PoRSeedLength
)

var (
	v0AD = [adLength]byte{0x00, 0x00}

	errTruncatedPayload = errors.New("sphinx: truncated payload")
	errInvalidTag       = errors.New("sphinx: payload auth failed")
	errInvalidPath      = errors.New("sphinx: invalid path")
)

// IsPacket returns true iff b carries the Sphinx packet version prefix.
func IsPacket(b []byte) bool {
	return len(b) >= adLength && subtle.ConstantTimeCompare(v0AD[:], b[:adLength]) == 1
}

// Sphinx is a modular implementation of the Sphinx cryptographic packet
// format that has a pluggable NIKE, non-interactive key exchange.
type Sphinx struct {
	nike     nike.Scheme
	geometry *geo.Geometry
}

// NewSphinx creates a new instance of Sphinx.
func NewSphinx(geometry *geo.Geometry) *Sphinx {
	return &Sphinx{
		nike:     geometry.Scheme(),
		geometry: geometry,
	}
}

// Geometry returns the Sphinx packet geometry.
func (s *Sphinx) Geometry() *geo.Geometry {
	return s.geometry
}

// NIKE returns the key exchange scheme.
func (s *Sphinx) NIKE() nike.Scheme {
	return s.nike
}

// PathHop describes a hop that a Sphinx Packet will traverse, along with
// all of the per-hop Commands (excluding NextNodeHop).
type PathHop struct {
	ID       [geo.NodeIDLength]byte
	Commands []commands.RoutingCommand
}

// Secrets is the per-hop key material of a single packet header.  It is
// derived before the header is assembled so that callers can compute
// commands which depend on it.
type Secrets struct {
	groupElements []nike.PublicKey
	keys          []*crypto.PacketKeys
}

// Len returns the number of hops the secrets were derived for.
func (sec *Secrets) Len() int {
	return len(sec.keys)
}

// PoRSeeds returns the proof-of-relay seeds of hop i.
func (sec *Secrets) PoRSeeds(i int) (own, ack [PoRSeedLength]byte) {
	return sec.keys[i].OwnKey, sec.keys[i].AckKey
}

// Reset clears the key material.
func (sec *Secrets) Reset() {
	for _, k := range sec.keys {
		k.Reset()
	}
}

type sprpKey struct {
	key [crypto.SPRPKeyLength]byte
	iv  [crypto.SPRPIVLength]byte
}

func (k *sprpKey) Reset() {
	utils.ExplicitBzero(k.key[:])
	utils.ExplicitBzero(k.iv[:])
}

func recoverAsError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("sphinx: group operation failed: %v", r)
	}
}

// DeriveSecrets derives the per-hop keys for a packet traversing the nodes
// with the provided public keys, in order.
func (s *Sphinx) DeriveSecrets(path []nike.PublicKey) (secrets *Secrets, err error) {
	defer recoverAsError(&err)

	nrHops := len(path)
	if nrHops < 1 || nrHops > s.geometry.NrHops {
		return nil, errInvalidPath
	}

	clientPublicKey, clientPrivateKey, err := s.nike.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer clientPrivateKey.Reset()
	defer clientPublicKey.Reset()

	secrets = &Secrets{
		groupElements: make([]nike.PublicKey, nrHops),
		keys:          make([]*crypto.PacketKeys, nrHops),
	}

	for i := 0; i < nrHops; i++ {
		sharedSecret := s.nike.DeriveSecret(clientPrivateKey, path[i])
		for j := 0; j < i; j++ {
			pubkey := s.nike.NewEmptyPublicKey()
			if err = pubkey.FromBytes(sharedSecret); err != nil {
				return nil, err
			}
			sharedSecret = s.nike.Blind(pubkey, secrets.keys[j].BlindingFactor).Bytes()
		}
		if utils.CtIsZero(sharedSecret) {
			return nil, errors.New("sphinx: degenerate shared secret")
		}
		secrets.keys[i], err = crypto.KDF(sharedSecret, s.nike)
		utils.ExplicitBzero(sharedSecret)
		if err != nil {
			return nil, err
		}

		if i > 0 {
			if err = clientPublicKey.Blind(secrets.keys[i-1].BlindingFactor); err != nil {
				return nil, err
			}
		}
		secrets.groupElements[i], err = s.nike.UnmarshalBinaryPublicKey(clientPublicKey.Bytes())
		if err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

func (s *Sphinx) commandsToBytes(cmds []commands.RoutingCommand, isTerminal bool) ([]byte, error) {
	b := make([]byte, 0, s.geometry.PerHopRoutingInfoLength)
	for _, v := range cmds {
		// NextNodeHop is generated by the header creation process.
		if _, isNextNodeHop := v.(*commands.NextNodeHop); isNextNodeHop {
			return nil, errors.New("sphinx: invalid commands, NextNodeHop")
		}
		b = v.ToBytes(b)
	}
	if len(b) > s.geometry.PerHopRoutingInfoLength {
		return nil, errors.New("sphinx: invalid commands, oversized serialized block")
	}
	if !isTerminal && cap(b)-len(b) < s.geometry.NextNodeHopLength {
		return nil, errors.New("sphinx: invalid commands, insufficient remaining capacity")
	}

	return b, nil
}

func (s *Sphinx) createHeader(secrets *Secrets, path []*PathHop) ([]byte, []*sprpKey, error) {
	nrHops := len(path)
	if nrHops < 1 || nrHops != secrets.Len() {
		return nil, nil, errInvalidPath
	}
	keys := secrets.keys

	// Derive the routing_information keystream and encrypted padding for each
	// hop.
	riKeyStream := make([][]byte, nrHops)
	riPadding := make([][]byte, nrHops)

	for i := 0; i < nrHops; i++ {
		keyStream := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
		defer utils.ExplicitBzero(keyStream)

		streamCipher := crypto.NewStream(&keys[i].HeaderEncryption, &keys[i].HeaderEncryptionIV)
		streamCipher.KeyStream(keyStream)
		streamCipher.Reset()

		ksLen := len(keyStream) - (i+1)*s.geometry.PerHopRoutingInfoLength
		riKeyStream[i] = keyStream[:ksLen]
		riPadding[i] = keyStream[ksLen:]
		if i > 0 {
			prevPadLen := len(riPadding[i-1])
			xorBytes(riPadding[i][:prevPadLen], riPadding[i][:prevPadLen], riPadding[i-1])
		}
	}

	// Create the routing_information block.
	var mac []byte
	var routingInfo []byte
	if skippedHops := s.geometry.NrHops - nrHops; skippedHops > 0 {
		routingInfo = make([]byte, skippedHops*s.geometry.PerHopRoutingInfoLength)
		if _, err := io.ReadFull(rand.Reader, routingInfo); err != nil {
			return nil, nil, err
		}
	}
	zeroBytes := make([]byte, s.geometry.PerHopRoutingInfoLength)
	for i := nrHops - 1; i >= 0; i-- {
		isTerminal := i == nrHops-1

		riFragment, err := s.commandsToBytes(path[i].Commands, isTerminal)
		if err != nil {
			return nil, nil, err
		}
		if !isTerminal {
			nextCmd := &commands.NextNodeHop{}
			copy(nextCmd.ID[:], path[i+1].ID[:])
			copy(nextCmd.MAC[:], mac)
			riFragment = nextCmd.ToBytes(riFragment)
		}
		if padLen := s.geometry.PerHopRoutingInfoLength - len(riFragment); padLen > 0 {
			riFragment = append(riFragment, zeroBytes[:padLen]...)
		}

		routingInfo = append(riFragment, routingInfo...) // Prepend
		xorBytes(routingInfo, routingInfo, riKeyStream[i])

		m := crypto.NewMAC(&keys[i].HeaderMAC)
		m.Write(v0AD[:])
		m.Write(secrets.groupElements[i].Bytes())
		m.Write(routingInfo)
		if i > 0 {
			m.Write(riPadding[i-1])
		}
		mac = m.Sum(nil)
		m.Reset()
	}

	hdr := make([]byte, 0, s.geometry.HeaderLength)
	hdr = append(hdr, v0AD[:]...)
	hdr = append(hdr, secrets.groupElements[0].Bytes()...)
	hdr = append(hdr, routingInfo...)
	hdr = append(hdr, mac...)

	sprpKeys := make([]*sprpKey, 0, nrHops)
	for i := 0; i < nrHops; i++ {
		// The header encryption IV is reused for the SPRP because the keys
		// *and* the primitives are different.
		k := new(sprpKey)
		copy(k.key[:], keys[i].PayloadEncryption[:])
		copy(k.iv[:], keys[i].HeaderEncryptionIV[:])
		sprpKeys = append(sprpKeys, k)
	}

	return hdr, sprpKeys, nil
}

// NewPacket creates a forward Sphinx packet with the provided secrets, path
// and payload.  The secrets must have been derived for the public keys of
// the path, in order.
func (s *Sphinx) NewPacket(secrets *Secrets, path []*PathHop, payload []byte) ([]byte, error) {
	if len(payload) != s.geometry.ForwardPayloadLength {
		return nil, fmt.Errorf("sphinx: invalid payload length: %d, expected %d", len(payload), s.geometry.ForwardPayloadLength)
	}

	hdr, sprpKeys, err := s.createHeader(secrets, path)
	if err != nil {
		return nil, err
	}
	for _, v := range sprpKeys {
		defer v.Reset()
	}

	pkt := make([]byte, 0, s.geometry.PacketLength)
	pkt = append(pkt, hdr...)
	pkt = append(pkt, make([]byte, s.geometry.PayloadTagLength)...)
	pkt = append(pkt, payload...)

	// Encrypt the payload.
	b := pkt[len(hdr):]
	for i := len(path) - 1; i >= 0; i-- {
		k := sprpKeys[i]
		b = crypto.SPRPEncrypt(&k.key, &k.iv, b)
	}
	copy(pkt[len(hdr):], b)

	return pkt, nil
}

// Unwrapped is the result of removing one layer of a Sphinx packet.
type Unwrapped struct {
	// Payload is the decrypted payload at a terminal hop, nil otherwise.
	Payload []byte

	// ReplayTag identifies the packet for replay detection.
	ReplayTag [ReplayTagLength]byte

	// Commands is the per-hop routing command vector.
	Commands []commands.RoutingCommand

	// NextNodeHop is set iff the packet must be forwarded.
	NextNodeHop *commands.NextNodeHop

	// ProofOfRelay is set iff the hop was given proof-of-relay values.
	ProofOfRelay *commands.ProofOfRelay

	// SURBReply is set iff the payload was generated from a SURB.
	SURBReply *commands.SURBReply

	// OwnKey and AckKey are this hop's proof-of-relay seeds.
	OwnKey [PoRSeedLength]byte
	AckKey [PoRSeedLength]byte
}

// Unwrap unwraps the provided Sphinx packet pkt in-place, using the provided
// NIKE private key.  A forwarded packet is left in pkt, ready for the next
// hop.
func (s *Sphinx) Unwrap(privKey nike.PrivateKey, pkt []byte) (u *Unwrapped, err error) {
	defer recoverAsError(&err)

	var (
		geOff      = adLength
		riOff      = geOff + s.nike.PublicKeySize()
		macOff     = riOff + s.geometry.RoutingInfoLength
		payloadOff = macOff + crypto.MACLength
	)

	if len(pkt) != s.geometry.PacketLength {
		return nil, errors.New("sphinx: invalid packet, bad length")
	}
	if !IsPacket(pkt) {
		return nil, errors.New("sphinx: invalid packet, unknown version")
	}

	groupElement, err := s.nike.UnmarshalBinaryPublicKey(pkt[geOff:riOff])
	if err != nil {
		return nil, fmt.Errorf("sphinx: failed to unmarshal group element: %w", err)
	}
	sharedSecret := s.nike.DeriveSecret(privKey, groupElement)
	defer utils.ExplicitBzero(sharedSecret)
	if utils.CtIsZero(sharedSecret) {
		return nil, errors.New("sphinx: invalid packet, degenerate group element")
	}

	keys, err := crypto.KDF(sharedSecret, s.nike)
	if err != nil {
		return nil, err
	}
	defer keys.Reset()

	m := crypto.NewMAC(&keys.HeaderMAC)
	m.Write(pkt[0:macOff])
	mac := m.Sum(nil)
	m.Reset()
	if subtle.ConstantTimeCompare(pkt[macOff:macOff+crypto.MACLength], mac) != 1 {
		return nil, errors.New("sphinx: invalid packet, MAC mismatch")
	}

	u = &Unwrapped{
		ReplayTag: crypto.Hash(groupElement.Bytes()),
		OwnKey:    keys.OwnKey,
		AckKey:    keys.AckKey,
		Commands:  make([]commands.RoutingCommand, 0, 2),
	}

	// Append padding to preserve length invariance, decrypt the (padded)
	// routing_info block, and extract the section for the current hop.
	b := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
	copy(b[:s.geometry.RoutingInfoLength], pkt[riOff:riOff+s.geometry.RoutingInfoLength])
	stream := crypto.NewStream(&keys.HeaderEncryption, &keys.HeaderEncryptionIV)
	stream.XORKeyStream(b, b)
	stream.Reset()

	newRoutingInfo := b[s.geometry.PerHopRoutingInfoLength:]
	cmdBuf := b[:s.geometry.PerHopRoutingInfoLength]

	for {
		cmd, rest, err := commands.FromBytes(cmdBuf, s.geometry)
		if err != nil {
			return nil, err
		} else if cmd == nil { // Terminal null command.
			break
		}

		switch c := cmd.(type) {
		case *commands.NextNodeHop:
			if u.NextNodeHop != nil {
				return nil, errors.New("sphinx: invalid packet, > 1 next_node")
			}
			u.NextNodeHop = c
		case *commands.ProofOfRelay:
			if u.ProofOfRelay != nil {
				return nil, errors.New("sphinx: invalid packet, > 1 proof_of_relay")
			}
			u.ProofOfRelay = c
		case *commands.SURBReply:
			if u.SURBReply != nil {
				return nil, errors.New("sphinx: invalid packet, > 1 surb_reply")
			}
			u.SURBReply = c
		}

		u.Commands = append(u.Commands, cmd)
		cmdBuf = rest
	}
	if u.NextNodeHop != nil && u.SURBReply != nil {
		return nil, errors.New("sphinx: invalid packet, surb_reply on a relay hop")
	}

	payload := crypto.SPRPDecrypt(&keys.PayloadEncryption, &keys.HeaderEncryptionIV, pkt[payloadOff:])

	// Transform the packet for forwarding to the next mix, iff the
	// routing commands vector included a NextNodeHopCommand.
	if u.NextNodeHop != nil {
		if err = groupElement.Blind(keys.BlindingFactor); err != nil {
			return nil, err
		}
		copy(pkt[geOff:riOff], groupElement.Bytes())
		copy(pkt[riOff:macOff], newRoutingInfo)
		copy(pkt[macOff:payloadOff], u.NextNodeHop.MAC[:])
		copy(pkt[payloadOff:], payload)
		return u, nil
	}

	if len(payload) < s.geometry.PayloadTagLength {
		return nil, errTruncatedPayload
	}
	// Validate the payload tag, iff this is not a SURB reply.
	if u.SURBReply == nil {
		if !utils.CtIsZero(payload[:s.geometry.PayloadTagLength]) {
			return nil, errInvalidTag
		}
		payload = payload[s.geometry.PayloadTagLength:]
	}
	u.Payload = payload

	return u, nil
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic(fmt.Sprintf("sphinx: BUG: xorBytes called with mismatched buffer sizes, got 'len(a)' %d and 'len(b)' %d", len(a), len(b)))
	}

	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}
