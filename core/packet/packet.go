// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet defines the data model shared by the packet pipeline.
package packet

import (
	"encoding/hex"
	"io"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"

	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/tickets"
)

// NodeID identifies a node by the digest of its packet key.
type NodeID [geo.NodeIDLength]byte

// NodeIDFromPublicKey returns the identifier of the node owning pub.
func NodeIDFromPublicKey(pub nike.PublicKey) NodeID {
	return NodeID(hash.Sum256(pub.Bytes()))
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:8])
}

// Pseudonym is an unlinkable per-conversation sender identifier.
type Pseudonym [geo.PseudonymLength]byte

// NewPseudonym samples a fresh pseudonym from r.
func NewPseudonym(r io.Reader) (Pseudonym, error) {
	var p Pseudonym
	_, err := io.ReadFull(r, p[:])
	return p, err
}

func (p Pseudonym) String() string {
	return hex.EncodeToString(p[:])
}

// SurbID identifies one SURB of a pseudonym.
type SurbID [geo.SURBIDLength]byte

// SenderID identifies a SURB globally.
type SenderID struct {
	Pseudonym Pseudonym
	SurbID    SurbID
}

// Bytes returns the serialized sender id.
func (s SenderID) Bytes() [geo.SenderIDLength]byte {
	var b [geo.SenderIDLength]byte
	copy(b[:], s.Pseudonym[:])
	copy(b[geo.PseudonymLength:], s.SurbID[:])
	return b
}

// SenderIDFromBytes parses a serialized sender id.
func SenderIDFromBytes(b [geo.SenderIDLength]byte) SenderID {
	var s SenderID
	copy(s.Pseudonym[:], b[:geo.PseudonymLength])
	copy(s.SurbID[:], b[geo.PseudonymLength:])
	return s
}

// PacketTag is the replay tag of a packet.
type PacketTag [32]byte

// Signals are protocol flags carried end to end in the payload.
type Signals uint8

const (
	// SignalSurbDistress asks the peer to send more SURBs.
	SignalSurbDistress Signals = 1 << iota
	// SignalOutOfSurbs tells the peer the last SURB was just used.
	SignalOutOfSurbs
	// SignalNoAckRequested tells the recipient no acknowledgement is wanted.
	SignalNoAckRequested

	allSignals = SignalSurbDistress | SignalOutOfSurbs | SignalNoAckRequested
)

// Has returns true iff every flag in f is set.
func (s Signals) Has(f Signals) bool {
	return s&f == f
}

// Valid returns true iff only known flags are set.
func (s Signals) Valid() bool {
	return s&^allSignals == 0
}

// Surb is a single use reply block together with the proof-of-relay values
// the replier needs to pay the first hop of the return path.
type Surb struct {
	ID SurbID

	// Relays is the number of relays on the return path.
	Relays uint8

	// Header is the opaque Sphinx SURB.
	Header []byte

	// AckChallenge is the acknowledgement the replier should expect from
	// the first hop.
	AckChallenge por.HalfKeyChallenge

	// TicketChallenge is the challenge of the ticket for the first hop.
	TicketChallenge por.Challenge
}

// ReplyOpener is the secret that decrypts a reply sent with a SURB.
type ReplyOpener struct {
	Keys []byte
}

// Size implements the cache value interface, one unit per opener.
func (o *ReplyOpener) Size() (uint64, error) {
	return 1, nil
}

// SurbMatcher selects a stored SURB.
type SurbMatcher struct {
	Pseudonym Pseudonym

	// ID, if set, selects one specific SURB.
	ID *SurbID
}

// MatchPseudonym matches the oldest SURB of p.
func MatchPseudonym(p Pseudonym) SurbMatcher {
	return SurbMatcher{Pseudonym: p}
}

// MatchExact matches exactly the SURB identified by s.
func MatchExact(s SenderID) SurbMatcher {
	id := s.SurbID
	return SurbMatcher{Pseudonym: s.Pseudonym, ID: &id}
}

// FoundSurb is a SURB removed from the store.
type FoundSurb struct {
	SenderID  SenderID
	Surb      *Surb
	Remaining int

	// Distress is set on the lookup that took the remaining count at or
	// below the distress threshold.
	Distress bool
}

// Routing describes how an outgoing packet is routed.
type Routing interface {
	isRouting()
}

// ForwardRouting routes a packet along an explicit path, optionally
// carrying SURBs built from return paths.
type ForwardRouting struct {
	Path        []NodeID
	Pseudonym   Pseudonym
	ReturnPaths [][]NodeID
}

func (*ForwardRouting) isRouting() {}

// ReplyRouting routes a packet with a stored SURB.
type ReplyRouting struct {
	Pseudonym Pseudonym
	Matcher   SurbMatcher
}

func (*ReplyRouting) isRouting() {}

// Acknowledgement reveals the half key of the acknowledging hop.
type Acknowledgement struct {
	HalfKey *por.HalfKey
}

// Challenge returns the challenge the acknowledgement opens.
func (a *Acknowledgement) Challenge() por.HalfKeyChallenge {
	return a.HalfKey.ToChallenge()
}

// IncomingPacket is the verdict of decoding one packet: a *FinalPacket, a
// *ForwardedPacket or an *AcknowledgementPacket.
type IncomingPacket interface {
	isIncoming()
}

// ReceivedSurb is a SURB recovered from a final packet.
type ReceivedSurb struct {
	SenderID SenderID
	Surb     *Surb
}

// FinalPacket is a packet destined for this node.
type FinalPacket struct {
	PreviousHop NodeID
	Pseudonym   Pseudonym
	Plaintext   []byte
	Signals     Signals
	Surbs       []*ReceivedSurb

	// ReplyTo is set when the packet is a reply sent with one of our SURBs.
	ReplyTo *SenderID

	// AckKey acknowledges the packet to the previous hop.
	AckKey *por.HalfKey
}

func (*FinalPacket) isIncoming() {}

// Acknowledgement returns the acknowledgement owed to the previous hop.
func (p *FinalPacket) Acknowledgement() *Acknowledgement {
	return &Acknowledgement{HalfKey: p.AckKey}
}

// ForwardedPacket is a packet this node relays.
type ForwardedPacket struct {
	PreviousHop NodeID
	NextHop     NodeID
	Data        []byte

	// AckKey acknowledges the packet to the previous hop.
	AckKey *por.HalfKey

	// The remaining fields let the relay resolve the ticket it was paid
	// with once the next hop acknowledges.
	NextAckChallenge por.HalfKeyChallenge
	Ticket           *tickets.Ticket
	OwnKey           *por.HalfKey
}

func (*ForwardedPacket) isIncoming() {}

// Acknowledgement returns the acknowledgement owed to the previous hop.
func (p *ForwardedPacket) Acknowledgement() *Acknowledgement {
	return &Acknowledgement{HalfKey: p.AckKey}
}

// AcknowledgementPacket carries an acknowledgement from the next hop.
type AcknowledgementPacket struct {
	PreviousHop NodeID
	Ack         *Acknowledgement
}

func (*AcknowledgementPacket) isIncoming() {}

// OutgoingPacket is a packet ready for the transport.
type OutgoingPacket struct {
	NextHop      NodeID
	AckChallenge por.HalfKeyChallenge
	Data         []byte
}

// NewSurbID samples a fresh SURB id from r.
func NewSurbID(r io.Reader) (SurbID, error) {
	var id SurbID
	_, err := io.ReadFull(r, id[:])
	return id, err
}
