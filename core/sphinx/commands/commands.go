// commands.go - Per-hop Routing Info Commands.
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

// Package commands implements the Sphinx Packet Format per-hop routing info
// commands.
package commands

import (
	"errors"

	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/sphinx/internal/crypto"
	"github.com/relaymix/relaymix/core/utils"
)

const (
	null         commandID = 0x00
	nextNodeHop  commandID = 0x01
	proofOfRelay commandID = 0x02
	surbReply    commandID = 0x03
)

var errInvalidCommand = errors.New("sphinx: invalid per-hop command")

type commandID byte

// RoutingCommand is the common interface exposed by all per-hop routing
// command structures.
type RoutingCommand interface {
	// ToBytes appends the serialized command to slice b, and returns the
	// resulting slice.
	ToBytes(b []byte) []byte
}

// FromBytes deserializes the first per-hop routing command in the buffer b,
// returning a RoutingCommand and the remaining bytes (if any), or an error.
func FromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) == 0 {
		// Treat a 0 length command as a null command.
		return
	}

	id := b[0]
	if len(b) == 1 {
		// null can have 0 body, and requires special handling.
		if commandID(id) != null {
			err = errInvalidCommand
		}
		return
	}
	b = b[1:]

	switch commandID(id) {
	case null:
		// The null command, being the terminal command is a special case.
		if !utils.CtIsZero(b) {
			err = errInvalidCommand
		}
	case nextNodeHop:
		cmd, rest, err = nextNodeHopFromBytes(b, g)
	case proofOfRelay:
		cmd, rest, err = proofOfRelayFromBytes(b, g)
	case surbReply:
		cmd, rest, err = surbReplyFromBytes(b, g)
	default:
		err = errInvalidCommand
	}
	return
}

// NextNodeHop is a de-serialized Sphinx next_node command.
type NextNodeHop struct {
	ID  [geo.NodeIDLength]byte
	MAC [crypto.MACLength]byte
}

// ToBytes appends the serialized NextNodeHop to slice b, and returns the
// resulting slice.
func (cmd *NextNodeHop) ToBytes(b []byte) []byte {
	b = append(b, byte(nextNodeHop))
	b = append(b, cmd.ID[:]...)
	b = append(b, cmd.MAC[:]...)
	return b
}

func nextNodeHopFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.NextNodeHopLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.NextNodeHopLength-1:]

	r := new(NextNodeHop)
	copy(r.ID[:], b[:g.NodeIDLength])
	copy(r.MAC[:], b[g.NodeIDLength:])
	cmd = r
	return
}

// ProofOfRelay carries the proof-of-relay values a relay needs to validate
// the ticket it was paid with and to pay the next hop.
type ProofOfRelay struct {
	// AckChallenge is the challenge of the half key the next hop will
	// reveal when it acknowledges the packet.
	AckChallenge [geo.HalfKeyChallengeLength]byte

	// NextTicketChallenge is the challenge to embed in the ticket issued to
	// the next hop, all zero if the next hop is the destination.
	NextTicketChallenge [geo.TicketChallengeLength]byte
}

// ToBytes appends the serialized ProofOfRelay to slice b, and returns the
// resulting slice.
func (cmd *ProofOfRelay) ToBytes(b []byte) []byte {
	b = append(b, byte(proofOfRelay))
	b = append(b, cmd.AckChallenge[:]...)
	b = append(b, cmd.NextTicketChallenge[:]...)
	return b
}

func proofOfRelayFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.ProofOfRelayLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.ProofOfRelayLength-1:]

	r := new(ProofOfRelay)
	copy(r.AckChallenge[:], b[:geo.HalfKeyChallengeLength])
	copy(r.NextTicketChallenge[:], b[geo.HalfKeyChallengeLength:])
	cmd = r
	return
}

// SURBReply is a de-serialized Sphinx surb-reply command.
type SURBReply struct {
	ID [geo.SenderIDLength]byte
}

// ToBytes appends the serialized SURBReply to slice b, and returns the
// resulting slice.
func (cmd *SURBReply) ToBytes(b []byte) []byte {
	b = append(b, byte(surbReply))
	b = append(b, cmd.ID[:]...)
	return b
}

func surbReplyFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.SURBReplyLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.SURBReplyLength-1:]

	r := new(SURBReply)
	copy(r.ID[:], b[:g.SenderIDLength])
	cmd = r
	return
}
