// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package geo describes the byte geometry of a Sphinx packet.
package geo

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/relaymix/relaymix/core/sphinx/internal/crypto"
)

const (
	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength = 32

	// PseudonymLength is the sender pseudonym length in bytes.
	PseudonymLength = 16

	// SURBIDLength is the SURB identifier length in bytes.
	SURBIDLength = 8

	// SenderIDLength is the length of a pseudonym and SURB id pair.
	SenderIDLength = PseudonymLength + SURBIDLength

	// HalfKeyChallengeLength is the length of a compressed secp256k1 point.
	HalfKeyChallengeLength = 33

	// TicketChallengeLength is the length of the address form of a challenge.
	TicketChallengeLength = 20

	// MaxNrHops is the largest path length supported.
	MaxNrHops = 8

	adLength = 2

	// payloadTagLength is the length of the Sphinx packet payload SPRP tag.
	payloadTagLength = 32

	nextNodeHopLength = 1 + NodeIDLength + crypto.MACLength
	proofOfRelayLength = 1 + HalfKeyChallengeLength + TicketChallengeLength
	surbReplyLength    = 1 + SenderIDLength
)

var errInvalidGeometry = errors.New("geo: invalid geometry")

// Geometry describes the geometry of a Sphinx packet.
type Geometry struct {

	// PacketLength is the length of a packet.
	PacketLength int

	// NrHops is the number of hops, this indicates the size
	// of the Sphinx packet header.
	NrHops int

	// HeaderLength is the length of the Sphinx packet header in bytes.
	HeaderLength int

	// RoutingInfoLength is the length of the routing info portion of the header.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// SURBLength is the length of SURB.
	SURBLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the payload.
	ForwardPayloadLength int

	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength int

	// SenderIDLength is the length of the identifier carried by a
	// SURBReply command.
	SenderIDLength int

	// NextNodeHopLength is the length of a serialized NextNodeHop command.
	NextNodeHopLength int

	// ProofOfRelayLength is the length of a serialized ProofOfRelay command.
	// A relay hop carries exactly one NextNodeHop and one ProofOfRelay,
	// which is the largest routing info block we expect to encounter.
	ProofOfRelayLength int

	// SURBReplyLength is the length of a serialized SURBReply command.
	SURBReplyLength int

	// SPRPKeyMaterialLength is the length of the SPRP key and IV.
	SPRPKeyMaterialLength int

	// NIKEName is the name of the NIKE scheme used by the Sphinx packet.
	NIKEName string
}

// Scheme returns the NIKE scheme named by the geometry.
func (g *Geometry) Scheme() nike.Scheme {
	if g.NIKEName != "x25519" {
		panic("geo: unsupported NIKE scheme: " + g.NIKEName)
	}
	return x25519.Scheme(rand.Reader)
}

// Validate returns an error if the geometry is internally inconsistent.
func (g *Geometry) Validate() error {
	if g == nil {
		return errInvalidGeometry
	}
	if g.NrHops < 1 || g.NrHops > MaxNrHops {
		return fmt.Errorf("%w: NrHops %d out of range [1, %d]", errInvalidGeometry, g.NrHops, MaxNrHops)
	}
	if g.ForwardPayloadLength <= 0 {
		return fmt.Errorf("%w: ForwardPayloadLength must be positive", errInvalidGeometry)
	}
	if g.NIKEName == "" {
		return fmt.Errorf("%w: NIKEName not set", errInvalidGeometry)
	}
	want := GeometryFromForwardPayloadLength(g.Scheme(), g.ForwardPayloadLength, g.NrHops)
	if *want != *g {
		return fmt.Errorf("%w: derived lengths do not match", errInvalidGeometry)
	}
	return nil
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("sphinx_packet_geometry:\n")
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("number of hops: %d\n", g.NrHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("payload tag size: %d\n", g.PayloadTagLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	b.WriteString(fmt.Sprintf("per hop routing info size: %d\n", g.PerHopRoutingInfoLength))
	b.WriteString(fmt.Sprintf("surb size: %d\n", g.SURBLength))
	return b.String()
}

// Display returns the geometry encoded as TOML.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	encoder := toml.NewEncoder(buf)
	err := encoder.Encode(g)
	if err != nil {
		panic(err)
	}
	return buf.String()
}

type geometryFactory struct {
	nike                 nike.Scheme
	nrHops               int
	forwardPayloadLength int
}

func (f *geometryFactory) perHopRoutingInfoLength() int {
	return nextNodeHopLength + proofOfRelayLength
}

func (f *geometryFactory) routingInfoLength() int {
	return f.perHopRoutingInfoLength() * f.nrHops
}

func (f *geometryFactory) headerLength() int {
	return adLength + f.nike.PublicKeySize() + f.routingInfoLength() + crypto.MACLength
}

func (f *geometryFactory) packetLength() int {
	return f.headerLength() + payloadTagLength + f.forwardPayloadLength
}

func (f *geometryFactory) surbLength() int {
	return f.headerLength() + NodeIDLength + crypto.SPRPKeyLength + crypto.SPRPIVLength
}

// GeometryFromForwardPayloadLength returns the geometry of a packet with the
// given payload length and maximum path length.
func GeometryFromForwardPayloadLength(nike nike.Scheme, forwardPayloadLength, nrHops int) *Geometry {
	f := &geometryFactory{
		nike:                 nike,
		nrHops:               nrHops,
		forwardPayloadLength: forwardPayloadLength,
	}
	return &Geometry{
		NrHops:                  nrHops,
		HeaderLength:            f.headerLength(),
		PacketLength:            f.packetLength(),
		SURBLength:              f.surbLength(),
		ForwardPayloadLength:    forwardPayloadLength,
		PayloadTagLength:        payloadTagLength,
		RoutingInfoLength:       f.routingInfoLength(),
		PerHopRoutingInfoLength: f.perHopRoutingInfoLength(),
		NodeIDLength:            NodeIDLength,
		SenderIDLength:          SenderIDLength,
		NextNodeHopLength:       nextNodeHopLength,
		ProofOfRelayLength:      proofOfRelayLength,
		SURBReplyLength:         surbReplyLength,
		SPRPKeyMaterialLength:   crypto.SPRPKeyLength + crypto.SPRPIVLength,
		NIKEName:                nike.Name(),
	}
}
