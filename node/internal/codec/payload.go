// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/sphinx/geo"
)

const (
	signalsOffset   = 0
	surbCountOffset = 1
	pseudonymOffset = 2
	dataLenOffset   = pseudonymOffset + geo.PseudonymLength

	// PayloadOverhead is the fixed prefix of every payload plaintext.
	PayloadOverhead = dataLenOffset + 2

	// MaxSurbsPerPacket is the largest number of SURBs a packet can carry.
	MaxSurbsPerPacket = math.MaxUint8
)

var errMalformedPayload = errors.New("codec: malformed payload")

// EncodedSurbLength returns the length of a SURB as carried in a payload.
func EncodedSurbLength(g *geo.Geometry) int {
	return geo.SURBIDLength + 1 + g.SURBLength + por.HalfKeyChallengeLength + por.ChallengeLength
}

// PlaintextBudget returns the number of user bytes a packet carrying nrSurbs
// SURBs can hold.  The result is negative when the SURBs alone do not fit.
func PlaintextBudget(g *geo.Geometry, nrSurbs int) int {
	n := g.ForwardPayloadLength - PayloadOverhead - nrSurbs*EncodedSurbLength(g)
	if n > math.MaxUint16 {
		n = math.MaxUint16
	}
	return n
}

type payload struct {
	signals   packet.Signals
	pseudonym packet.Pseudonym
	surbs     []*packet.Surb
	data      []byte
}

func encodeSurb(b []byte, s *packet.Surb) []byte {
	b = append(b, s.ID[:]...)
	b = append(b, s.Relays)
	b = append(b, s.Header...)
	b = append(b, s.AckChallenge[:]...)
	b = append(b, s.TicketChallenge[:]...)
	return b
}

func decodeSurb(g *geo.Geometry, b []byte) (*packet.Surb, error) {
	if len(b) != EncodedSurbLength(g) {
		return nil, fmt.Errorf("%w: truncated SURB", errMalformedPayload)
	}
	s := new(packet.Surb)
	off := copy(s.ID[:], b)
	s.Relays = b[off]
	off++
	if int(s.Relays) >= g.NrHops {
		return nil, fmt.Errorf("%w: SURB claims %d relays", errMalformedPayload, s.Relays)
	}
	s.Header = make([]byte, g.SURBLength)
	off += copy(s.Header, b[off:])

	var err error
	if s.AckChallenge, err = por.HalfKeyChallengeFromBytes(b[off : off+por.HalfKeyChallengeLength]); err != nil {
		return nil, err
	}
	off += por.HalfKeyChallengeLength
	copy(s.TicketChallenge[:], b[off:])
	return s, nil
}

// encodePayload serializes p into exactly ForwardPayloadLength bytes.
func encodePayload(g *geo.Geometry, p *payload) ([]byte, error) {
	if len(p.surbs) > MaxSurbsPerPacket {
		return nil, fmt.Errorf("%w: %d SURBs in one packet", packet.ErrInvalidState, len(p.surbs))
	}
	if budget := PlaintextBudget(g, len(p.surbs)); len(p.data) > budget {
		return nil, fmt.Errorf("%w: %d bytes exceed the budget of %d", packet.ErrInvalidState, len(p.data), budget)
	}
	if !p.signals.Valid() {
		return nil, fmt.Errorf("%w: unknown signals %#x", packet.ErrInvalidState, uint8(p.signals))
	}

	b := make([]byte, PayloadOverhead, g.ForwardPayloadLength)
	b[signalsOffset] = byte(p.signals)
	b[surbCountOffset] = byte(len(p.surbs))
	copy(b[pseudonymOffset:], p.pseudonym[:])
	binary.BigEndian.PutUint16(b[dataLenOffset:], uint16(len(p.data)))
	for _, s := range p.surbs {
		if len(s.Header) != g.SURBLength {
			return nil, fmt.Errorf("%w: SURB header is %d bytes", packet.ErrInvalidState, len(s.Header))
		}
		b = encodeSurb(b, s)
	}
	b = append(b, p.data...)
	return b[:g.ForwardPayloadLength], nil
}

func decodePayload(g *geo.Geometry, b []byte) (*payload, error) {
	if len(b) != g.ForwardPayloadLength {
		return nil, fmt.Errorf("%w: payload is %d bytes", errMalformedPayload, len(b))
	}

	p := &payload{signals: packet.Signals(b[signalsOffset])}
	if !p.signals.Valid() {
		return nil, fmt.Errorf("%w: unknown signals %#x", errMalformedPayload, b[signalsOffset])
	}
	nrSurbs := int(b[surbCountOffset])
	copy(p.pseudonym[:], b[pseudonymOffset:])
	dataLen := int(binary.BigEndian.Uint16(b[dataLenOffset:]))
	if budget := PlaintextBudget(g, nrSurbs); budget < 0 || dataLen > budget {
		return nil, fmt.Errorf("%w: %d SURBs and %d bytes do not fit", errMalformedPayload, nrSurbs, dataLen)
	}

	off := PayloadOverhead
	surbLen := EncodedSurbLength(g)
	for i := 0; i < nrSurbs; i++ {
		s, err := decodeSurb(g, b[off:off+surbLen])
		if err != nil {
			return nil, err
		}
		p.surbs = append(p.surbs, s)
		off += surbLen
	}
	p.data = make([]byte, dataLen)
	copy(p.data, b[off:])
	return p, nil
}
