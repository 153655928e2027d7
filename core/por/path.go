// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package por

import "errors"

// HopKeys are the two half keys of one hop.
type HopKeys struct {
	Own *HalfKey
	Ack *HalfKey
}

// NewHopKeys derives the half keys of one hop from its seeds.
func NewHopKeys(ownSeed, ackSeed []byte) (*HopKeys, error) {
	own, err := HalfKeyFromSeed(ownSeed)
	if err != nil {
		return nil, err
	}
	ack, err := HalfKeyFromSeed(ackSeed)
	if err != nil {
		return nil, err
	}
	return &HopKeys{Own: own, Ack: ack}, nil
}

// RelayProof is what relay i needs: the challenge of the ack key hop i+1
// will reveal, and the ticket challenge to embed for hop i+1 (zero when hop
// i+1 is the destination).
type RelayProof struct {
	AckChallenge        HalfKeyChallenge
	NextTicketChallenge Challenge
}

// PathProof is the proof-of-relay material of an entire path.
type PathProof struct {
	// AckChallenge is the challenge of the acknowledgement the first hop
	// returns to the packet creator.
	AckChallenge HalfKeyChallenge

	// TicketChallenge is the challenge of the ticket paying the first hop,
	// zero for a single hop path.
	TicketChallenge Challenge

	// Relays holds one entry for each hop except the last.
	Relays []RelayProof
}

// NewPathProof computes the proof-of-relay material for a path whose hops
// derived the given keys, in path order.
func NewPathProof(hops []*HopKeys) (*PathProof, error) {
	k := len(hops)
	if k == 0 {
		return nil, errors.New("por: empty path")
	}

	ticketChallenge := func(i int) (Challenge, error) {
		// Hop i is a relay iff a hop follows it.
		if i >= k-1 {
			return Challenge{}, nil
		}
		return NewResponse(hops[i].Own, hops[i+1].Ack).ToChallenge()
	}

	p := &PathProof{
		AckChallenge: hops[0].Ack.ToChallenge(),
		Relays:       make([]RelayProof, k-1),
	}
	var err error
	if p.TicketChallenge, err = ticketChallenge(0); err != nil {
		return nil, err
	}
	for i := 0; i < k-1; i++ {
		p.Relays[i].AckChallenge = hops[i+1].Ack.ToChallenge()
		if p.Relays[i].NextTicketChallenge, err = ticketChallenge(i + 1); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// VerifyTicketChallenge returns true iff a relay holding own, told to expect
// an acknowledgement matching ack, was handed a ticket bound to expected.
func VerifyTicketChallenge(own *HalfKey, ack HalfKeyChallenge, expected Challenge) bool {
	c, err := ChallengeFromParts(own, ack)
	if err != nil {
		return false
	}
	return c == expected
}
