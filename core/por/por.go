// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package por implements proof-of-relay half keys and challenges over
// secp256k1.
//
// For a path h_0 .. h_{k-1} every hop derives an own half key and an ack
// half key from its Sphinx shared secret.  Hop i acknowledges a packet by
// revealing its ack key to the previous hop.  The ticket paying relay i is
// bound to the challenge (own_i + ack_{i+1})*G, so relay i can only learn the
// ticket response once hop i+1 has acknowledged.
package por

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"
)

const (
	// HalfKeyLength is the length of a serialized half key.
	HalfKeyLength = 32

	// HalfKeyChallengeLength is the length of a serialized half key challenge.
	HalfKeyChallengeLength = btcec.PubKeyBytesLenCompressed

	// ChallengeLength is the length of a ticket challenge.
	ChallengeLength = 20
)

var (
	// ErrInvalidHalfKey is returned for a scalar that is zero or not reduced.
	ErrInvalidHalfKey = errors.New("por: invalid half key")

	// ErrInvalidChallenge is returned for a challenge that is not a point.
	ErrInvalidChallenge = errors.New("por: invalid challenge")
)

// HalfKey is a proof-of-relay key share.
type HalfKey struct {
	s btcec.ModNScalar
}

// HalfKeyFromSeed derives a half key from a uniformly random seed.
func HalfKeyFromSeed(seed []byte) (*HalfKey, error) {
	if len(seed) != HalfKeyLength {
		return nil, ErrInvalidHalfKey
	}
	k := new(HalfKey)
	k.s.SetByteSlice(seed)
	if k.s.IsZero() {
		return nil, ErrInvalidHalfKey
	}
	return k, nil
}

// HalfKeyFromBytes parses a serialized half key.
func HalfKeyFromBytes(b []byte) (*HalfKey, error) {
	if len(b) != HalfKeyLength {
		return nil, ErrInvalidHalfKey
	}
	k := new(HalfKey)
	if overflow := k.s.SetByteSlice(b); overflow || k.s.IsZero() {
		return nil, ErrInvalidHalfKey
	}
	return k, nil
}

// Bytes returns the serialized half key.
func (k *HalfKey) Bytes() [HalfKeyLength]byte {
	return k.s.Bytes()
}

// Equal returns true iff both half keys are the same scalar.
func (k *HalfKey) Equal(other *HalfKey) bool {
	return k.s.Equals(&other.s)
}

// Reset zeroes the half key.
func (k *HalfKey) Reset() {
	k.s.Zero()
}

// ToChallenge returns the commitment k*G.
func (k *HalfKey) ToChallenge() HalfKeyChallenge {
	var p btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&k.s, &p)
	p.ToAffine()

	var c HalfKeyChallenge
	copy(c[:], btcec.NewPublicKey(&p.X, &p.Y).SerializeCompressed())
	return c
}

// HalfKeyChallenge is the commitment to a half key.
type HalfKeyChallenge [HalfKeyChallengeLength]byte

// HalfKeyChallengeFromBytes parses and validates a serialized challenge.
func HalfKeyChallengeFromBytes(b []byte) (HalfKeyChallenge, error) {
	var c HalfKeyChallenge
	if len(b) != HalfKeyChallengeLength {
		return c, ErrInvalidChallenge
	}
	copy(c[:], b)
	if _, err := c.PublicKey(); err != nil {
		return c, err
	}
	return c, nil
}

// PublicKey returns the challenge as a curve point.
func (c HalfKeyChallenge) PublicKey() (*btcec.PublicKey, error) {
	pk, err := btcec.ParsePubKey(c[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	return pk, nil
}

// Verify returns true iff the challenge commits to k.
func (c HalfKeyChallenge) Verify(k *HalfKey) bool {
	expected := k.ToChallenge()
	return subtle.ConstantTimeCompare(c[:], expected[:]) == 1
}

// Challenge is the address form of a proof-of-relay point, as embedded in a
// ticket.
type Challenge [ChallengeLength]byte

// IsZero returns true iff the challenge is unset.
func (c Challenge) IsZero() bool {
	return c == Challenge{}
}

// Response is the sum of an own and an ack half key, which opens a ticket
// challenge.
type Response struct {
	s btcec.ModNScalar
}

// NewResponse returns own + ack.
func NewResponse(own, ack *HalfKey) *Response {
	r := new(Response)
	r.s.Add2(&own.s, &ack.s)
	return r
}

// Bytes returns the serialized response.
func (r *Response) Bytes() [HalfKeyLength]byte {
	return r.s.Bytes()
}

// ToChallenge returns the ticket challenge opened by this response.
func (r *Response) ToChallenge() (Challenge, error) {
	if r.s.IsZero() {
		return Challenge{}, ErrInvalidHalfKey
	}
	var p btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&r.s, &p)
	p.ToAffine()
	return Challenge(Address(btcec.NewPublicKey(&p.X, &p.Y))), nil
}

// ChallengeFromParts returns the ticket challenge own*G + ack without
// knowing the ack half key itself.
func ChallengeFromParts(own *HalfKey, ack HalfKeyChallenge) (Challenge, error) {
	ackPub, err := ack.PublicKey()
	if err != nil {
		return Challenge{}, err
	}

	var ownPoint, ackPoint, sum btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&own.s, &ownPoint)
	ackPub.AsJacobian(&ackPoint)
	btcec.AddNonConst(&ownPoint, &ackPoint, &sum)
	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return Challenge{}, ErrInvalidChallenge
	}
	sum.ToAffine()
	return Challenge(Address(btcec.NewPublicKey(&sum.X, &sum.Y))), nil
}

// Address returns the last 20 bytes of the keccak256 digest of the
// uncompressed public key, without its prefix byte.
func Address(pub *btcec.PublicKey) [ChallengeLength]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	digest := h.Sum(nil)

	var a [ChallengeLength]byte
	copy(a[:], digest[len(digest)-ChallengeLength:])
	return a
}
