// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/utils"
)

const (
	amountLength    = 12
	indexLength     = 6
	epochLength     = 3
	winProbLength   = 7
	signatureLength = 65

	// SignedLength is the length of the signed prefix of an encoded ticket.
	SignedLength = ChannelIDLength + amountLength + indexLength + epochLength + winProbLength + por.ChallengeLength

	// EncodedLength is the length of an encoded ticket.
	EncodedLength = SignedLength + signatureLength

	// MaxIndex is the largest ticket index.
	MaxIndex = 1<<(8*indexLength) - 1

	// MaxEpoch is the largest channel epoch.
	MaxEpoch = 1<<(8*epochLength) - 1
)

var (
	// ErrInvalidSignature is returned when a ticket signature does not verify.
	ErrInvalidSignature = errors.New("tickets: invalid signature")

	errTruncated = errors.New("tickets: truncated ticket")

	maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 8*amountLength), big.NewInt(1))
)

// Ticket is a probabilistic payment for relaying one packet.
type Ticket struct {
	ChannelID    ChannelID
	Amount       *big.Int
	Index        uint64
	ChannelEpoch uint32
	WinProb      WinProb
	Challenge    por.Challenge
	Signature    [signatureLength]byte
}

// IsEmpty returns true iff b encodes the absence of a ticket.
func IsEmpty(b []byte) bool {
	return utils.CtIsZero(b)
}

func (t *Ticket) validate() error {
	if t.Amount == nil || t.Amount.Sign() < 0 || t.Amount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("tickets: amount out of range")
	}
	if t.Index > MaxIndex {
		return fmt.Errorf("tickets: index out of range")
	}
	if t.ChannelEpoch > MaxEpoch {
		return fmt.Errorf("tickets: epoch out of range")
	}
	if t.WinProb > MaxWinProb {
		return ErrInvalidWinProb
	}
	return nil
}

func (t *Ticket) signedBytes() []byte {
	b := make([]byte, SignedLength)
	off := 0
	off += copy(b[off:], t.ChannelID[:])
	t.Amount.FillBytes(b[off : off+amountLength])
	off += amountLength

	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], t.Index)
	off += copy(b[off:], tmp[8-indexLength:])
	binary.BigEndian.PutUint64(tmp[:], uint64(t.ChannelEpoch))
	off += copy(b[off:], tmp[8-epochLength:])
	binary.BigEndian.PutUint64(tmp[:], uint64(t.WinProb))
	off += copy(b[off:], tmp[8-winProbLength:])
	copy(b[off:], t.Challenge[:])
	return b
}

// Hash returns the digest the ticket signature commits to.
func (t *Ticket) Hash() ([32]byte, error) {
	var digest [32]byte
	if err := t.validate(); err != nil {
		return digest, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(t.signedBytes())
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// Sign signs the ticket with the issuer's chain key.
func (t *Ticket) Sign(key *btcec.PrivateKey) error {
	digest, err := t.Hash()
	if err != nil {
		return err
	}
	sig := ecdsa.SignCompact(key, digest[:], false)
	copy(t.Signature[:], sig)
	return nil
}

// Signer recovers the address of the key that signed the ticket.
func (t *Ticket) Signer() (Address, error) {
	digest, err := t.Hash()
	if err != nil {
		return Address{}, err
	}
	pub, _, err := ecdsa.RecoverCompact(t.Signature[:], digest[:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return AddressFromPublicKey(pub), nil
}

// MarshalBinary returns the fixed length encoding of the ticket.
func (t *Ticket) MarshalBinary() ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, EncodedLength)
	b = append(b, t.signedBytes()...)
	b = append(b, t.Signature[:]...)
	return b, nil
}

// UnmarshalBinary decodes a ticket.
func (t *Ticket) UnmarshalBinary(b []byte) error {
	if len(b) != EncodedLength {
		return errTruncated
	}
	off := 0
	off += copy(t.ChannelID[:], b[off:off+ChannelIDLength])
	t.Amount = new(big.Int).SetBytes(b[off : off+amountLength])
	off += amountLength

	var tmp [8]byte
	copy(tmp[8-indexLength:], b[off:off+indexLength])
	t.Index = binary.BigEndian.Uint64(tmp[:])
	off += indexLength

	tmp = [8]byte{}
	copy(tmp[8-epochLength:], b[off:off+epochLength])
	t.ChannelEpoch = uint32(binary.BigEndian.Uint64(tmp[:]))
	off += epochLength

	tmp = [8]byte{}
	copy(tmp[8-winProbLength:], b[off:off+winProbLength])
	t.WinProb = WinProb(binary.BigEndian.Uint64(tmp[:]))
	off += winProbLength

	off += copy(t.Challenge[:], b[off:off+por.ChallengeLength])
	copy(t.Signature[:], b[off:])
	return nil
}

// RelayEntropy is the relay's secret contribution to the winning
// condition, HMAC-SHA256(chain key, ticket hash).
func RelayEntropy(relayKey *btcec.PrivateKey, ticketHash [32]byte) [32]byte {
	keyBytes := relayKey.Serialize()
	defer utils.ExplicitBzero(keyBytes)

	m := hmac.New(sha256.New, keyBytes)
	m.Write(ticketHash[:])
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}

// Luck returns the value compared against the winning probability: the
// first 7 bytes of keccak256(ticket hash || response || relay entropy).
func Luck(ticketHash [32]byte, response *por.Response, entropy [32]byte) WinProb {
	resp := response.Bytes()
	h := sha3.NewLegacyKeccak256()
	h.Write(ticketHash[:])
	h.Write(resp[:])
	h.Write(entropy[:])
	digest := h.Sum(nil)

	var tmp [8]byte
	copy(tmp[8-winProbLength:], digest[:winProbLength])
	return WinProb(binary.BigEndian.Uint64(tmp[:]))
}

// IsWinning returns true iff the ticket, opened with response, wins for the
// relay holding relayKey.
func (t *Ticket) IsWinning(response *por.Response, relayKey *btcec.PrivateKey) (bool, error) {
	digest, err := t.Hash()
	if err != nil {
		return false, err
	}
	if t.WinProb == 0 {
		return false, nil
	}
	luck := Luck(digest, response, RelayEntropy(relayKey, digest))
	return luck <= t.WinProb, nil
}

// AcknowledgedTicket is a ticket together with the response that opens its
// challenge.
type AcknowledgedTicket struct {
	Ticket   Ticket
	Response [por.HalfKeyLength]byte
	Signer   Address
}
