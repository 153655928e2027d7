// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package tickets implements probabilistic, channel backed relay payment
// tickets.
package tickets

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"

	"github.com/relaymix/relaymix/core/por"
)

const (
	// AddressLength is the length of a chain address.
	AddressLength = 20

	// ChannelIDLength is the length of a channel identifier.
	ChannelIDLength = 32

	// MaxWinProb is the encoding of a winning probability of 1.
	MaxWinProb WinProb = 1<<56 - 1
)

var (
	// ErrInvalidWinProb is returned for a probability outside (0, 1].
	ErrInvalidWinProb = errors.New("tickets: invalid winning probability")

	// ErrInvalidPrice is returned for a ticket price that is not positive.
	ErrInvalidPrice = errors.New("tickets: invalid ticket price")

	maxWinProbBig = new(big.Int).SetUint64(uint64(MaxWinProb))
)

// Address is a chain address.
type Address [AddressLength]byte

// AddressFromPublicKey returns the address of a chain public key.
func AddressFromPublicKey(pub *btcec.PublicKey) Address {
	return Address(por.Address(pub))
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero returns true iff the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ChannelID identifies a payment channel.
type ChannelID [ChannelIDLength]byte

// ChannelIDFor returns the identifier of the channel from src to dst.
func ChannelIDFor(src, dst Address) ChannelID {
	h := sha3.NewLegacyKeccak256()
	h.Write(src[:])
	h.Write(dst[:])
	var id ChannelID
	copy(id[:], h.Sum(nil))
	return id
}

func (id ChannelID) String() string {
	return hex.EncodeToString(id[:])
}

// ChannelStatus is the on-chain state of a channel.
type ChannelStatus uint8

const (
	// ChannelClosed is a channel that can no longer back tickets.
	ChannelClosed ChannelStatus = iota
	// ChannelOpen is a usable channel.
	ChannelOpen
	// ChannelPendingToClose is a channel whose closure has been initiated.
	ChannelPendingToClose
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelPendingToClose:
		return "pending-to-close"
	default:
		return "closed"
	}
}

// Channel is a snapshot of a payment channel.
type Channel struct {
	ID          ChannelID
	Source      Address
	Destination Address
	Balance     *big.Int
	Epoch       uint32
	Status      ChannelStatus
}

// IsOpen returns true iff the channel may back new tickets.
func (c *Channel) IsOpen() bool {
	return c.Status == ChannelOpen
}

// WinProb is a winning probability encoded as a 56-bit integer, where
// MaxWinProb is certainty.
type WinProb uint64

// EncodeWinProb encodes p as round(p * MaxWinProb).
func EncodeWinProb(p float64) (WinProb, error) {
	if math.IsNaN(p) || p <= 0 || p > 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidWinProb, p)
	}
	if p == 1 {
		return MaxWinProb, nil
	}
	f := new(big.Float).SetPrec(128).SetFloat64(p)
	f.Mul(f, new(big.Float).SetPrec(128).SetUint64(uint64(MaxWinProb)))
	f.Add(f, big.NewFloat(0.5))
	v, _ := f.Uint64()
	if v > uint64(MaxWinProb) {
		v = uint64(MaxWinProb)
	}
	return WinProb(v), nil
}

// Float64 returns the probability as a float.
func (w WinProb) Float64() float64 {
	return float64(w) / float64(MaxWinProb)
}

// AmountFor returns the amount of a ticket which must fund pos relays at
// the given price and winning probability, ceil(price*pos*MaxWinProb/wp).
func AmountFor(price *big.Int, pos int, wp WinProb) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if wp == 0 || wp > MaxWinProb {
		return nil, ErrInvalidWinProb
	}
	if pos < 1 {
		return nil, fmt.Errorf("tickets: invalid path position %d", pos)
	}
	num := new(big.Int).Mul(price, big.NewInt(int64(pos)))
	num.Mul(num, maxWinProbBig)
	den := new(big.Int).SetUint64(uint64(wp))

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q, nil
}

// PathPosition recovers the number of relays a ticket funds,
// floor(amount*wp/(price*MaxWinProb)).
func PathPosition(amount, price *big.Int, wp WinProb) (int, error) {
	if price == nil || price.Sign() <= 0 {
		return 0, ErrInvalidPrice
	}
	num := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(wp)))
	den := new(big.Int).Mul(price, maxWinProbBig)
	pos := num.Quo(num, den)
	if !pos.IsInt64() || pos.Int64() > math.MaxInt32 {
		return 0, fmt.Errorf("tickets: path position out of range")
	}
	return int(pos.Int64()), nil
}
