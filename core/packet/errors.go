// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"errors"
	"fmt"

	"github.com/relaymix/relaymix/core/por"
)

var (
	// ErrKeyNotFound is returned when a node's keys can not be resolved.
	ErrKeyNotFound = errors.New("packet: key not found")

	// ErrChannelNotFound is returned when no open channel backs a ticket.
	ErrChannelNotFound = errors.New("packet: channel not found")

	// ErrInvalidState is returned for caller misuse, such as a payload that
	// does not fit the packet.
	ErrInvalidState = errors.New("packet: invalid state")

	// ErrReplay is returned for a packet whose tag was already seen.
	ErrReplay = errors.New("packet: replayed packet")

	// ErrNoSurb is returned when no SURB matches.
	ErrNoSurb = errors.New("packet: no matching SURB")
)

// UndecodableError is a packet that failed integrity or format checks.  It
// must be dropped without an acknowledgement.
type UndecodableError struct {
	Err error
}

func (e *UndecodableError) Error() string {
	return fmt.Sprintf("undecodable packet: %v", e.Err)
}

func (e *UndecodableError) Unwrap() error {
	return e.Err
}

// ProcessingError is a packet that decoded but failed a later check.  The
// sender paid for it, so it must still be acknowledged with AckKey.
type ProcessingError struct {
	Err         error
	PreviousHop NodeID
	AckKey      *por.HalfKey
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("packet processing failed: %v", e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Acknowledgement returns the acknowledgement owed to the previous hop.
func (e *ProcessingError) Acknowledgement() *Acknowledgement {
	return &Acknowledgement{HalfKey: e.AckKey}
}

// AnomalyError reports a peer that violated the protocol, such as a
// challenge mismatch or an unexpected acknowledgement.
type AnomalyError struct {
	Peer   NodeID
	Reason string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("protocol anomaly from %s: %s", e.Peer, e.Reason)
}

// IsUndecodable returns true iff err marks an undecodable packet.
func IsUndecodable(err error) bool {
	var u *UndecodableError
	return errors.As(err, &u)
}

// AsProcessingError returns the ProcessingError in err's chain, if any.
func AsProcessingError(err error) (*ProcessingError, bool) {
	var p *ProcessingError
	ok := errors.As(err, &p)
	return p, ok
}

// IsAnomaly returns true iff err reports a protocol anomaly.
func IsAnomaly(err error) bool {
	var a *AnomalyError
	return errors.As(err, &a)
}
