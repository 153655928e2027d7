// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderIDBytes(t *testing.T) {
	t.Parallel()

	p, err := NewPseudonym(rand.Reader)
	require.NoError(t, err)
	id, err := NewSurbID(rand.Reader)
	require.NoError(t, err)

	s := SenderID{Pseudonym: p, SurbID: id}
	require.Equal(t, s, SenderIDFromBytes(s.Bytes()))

	m := MatchExact(s)
	require.Equal(t, p, m.Pseudonym)
	require.NotNil(t, m.ID)
	require.Equal(t, id, *m.ID)
	require.Nil(t, MatchPseudonym(p).ID)
}

func TestSignals(t *testing.T) {
	t.Parallel()

	s := SignalSurbDistress | SignalNoAckRequested
	require.True(t, s.Has(SignalSurbDistress))
	require.False(t, s.Has(SignalOutOfSurbs))
	require.True(t, s.Valid())
	require.False(t, Signals(0x80).Valid())
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("decode: %w", &UndecodableError{Err: ErrReplay})
	require.True(t, IsUndecodable(err))
	require.ErrorIs(t, err, ErrReplay)
	_, ok := AsProcessingError(err)
	require.False(t, ok)

	err = fmt.Errorf("decode: %w", &ProcessingError{Err: ErrChannelNotFound})
	require.False(t, IsUndecodable(err))
	pe, ok := AsProcessingError(err)
	require.True(t, ok)
	require.ErrorIs(t, pe, ErrChannelNotFound)

	require.True(t, IsAnomaly(&AnomalyError{Reason: "challenge mismatch"}))
	require.False(t, IsAnomaly(errors.New("plain")))
}
