// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package ticketing

import (
	"bytes"
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/relaymix/relaymix/core/log"
	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/node/chain"
)

type memStore struct {
	sync.Mutex

	acked   []*tickets.AcknowledgedTicket
	indices map[tickets.ChannelID]uint64
}

func newMemStore() *memStore {
	return &memStore{indices: make(map[tickets.ChannelID]uint64)}
}

func (s *memStore) PutAcknowledged(t *tickets.AcknowledgedTicket) error {
	s.Lock()
	defer s.Unlock()
	s.acked = append(s.acked, t)
	return nil
}

func (s *memStore) NextTicketIndex(id tickets.ChannelID) (uint64, error) {
	s.Lock()
	defer s.Unlock()
	s.indices[id]++
	return s.indices[id], nil
}

type testNode struct {
	id     packet.NodeID
	key    *btcec.PrivateKey
	addr   tickets.Address
	engine *Engine
	store  *memStore
}

type testNet struct {
	chain  *chain.Memory
	values *chain.TicketValues
}

func newTestNet(t *testing.T, winProb float64) *testNet {
	wp, err := tickets.EncodeWinProb(winProb)
	require.NoError(t, err)
	values := &chain.TicketValues{Price: big.NewInt(10), WinProb: wp}
	return &testNet{chain: chain.NewMemory(values), values: values}
}

func (n *testNet) addNode(t *testing.T, minWinProb tickets.WinProb) *testNode {
	require := require.New(t)

	pub, _, err := x25519.Scheme(rand.Reader).GenerateKeyPair()
	require.NoError(err)
	key, err := btcec.NewPrivateKey()
	require.NoError(err)

	tn := &testNode{key: key, addr: tickets.AddressFromPublicKey(key.PubKey()), store: newMemStore()}
	tn.id = n.chain.AddNode(pub, tn.addr)
	tn.engine = New(key, n.chain, tn.store, minWinProb, log.NewDiscard().GetLogger("tickets"))
	return tn
}

func randomHalfKey(t *testing.T) *por.HalfKey {
	for {
		var seed [32]byte
		_, err := rand.Read(seed[:])
		require.NoError(t, err)
		if k, err := por.HalfKeyFromSeed(seed[:]); err == nil {
			return k
		}
	}
}

func TestDecideTicketZeroHop(t *testing.T) {
	n := newTestNet(t, 1.0)
	a := n.addNode(t, 1)

	ticket, err := a.engine.DecideTicket(context.Background(), packet.NodeID{}, 0, por.Challenge{}, n.values)
	require.NoError(t, err)
	require.True(t, ticket.IsNone(), "no ticket for the destination")
}

func TestDecideTicketErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n := newTestNet(t, 1.0)
	a, b := n.addNode(t, 1), n.addNode(t, 1)

	_, err := a.engine.DecideTicket(ctx, packet.NodeID{0xff}, 1, por.Challenge{}, n.values)
	require.ErrorIs(err, packet.ErrKeyNotFound)

	_, err = a.engine.DecideTicket(ctx, b.id, 1, por.Challenge{}, n.values)
	require.ErrorIs(err, packet.ErrChannelNotFound, "no channel")

	n.chain.OpenChannel(a.addr, b.addr, big.NewInt(5))
	_, err = a.engine.DecideTicket(ctx, b.id, 1, por.Challenge{}, n.values)
	require.ErrorIs(err, ErrInsufficientBalance)

	n.chain.OpenChannel(a.addr, b.addr, big.NewInt(1000))
	n.chain.CloseChannel(a.addr, b.addr)
	_, err = a.engine.DecideTicket(ctx, b.id, 1, por.Challenge{}, n.values)
	require.ErrorIs(err, packet.ErrChannelNotFound, "closed channel")
}

func TestTicketLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n := newTestNet(t, 1.0)
	a, b := n.addNode(t, 1), n.addNode(t, 1)
	n.chain.OpenChannel(a.addr, b.addr, big.NewInt(1000))

	// b is paid for relaying to c, whose ack key opens the ticket.
	ownB, ackC := randomHalfKey(t), randomHalfKey(t)
	challenge, err := por.ChallengeFromParts(ownB, ackC.ToChallenge())
	require.NoError(err)

	opt, err := a.engine.DecideTicket(ctx, b.id, 2, challenge, n.values)
	require.NoError(err)
	ticket, err := opt.UnwrapOrErr(err)
	require.NoError(err)
	require.EqualValues(1, ticket.Index)
	require.Equal(0, ticket.Amount.Cmp(big.NewInt(20)), "price 10 for 2 relays at certainty")

	pos, err := b.engine.ValidateIncoming(ctx, a.id, ticket, ownB, ackC.ToChallenge(), n.values)
	require.NoError(err)
	require.Equal(2, pos)

	won, err := b.engine.ResolveTicket(a.id, ticket, ownB, ackC)
	require.NoError(err)
	require.True(won.IsSome(), "certain ticket wins")
	require.Len(b.store.acked, 1)
	require.Equal(a.addr, b.store.acked[0].Signer)

	// A key that does not open the challenge is an anomaly, never a win.
	won, err = b.engine.ResolveTicket(a.id, ticket, ownB, randomHalfKey(t))
	require.True(packet.IsAnomaly(err))
	require.True(won.IsNone())
}

func TestValidateIncomingRejects(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n := newTestNet(t, 0.5)
	a, b := n.addNode(t, 1), n.addNode(t, 1)
	c := n.addNode(t, 1)
	strict := n.addNode(t, tickets.MaxWinProb)
	n.chain.OpenChannel(a.addr, b.addr, big.NewInt(1000))
	n.chain.OpenChannel(a.addr, strict.addr, big.NewInt(1000))

	ownB, ackC := randomHalfKey(t), randomHalfKey(t)
	challenge, err := por.ChallengeFromParts(ownB, ackC.ToChallenge())
	require.NoError(err)
	opt, err := a.engine.DecideTicket(ctx, b.id, 1, challenge, n.values)
	require.NoError(err)
	ticket, _ := opt.UnwrapOrErr(nil)

	_, err = b.engine.ValidateIncoming(ctx, c.id, ticket, ownB, ackC.ToChallenge(), n.values)
	require.Error(err, "signer is not the previous hop")

	_, err = b.engine.ValidateIncoming(ctx, a.id, ticket, ownB, randomHalfKey(t).ToChallenge(), n.values)
	require.True(packet.IsAnomaly(err), "challenge mismatch")

	_, err = b.engine.ValidateIncoming(ctx, a.id, ticket, randomHalfKey(t), ackC.ToChallenge(), n.values)
	require.True(packet.IsAnomaly(err), "ticket for another relay")

	opt, err = a.engine.DecideTicket(ctx, strict.id, 1, challenge, n.values)
	require.NoError(err)
	ticket, _ = opt.UnwrapOrErr(nil)
	_, err = strict.engine.ValidateIncoming(ctx, a.id, ticket, ownB, ackC.ToChallenge(), n.values)
	require.Error(err, "winning probability below minimum")

	n.chain.CloseChannel(a.addr, b.addr)
	_, err = b.engine.ValidateIncoming(ctx, a.id, ticket, ownB, ackC.ToChallenge(), n.values)
	require.ErrorIs(err, packet.ErrChannelNotFound)
}

func TestResolveTicketDeterministic(t *testing.T) {
	ctx := context.Background()

	n := newTestNet(t, 0.5)
	a, b := n.addNode(t, 1), n.addNode(t, 1)
	n.chain.OpenChannel(a.addr, b.addr, new(big.Int).Lsh(big.NewInt(1), 64))

	rapid.Check(t, func(rt *rapid.T) {
		ownSeed := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "own")
		ackSeed := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "ack")
		if bytes.Equal(ownSeed, ackSeed) {
			rt.Skip("identical seeds")
		}
		own, err := por.HalfKeyFromSeed(ownSeed)
		if err != nil {
			rt.Skip("degenerate seed")
		}
		ack, err := por.HalfKeyFromSeed(ackSeed)
		if err != nil {
			rt.Skip("degenerate seed")
		}
		challenge, err := por.ChallengeFromParts(own, ack.ToChallenge())
		if err != nil {
			rt.Skip("degenerate challenge")
		}

		opt, err := a.engine.DecideTicket(ctx, b.id, 1, challenge, n.values)
		require.NoError(rt, err)
		ticket, _ := opt.UnwrapOrErr(nil)

		first, err := b.engine.ResolveTicket(a.id, ticket, own, ack)
		require.NoError(rt, err)
		second, err := b.engine.ResolveTicket(a.id, ticket, own, ack)
		require.NoError(rt, err)
		require.Equal(rt, first.IsSome(), second.IsSome())

		wrong, err := b.engine.ResolveTicket(a.id, ticket, own, own)
		require.Error(rt, err)
		require.True(rt, wrong.IsNone())
	})
}
