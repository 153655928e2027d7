// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package codec

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/relaymix/relaymix/core/log"
	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/node/chain"
	"github.com/relaymix/relaymix/node/config"
	"github.com/relaymix/relaymix/node/internal/replay"
	"github.com/relaymix/relaymix/node/internal/surbstore"
	"github.com/relaymix/relaymix/node/internal/ticketing"
	"github.com/relaymix/relaymix/node/ticketdb"
)

const (
	testMaxHops = 4
	testPayload = 1024
)

type testNode struct {
	id     packet.NodeID
	addr   tickets.Address
	engine *ticketing.Engine
	surbs  *surbstore.Store
	db     *ticketdb.DB
	codec  *Codec
}

type testNet struct {
	chain *chain.Memory
	geo   *geo.Geometry
	nodes []*testNode
}

func newTestNet(t *testing.T, n int) *testNet {
	require := require.New(t)

	wp, err := tickets.EncodeWinProb(1.0)
	require.NoError(err)
	net := &testNet{
		chain: chain.NewMemory(&chain.TicketValues{Price: big.NewInt(1), WinProb: wp}),
		geo:   (&config.Sphinx{MaxHops: testMaxHops, ForwardPayloadLength: testPayload}).Geometry(),
	}
	logBackend := log.NewDiscard()

	for i := 0; i < n; i++ {
		pub, priv, err := x25519.Scheme(rand.Reader).GenerateKeyPair()
		require.NoError(err)
		key, err := btcec.NewPrivateKey()
		require.NoError(err)
		db, err := ticketdb.New(filepath.Join(t.TempDir(), fmt.Sprintf("tickets-%d.db", i)))
		require.NoError(err)
		t.Cleanup(db.Close)
		filter, err := replay.New(16, 0.001, logBackend.GetLogger("replay"))
		require.NoError(err)

		tn := &testNode{
			addr: tickets.AddressFromPublicKey(key.PubKey()),
			db:   db,
			surbs: surbstore.New(&config.SurbCache{
				RbCapacity:          16,
				DistressThreshold:   2,
				ReplyOpenerCapacity: 16,
				MaxPseudonyms:       16,
			}, logBackend.GetLogger("surbs")),
		}
		tn.id = net.chain.AddNode(pub, tn.addr)
		tn.engine = ticketing.New(key, net.chain, db, 1, logBackend.GetLogger("tickets"))
		tn.codec = New(net.geo, priv, net.chain, tn.engine, tn.surbs, filter, logBackend.GetLogger("codec"))
		net.nodes = append(net.nodes, tn)
	}

	balance := new(big.Int).Lsh(big.NewInt(1), 40)
	for _, a := range net.nodes {
		for _, b := range net.nodes {
			if a != b {
				net.chain.OpenChannel(a.addr, b.addr, balance)
			}
		}
	}
	return net
}

func ids(nodes ...*testNode) []packet.NodeID {
	out := make([]packet.NodeID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.id)
	}
	return out
}

func TestGeometry(t *testing.T) {
	require := require.New(t)

	g := (&config.Sphinx{MaxHops: 4, ForwardPayloadLength: 2048}).Geometry()
	require.Equal(2542, g.PacketLength)
	require.Equal(558, g.SURBLength)
	require.Equal(2687, FrameLength(g))
	require.Equal(620, EncodedSurbLength(g))
	require.Equal(2028, PlaintextBudget(g, 0))
	require.Equal(2028-3*620, PlaintextBudget(g, 3))
}

func TestForwardThreeHops(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 4)
	s, a, b, d := net.nodes[0], net.nodes[1], net.nodes[2], net.nodes[3]
	msg := []byte("three hops and two tickets")

	out, err := s.codec.EncodeForward(ctx, msg, &packet.ForwardRouting{Path: ids(a, b, d)}, 0)
	require.NoError(err)
	require.Equal(a.id, out.NextHop)
	require.Len(out.Data, s.codec.FrameLength())
	require.False(tickets.IsEmpty(out.Data[net.geo.PacketLength:]), "first relay is paid")

	in, err := a.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	fwdA, ok := in.(*packet.ForwardedPacket)
	require.True(ok)
	require.Equal(b.id, fwdA.NextHop)
	require.Equal(out.AckChallenge, fwdA.AckKey.ToChallenge(), "first hop acknowledges the sender")
	signer, err := fwdA.Ticket.Signer()
	require.NoError(err)
	require.Equal(s.addr, signer)
	require.Len(fwdA.Data, s.codec.FrameLength())

	in, err = b.codec.Decode(ctx, a.id, fwdA.Data)
	require.NoError(err)
	fwdB, ok := in.(*packet.ForwardedPacket)
	require.True(ok)
	require.Equal(d.id, fwdB.NextHop)
	require.Equal(fwdA.NextAckChallenge, fwdB.AckKey.ToChallenge())
	require.True(tickets.IsEmpty(fwdB.Data[net.geo.PacketLength:]), "the destination is not paid")

	in, err = d.codec.Decode(ctx, b.id, fwdB.Data)
	require.NoError(err)
	final, ok := in.(*packet.FinalPacket)
	require.True(ok)
	require.Equal(msg, final.Plaintext)
	require.Equal(b.id, final.PreviousHop)
	require.Nil(final.ReplyTo)
	require.Equal(fwdB.NextAckChallenge, final.AckKey.ToChallenge())

	// Both relays open their tickets with the next hop's acknowledgement.
	won, err := a.engine.ResolveTicket(b.id, fwdA.Ticket, fwdA.OwnKey, fwdB.AckKey)
	require.NoError(err)
	require.True(won.IsSome())
	won, err = b.engine.ResolveTicket(d.id, fwdB.Ticket, fwdB.OwnKey, final.AckKey)
	require.NoError(err)
	require.True(won.IsSome())
}

func TestZeroHop(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 2)
	s, d := net.nodes[0], net.nodes[1]

	out, err := s.codec.EncodeForward(ctx, []byte("direct"), &packet.ForwardRouting{Path: ids(d)}, packet.SignalNoAckRequested)
	require.NoError(err)
	require.True(tickets.IsEmpty(out.Data[net.geo.PacketLength:]), "no ticket for the destination")

	in, err := d.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	final, ok := in.(*packet.FinalPacket)
	require.True(ok)
	require.Equal([]byte("direct"), final.Plaintext)
	require.True(final.Signals.Has(packet.SignalNoAckRequested))
	require.Equal(out.AckChallenge, final.AckKey.ToChallenge())
}

func TestReplayIsUndecodable(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 2)
	s, d := net.nodes[0], net.nodes[1]

	out, err := s.codec.EncodeForward(ctx, []byte("once"), &packet.ForwardRouting{Path: ids(d)}, 0)
	require.NoError(err)
	frame := bytes.Clone(out.Data)

	_, err = d.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	_, err = d.codec.Decode(ctx, s.id, frame)
	require.True(packet.IsUndecodable(err))
	require.ErrorIs(err, packet.ErrReplay)
}

func TestUndecodable(t *testing.T) {
	ctx := context.Background()
	flip := func(b []byte, off int) []byte {
		b[off] ^= 0x01
		return b
	}

	for name, setup := range map[string]func(t *testing.T, net *testNet) (*testNode, []byte){
		"short frame": func(t *testing.T, net *testNet) (*testNode, []byte) {
			return net.nodes[0], make([]byte, 10)
		},
		"random packet": func(t *testing.T, net *testNet) (*testNode, []byte) {
			junk := make([]byte, net.nodes[0].codec.FrameLength())
			_, err := rand.Read(junk[2:])
			require.NoError(t, err)
			return net.nodes[0], junk
		},
		"tampered reply payload": func(t *testing.T, net *testNet) (*testNode, []byte) {
			frame, _ := replyToSender(t, net, []byte("pong"))
			return net.nodes[0], flip(frame, net.geo.PacketLength-1)
		},
		"tampered embedded SURB": func(t *testing.T, net *testNet) (*testNode, []byte) {
			s, a, d := net.nodes[0], net.nodes[1], net.nodes[2]
			out, err := s.codec.EncodeForward(ctx, nil, &packet.ForwardRouting{
				Path:        ids(d),
				ReturnPaths: [][]packet.NodeID{ids(a, s)},
			}, 0)
			require.NoError(t, err)
			off := net.geo.PacketLength - net.geo.ForwardPayloadLength + PayloadOverhead + 1
			return d, flip(out.Data, off)
		},
	} {
		t.Run(name, func(t *testing.T) {
			net := newTestNet(t, 3)
			n, frame := setup(t, net)
			_, err := n.codec.Decode(ctx, packet.NodeID{}, frame)
			require.True(t, packet.IsUndecodable(err), "%v", err)
			_, ok := packet.AsProcessingError(err)
			require.False(t, ok, "undecodable frames are not acknowledged")
		})
	}
}

func TestMalformedSurbIsProcessingError(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 2)
	s, d := net.nodes[0], net.nodes[1]

	hp, err := s.codec.buildPath(ctx, ids(d))
	require.NoError(err)
	defer hp.secrets.Reset()

	bad := &packet.Surb{Header: make([]byte, net.geo.SURBLength)}
	for i := range bad.AckChallenge {
		bad.AckChallenge[i] = 0xff
	}
	pt, err := encodePayload(net.geo, &payload{surbs: []*packet.Surb{bad}})
	require.NoError(err)
	pkt, err := s.codec.sphinx.NewPacket(hp.secrets, hp.hops, pt)
	require.NoError(err)
	frame, err := s.codec.frame(pkt, nil)
	require.NoError(err)

	// The payload is authentic, so the sender is still owed its
	// acknowledgement.
	_, err = d.codec.Decode(ctx, s.id, frame)
	pErr, ok := packet.AsProcessingError(err)
	require.True(ok, "%v", err)
	require.False(packet.IsUndecodable(err))
	require.Equal(hp.proof.AckChallenge, pErr.Acknowledgement().Challenge())
}

func TestAcknowledgementFrame(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 2)
	s, d := net.nodes[0], net.nodes[1]

	out, err := s.codec.EncodeForward(ctx, nil, &packet.ForwardRouting{Path: ids(d)}, 0)
	require.NoError(err)
	in, err := d.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	final := in.(*packet.FinalPacket)

	frame, err := d.codec.EncodeAcknowledgement(final.Acknowledgement())
	require.NoError(err)
	require.Len(frame, d.codec.FrameLength())

	in, err = s.codec.Decode(ctx, d.id, frame)
	require.NoError(err)
	ack, ok := in.(*packet.AcknowledgementPacket)
	require.True(ok)
	require.Equal(d.id, ack.PreviousHop)
	require.Equal(out.AckChallenge, ack.Ack.Challenge())

	_, err = s.codec.Decode(ctx, d.id, frame)
	require.True(packet.IsUndecodable(err), "acknowledgements are replay checked too")
}

func TestBudget(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 3)
	s, a, d := net.nodes[0], net.nodes[1], net.nodes[2]
	r := &packet.ForwardRouting{Path: ids(a, d), ReturnPaths: [][]packet.NodeID{ids(a, s)}}

	budget := s.codec.PlaintextBudget(1)
	_, err := s.codec.EncodeForward(ctx, make([]byte, budget+1), r, 0)
	require.ErrorIs(err, packet.ErrInvalidState)

	idx, err := s.db.NextTicketIndex(tickets.ChannelIDFor(s.addr, a.addr))
	require.NoError(err)
	require.EqualValues(1, idx, "a rejected payload issues no ticket")

	out, err := s.codec.EncodeForward(ctx, make([]byte, budget), r, 0)
	require.NoError(err)
	require.Len(out.Data, s.codec.FrameLength())
}

func TestUnknownHop(t *testing.T) {
	net := newTestNet(t, 1)
	_, err := net.nodes[0].codec.EncodeForward(context.Background(), nil, &packet.ForwardRouting{Path: []packet.NodeID{{0x42}}}, 0)
	require.ErrorIs(t, err, packet.ErrKeyNotFound)
}

func TestUnpaidRelay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 3)
	s, a, d := net.nodes[0], net.nodes[1], net.nodes[2]

	out, err := s.codec.EncodeForward(ctx, nil, &packet.ForwardRouting{Path: ids(a, d)}, 0)
	require.NoError(err)
	clear(out.Data[net.geo.PacketLength:])

	_, err = a.codec.Decode(ctx, s.id, out.Data)
	pErr, ok := packet.AsProcessingError(err)
	require.True(ok)
	require.False(packet.IsUndecodable(err))
	require.Equal(s.id, pErr.PreviousHop)
	require.Equal(out.AckChallenge, pErr.Acknowledgement().Challenge(), "unpaid packets are still acknowledged")
}

func TestReplyWithSurb(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 3)
	s, a, d := net.nodes[0], net.nodes[1], net.nodes[2]
	pseudonym, err := packet.NewPseudonym(rand.Reader)
	require.NoError(err)

	out, err := s.codec.EncodeForward(ctx, []byte("ping"), &packet.ForwardRouting{
		Path:        ids(d),
		Pseudonym:   pseudonym,
		ReturnPaths: [][]packet.NodeID{ids(a, s)},
	}, 0)
	require.NoError(err)

	in, err := d.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	final := in.(*packet.FinalPacket)
	require.Equal(pseudonym, final.Pseudonym)
	require.Len(final.Surbs, 1)
	require.EqualValues(1, final.Surbs[0].Surb.Relays)
	d.surbs.InsertSurbs(final.Pseudonym, []*packet.Surb{final.Surbs[0].Surb})

	reply, err := d.codec.EncodeReply(ctx, []byte("pong"), &packet.ReplyRouting{
		Pseudonym: pseudonym,
		Matcher:   packet.MatchPseudonym(pseudonym),
	}, 0)
	require.NoError(err)
	require.Equal(a.id, reply.NextHop)
	require.Zero(d.surbs.Count(pseudonym), "SURBs are single use")

	in, err = a.codec.Decode(ctx, d.id, reply.Data)
	require.NoError(err)
	fwd := in.(*packet.ForwardedPacket)
	require.Equal(s.id, fwd.NextHop)
	require.Equal(reply.AckChallenge, fwd.AckKey.ToChallenge())

	in, err = s.codec.Decode(ctx, a.id, fwd.Data)
	require.NoError(err)
	got := in.(*packet.FinalPacket)
	require.Equal([]byte("pong"), got.Plaintext)
	require.True(got.Signals.Has(packet.SignalOutOfSurbs), "the last SURB was used")
	require.NotNil(got.ReplyTo)
	require.Equal(final.Surbs[0].SenderID, *got.ReplyTo)

	won, err := a.engine.ResolveTicket(s.id, fwd.Ticket, fwd.OwnKey, got.AckKey)
	require.NoError(err)
	require.True(won.IsSome(), "the return path relay is paid by the replier")

	_, err = d.codec.EncodeReply(ctx, nil, &packet.ReplyRouting{
		Pseudonym: pseudonym,
		Matcher:   packet.MatchPseudonym(pseudonym),
	}, 0)
	require.ErrorIs(err, packet.ErrNoSurb)
}

// replyToSender has the last node reply to the first over the second, and
// returns the frame the relay hands back to the first node.
func replyToSender(t *testing.T, net *testNet, data []byte) ([]byte, packet.SenderID) {
	require := require.New(t)
	ctx := context.Background()

	s, a, d := net.nodes[0], net.nodes[1], net.nodes[2]
	pseudonym := packet.Pseudonym{9}

	out, err := s.codec.EncodeForward(ctx, nil, &packet.ForwardRouting{
		Path:        ids(d),
		Pseudonym:   pseudonym,
		ReturnPaths: [][]packet.NodeID{ids(a, s)},
	}, 0)
	require.NoError(err)
	in, err := d.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	received := in.(*packet.FinalPacket).Surbs[0]
	d.surbs.InsertSurbs(pseudonym, []*packet.Surb{received.Surb})

	reply, err := d.codec.EncodeReply(ctx, data, &packet.ReplyRouting{
		Pseudonym: pseudonym,
		Matcher:   packet.MatchPseudonym(pseudonym),
	}, 0)
	require.NoError(err)
	in, err = a.codec.Decode(ctx, d.id, reply.Data)
	require.NoError(err)
	return in.(*packet.ForwardedPacket).Data, received.SenderID
}

func TestTamperedReplyKeepsOpener(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 3)
	s, a := net.nodes[0], net.nodes[1]

	frame, sid := replyToSender(t, net, []byte("pong"))
	genuine := bytes.Clone(frame)
	frame[net.geo.PacketLength-1] ^= 0x01

	_, err := s.codec.Decode(ctx, a.id, frame)
	require.True(packet.IsUndecodable(err), "%v", err)
	_, ok := s.surbs.ReplyOpener(sid)
	require.True(ok, "a forged reply does not consume the opener")

	in, err := s.codec.Decode(ctx, a.id, genuine)
	require.NoError(err, "a forged copy does not shadow the genuine reply")
	got := in.(*packet.FinalPacket)
	require.Equal([]byte("pong"), got.Plaintext)
	require.Equal(sid, *got.ReplyTo)
	_, ok = s.surbs.ReplyOpener(sid)
	require.False(ok, "openers are single use")

	_, err = s.codec.Decode(ctx, a.id, genuine)
	require.ErrorIs(err, packet.ErrReplay)
}

func TestUnknownReply(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 3)
	s, a := net.nodes[0], net.nodes[1]

	frame, sid := replyToSender(t, net, nil)
	_, ok := s.surbs.TakeReplyOpener(sid)
	require.True(ok)

	_, err := s.codec.Decode(ctx, a.id, frame)
	require.ErrorIs(err, ErrUnknownReply)
	pErr, ok := packet.AsProcessingError(err)
	require.True(ok)
	require.Equal(a.id, pErr.PreviousHop)
}

func TestReplyFailureKeepsSurb(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	net := newTestNet(t, 3)
	s, a, d := net.nodes[0], net.nodes[1], net.nodes[2]
	pseudonym := packet.Pseudonym{7}

	out, err := s.codec.EncodeForward(ctx, nil, &packet.ForwardRouting{
		Path:        ids(d),
		Pseudonym:   pseudonym,
		ReturnPaths: [][]packet.NodeID{ids(a, s)},
	}, 0)
	require.NoError(err)
	in, err := d.codec.Decode(ctx, s.id, out.Data)
	require.NoError(err)
	d.surbs.InsertSurbs(pseudonym, []*packet.Surb{in.(*packet.FinalPacket).Surbs[0].Surb})

	net.chain.CloseChannel(d.addr, a.addr)
	_, err = d.codec.EncodeReply(ctx, nil, &packet.ReplyRouting{Pseudonym: pseudonym, Matcher: packet.MatchPseudonym(pseudonym)}, 0)
	require.ErrorIs(err, packet.ErrChannelNotFound)
	require.Equal(1, d.surbs.Count(pseudonym), "an unsent SURB is returned")
}

func TestRoundTripProperty(t *testing.T) {
	ctx := context.Background()
	net := newTestNet(t, testMaxHops+1)
	sender := net.nodes[0]

	rapid.Check(t, func(rt *rapid.T) {
		hops := rapid.IntRange(1, testMaxHops).Draw(rt, "hops")
		budget := sender.codec.PlaintextBudget(0)
		data := rapid.SliceOfN(rapid.Byte(), 0, budget).Draw(rt, "data")
		signals := packet.Signals(rapid.IntRange(0, 7).Draw(rt, "signals"))

		path := net.nodes[1 : hops+1]
		out, err := sender.codec.EncodeForward(ctx, data, &packet.ForwardRouting{Path: ids(path...)}, signals)
		require.NoError(rt, err)

		prev, frame := sender.id, out.Data
		for i, n := range path {
			require.Len(rt, frame, sender.codec.FrameLength(), "frames have a fixed size")
			in, err := n.codec.Decode(ctx, prev, frame)
			require.NoError(rt, err)
			if i < len(path)-1 {
				fwd, ok := in.(*packet.ForwardedPacket)
				require.True(rt, ok)
				prev, frame = n.id, fwd.Data
				continue
			}
			final, ok := in.(*packet.FinalPacket)
			require.True(rt, ok)
			require.True(rt, bytes.Equal(data, final.Plaintext))
			require.Equal(rt, signals, final.Signals)
		}
	})
}
