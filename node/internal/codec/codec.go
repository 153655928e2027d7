// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package codec turns application data into fixed size wire frames and
// back.  A frame is a Sphinx packet followed by the ticket paying its next
// hop, or an acknowledgement padded to the same length.
package codec

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/sphinx"
	"github.com/relaymix/relaymix/core/sphinx/commands"
	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/core/utils"
	"github.com/relaymix/relaymix/node/chain"
	"github.com/relaymix/relaymix/node/internal/instrument"
	"github.com/relaymix/relaymix/node/internal/replay"
	"github.com/relaymix/relaymix/node/internal/surbstore"
	"github.com/relaymix/relaymix/node/internal/ticketing"
)

var (
	// AckAD prefixes every acknowledgement frame.  Sphinx packets start
	// with 0x00 0x00.
	AckAD = [2]byte{0x00, 0x01}

	// ErrUnknownReply is returned for a reply whose opener is not held.
	ErrUnknownReply = errors.New("codec: reply to an unknown SURB")

	errMissingTicket = errors.New("codec: relay was not paid")
	errMissingPoR    = errors.New("codec: relay hop without proof of relay")
)

// FrameLength returns the length of every frame of geometry g.
func FrameLength(g *geo.Geometry) int {
	return g.PacketLength + tickets.EncodedLength
}

// Codec encodes and decodes the frames of one node.
type Codec struct {
	log *logging.Logger

	sphinx    *sphinx.Sphinx
	geo       *geo.Geometry
	packetKey nike.PrivateKey
	rand      io.Reader

	resolver chain.Resolver
	tickets  *ticketing.Engine
	surbs    *surbstore.Store
	replay   *replay.Filter
}

// New creates a codec for the node holding packetKey.
func New(g *geo.Geometry, packetKey nike.PrivateKey, resolver chain.Resolver, engine *ticketing.Engine, surbs *surbstore.Store, filter *replay.Filter, log *logging.Logger) *Codec {
	return &Codec{
		log:       log,
		sphinx:    sphinx.NewSphinx(g),
		geo:       g,
		packetKey: packetKey,
		rand:      rand.Reader,
		resolver:  resolver,
		tickets:   engine,
		surbs:     surbs,
		replay:    filter,
	}
}

// Geometry returns the packet geometry.
func (c *Codec) Geometry() *geo.Geometry {
	return c.geo
}

// FrameLength returns the length of every frame this codec emits.
func (c *Codec) FrameLength() int {
	return FrameLength(c.geo)
}

// PlaintextBudget returns the user bytes available next to nrSurbs SURBs.
func (c *Codec) PlaintextBudget(nrSurbs int) int {
	return PlaintextBudget(c.geo, nrSurbs)
}

// headerPath is a path with its keys derived and its proof-of-relay
// commands laid out.
type headerPath struct {
	secrets *sphinx.Secrets
	hops    []*sphinx.PathHop
	proof   *por.PathProof
}

func (c *Codec) buildPath(ctx context.Context, path []packet.NodeID) (*headerPath, error) {
	if len(path) == 0 || len(path) > c.geo.NrHops {
		return nil, fmt.Errorf("%w: path of %d hops, at most %d supported", packet.ErrInvalidState, len(path), c.geo.NrHops)
	}

	keys := make([]nike.PublicKey, 0, len(path))
	for _, id := range path {
		pub, err := c.resolver.PacketKey(ctx, id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}
	secrets, err := c.sphinx.DeriveSecrets(keys)
	if err != nil {
		return nil, err
	}

	hopKeys := make([]*por.HopKeys, 0, len(path))
	for i := range path {
		own, ack := secrets.PoRSeeds(i)
		k, err := por.NewHopKeys(own[:], ack[:])
		if err != nil {
			secrets.Reset()
			return nil, err
		}
		hopKeys = append(hopKeys, k)
	}
	proof, err := por.NewPathProof(hopKeys)
	for _, k := range hopKeys {
		k.Own.Reset()
		k.Ack.Reset()
	}
	if err != nil {
		secrets.Reset()
		return nil, err
	}

	hops := make([]*sphinx.PathHop, len(path))
	for i, id := range path {
		hops[i] = &sphinx.PathHop{ID: id}
		if i < len(path)-1 {
			hops[i].Commands = []commands.RoutingCommand{&commands.ProofOfRelay{
				AckChallenge:        proof.Relays[i].AckChallenge,
				NextTicketChallenge: proof.Relays[i].NextTicketChallenge,
			}}
		}
	}
	return &headerPath{secrets: secrets, hops: hops, proof: proof}, nil
}

type replySurb struct {
	id     packet.SenderID
	surb   *packet.Surb
	opener *packet.ReplyOpener
}

func (c *Codec) newSurb(ctx context.Context, pseudonym packet.Pseudonym, path []packet.NodeID) (*replySurb, error) {
	hp, err := c.buildPath(ctx, path)
	if err != nil {
		return nil, err
	}
	defer hp.secrets.Reset()

	surbID, err := packet.NewSurbID(c.rand)
	if err != nil {
		return nil, err
	}
	sid := packet.SenderID{Pseudonym: pseudonym, SurbID: surbID}
	last := hp.hops[len(hp.hops)-1]
	last.Commands = append(last.Commands, &commands.SURBReply{ID: sid.Bytes()})

	hdr, keys, err := c.sphinx.NewSURB(c.rand, hp.secrets, hp.hops)
	if err != nil {
		return nil, err
	}
	return &replySurb{
		id: sid,
		surb: &packet.Surb{
			ID:              surbID,
			Relays:          uint8(len(path) - 1),
			Header:          hdr,
			AckChallenge:    hp.proof.AckChallenge,
			TicketChallenge: hp.proof.TicketChallenge,
		},
		opener: &packet.ReplyOpener{Keys: keys},
	}, nil
}

func (c *Codec) frame(pkt []byte, ticket *tickets.Ticket) ([]byte, error) {
	b := make([]byte, 0, c.FrameLength())
	b = append(b, pkt...)
	if ticket == nil {
		return b[:c.FrameLength()], nil
	}
	raw, err := ticket.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(b, raw...), nil
}

func (c *Codec) ticketFor(ctx context.Context, nextHop packet.NodeID, pos int, challenge por.Challenge, values *chain.TicketValues) (*tickets.Ticket, error) {
	opt, err := c.tickets.DecideTicket(ctx, nextHop, pos, challenge, values)
	if err != nil {
		return nil, err
	}
	return opt.UnwrapOr(nil), nil
}

// EncodeForward builds a packet along r.Path carrying one SURB for each of
// r.ReturnPaths.  The reply openers of those SURBs are kept for the replies.
// An oversized payload fails with packet.ErrInvalidState before anything is
// built.
func (c *Codec) EncodeForward(ctx context.Context, data []byte, r *packet.ForwardRouting, signals packet.Signals) (*packet.OutgoingPacket, error) {
	if len(r.ReturnPaths) > MaxSurbsPerPacket {
		return nil, fmt.Errorf("%w: %d return paths", packet.ErrInvalidState, len(r.ReturnPaths))
	}
	if budget := c.PlaintextBudget(len(r.ReturnPaths)); len(data) > budget {
		return nil, fmt.Errorf("%w: %d bytes exceed the budget of %d", packet.ErrInvalidState, len(data), budget)
	}

	hp, err := c.buildPath(ctx, r.Path)
	if err != nil {
		return nil, err
	}
	defer hp.secrets.Reset()

	surbs := make([]*replySurb, 0, len(r.ReturnPaths))
	p := &payload{signals: signals, pseudonym: r.Pseudonym, data: data}
	for _, rp := range r.ReturnPaths {
		s, err := c.newSurb(ctx, r.Pseudonym, rp)
		if err != nil {
			return nil, err
		}
		surbs = append(surbs, s)
		p.surbs = append(p.surbs, s.surb)
	}
	pt, err := encodePayload(c.geo, p)
	if err != nil {
		return nil, err
	}

	values, err := c.resolver.TicketValues(ctx)
	if err != nil {
		return nil, err
	}
	ticket, err := c.ticketFor(ctx, r.Path[0], len(r.Path)-1, hp.proof.TicketChallenge, values)
	if err != nil {
		return nil, err
	}

	pkt, err := c.sphinx.NewPacket(hp.secrets, hp.hops, pt)
	if err != nil {
		return nil, err
	}
	b, err := c.frame(pkt, ticket)
	if err != nil {
		return nil, err
	}

	for _, s := range surbs {
		if err = c.surbs.InsertReplyOpener(s.id, s.opener); err != nil {
			return nil, err
		}
	}
	return &packet.OutgoingPacket{
		NextHop:      r.Path[0],
		AckChallenge: hp.proof.AckChallenge,
		Data:         b,
	}, nil
}

// EncodeReply builds a packet with a stored SURB of r.Matcher.  Taking the
// last SURB adds SignalOutOfSurbs, and crossing the distress threshold adds
// SignalSurbDistress.
func (c *Codec) EncodeReply(ctx context.Context, data []byte, r *packet.ReplyRouting, signals packet.Signals) (*packet.OutgoingPacket, error) {
	if budget := c.PlaintextBudget(0); len(data) > budget {
		return nil, fmt.Errorf("%w: %d bytes exceed the budget of %d", packet.ErrInvalidState, len(data), budget)
	}
	if !signals.Valid() {
		return nil, fmt.Errorf("%w: unknown signals %#x", packet.ErrInvalidState, uint8(signals))
	}
	found, err := c.surbs.FindSurb(r.Matcher)
	if err != nil {
		return nil, err
	}
	if found.Distress {
		c.log.Debugf("SURBs of %v are running low, %d left.", found.SenderID.Pseudonym, found.Remaining)
		instrument.SurbDistress()
		signals |= packet.SignalSurbDistress
	}
	if found.Remaining == 0 {
		signals |= packet.SignalOutOfSurbs
	}
	return c.EncodeWithSurb(ctx, data, r.Pseudonym, found, signals)
}

// EncodeWithSurb builds a reply with a SURB already taken from the store.
// Unless the SURB itself is malformed, it is put back on failure as it never
// reached the wire.
func (c *Codec) EncodeWithSurb(ctx context.Context, data []byte, pseudonym packet.Pseudonym, found *packet.FoundSurb, signals packet.Signals) (pkt *packet.OutgoingPacket, err error) {
	s := found.Surb
	if int(s.Relays) >= c.geo.NrHops || len(s.Header) != c.geo.SURBLength {
		c.log.Debugf("Dropping malformed SURB of %v.", found.SenderID.Pseudonym)
		return nil, fmt.Errorf("%w: malformed SURB", packet.ErrInvalidState)
	}
	defer func() {
		if err != nil {
			c.surbs.InsertSurbs(found.SenderID.Pseudonym, []*packet.Surb{s})
		}
	}()

	pt, err := encodePayload(c.geo, &payload{signals: signals, pseudonym: pseudonym, data: data})
	if err != nil {
		return nil, err
	}
	raw, firstHop, err := c.sphinx.NewPacketFromSURB(s.Header, pt)
	if err != nil {
		return nil, err
	}

	values, err := c.resolver.TicketValues(ctx)
	if err != nil {
		return nil, err
	}
	ticket, err := c.ticketFor(ctx, *firstHop, int(s.Relays), s.TicketChallenge, values)
	if err != nil {
		return nil, err
	}
	b, err := c.frame(raw, ticket)
	if err != nil {
		return nil, err
	}
	return &packet.OutgoingPacket{
		NextHop:      *firstHop,
		AckChallenge: s.AckChallenge,
		Data:         b,
	}, nil
}

// EncodeAcknowledgement returns the frame carrying ack.
func (c *Codec) EncodeAcknowledgement(ack *packet.Acknowledgement) ([]byte, error) {
	b := make([]byte, c.FrameLength())
	copy(b, AckAD[:])
	k := ack.HalfKey.Bytes()
	off := len(AckAD) + copy(b[len(AckAD):], k[:])
	if _, err := io.ReadFull(c.rand, b[off:]); err != nil {
		return nil, err
	}
	return b, nil
}

func undecodable(err error) error {
	return &packet.UndecodableError{Err: err}
}

// Decode classifies a frame received from previousHop.  Frames failing
// integrity or format checks, and replays, yield a *packet.UndecodableError.
// Frames that unwrapped but failed a later check yield a
// *packet.ProcessingError carrying the acknowledgement owed to previousHop.
func (c *Codec) Decode(ctx context.Context, previousHop packet.NodeID, frame []byte) (packet.IncomingPacket, error) {
	if len(frame) != c.FrameLength() {
		return nil, undecodable(fmt.Errorf("codec: frame is %d bytes, expected %d", len(frame), c.FrameLength()))
	}
	if subtle.ConstantTimeCompare(frame[:len(AckAD)], AckAD[:]) == 1 {
		return c.decodeAcknowledgement(previousHop, frame)
	}

	pkt := make([]byte, c.geo.PacketLength)
	copy(pkt, frame)
	u, err := c.sphinx.Unwrap(c.packetKey, pkt)
	if err != nil {
		return nil, undecodable(err)
	}

	// Reply payloads are authenticated before the replay tag is recorded,
	// and before the opener is consumed.
	pt, replyTo := u.Payload, (*packet.SenderID)(nil)
	if u.NextNodeHop == nil && u.SURBReply != nil {
		sid := packet.SenderIDFromBytes(u.SURBReply.ID)
		if opener, ok := c.surbs.ReplyOpener(sid); ok {
			if pt, err = c.sphinx.DecryptSURBPayload(u.Payload, bytes.Clone(opener.Keys)); err != nil {
				return nil, undecodable(err)
			}
			replyTo = &sid
		}
	}
	if c.replay.IsReplay(u.ReplayTag) {
		return nil, undecodable(packet.ErrReplay)
	}

	ackKey, err := por.HalfKeyFromSeed(u.AckKey[:])
	if err != nil {
		return nil, undecodable(err)
	}
	own, err := por.HalfKeyFromSeed(u.OwnKey[:])
	if err != nil {
		return nil, undecodable(err)
	}
	fail := func(err error) error {
		own.Reset()
		return &packet.ProcessingError{Err: err, PreviousHop: previousHop, AckKey: ackKey}
	}

	rawTicket := frame[c.geo.PacketLength:]
	if u.NextNodeHop == nil {
		own.Reset()
		if !tickets.IsEmpty(rawTicket) {
			c.log.Debugf("Ignoring ticket attached to a final packet from %v.", previousHop)
		}
		p, err := c.decodeFinal(u, pt, replyTo)
		if err != nil {
			return nil, &packet.ProcessingError{Err: err, PreviousHop: previousHop, AckKey: ackKey}
		}
		p.PreviousHop = previousHop
		p.AckKey = ackKey
		return p, nil
	}

	if u.ProofOfRelay == nil {
		return nil, fail(errMissingPoR)
	}
	if tickets.IsEmpty(rawTicket) {
		return nil, fail(errMissingTicket)
	}
	ticket := new(tickets.Ticket)
	if err = ticket.UnmarshalBinary(rawTicket); err != nil {
		return nil, fail(err)
	}
	ackChallenge, err := por.HalfKeyChallengeFromBytes(u.ProofOfRelay.AckChallenge[:])
	if err != nil {
		return nil, fail(err)
	}

	values, err := c.resolver.TicketValues(ctx)
	if err != nil {
		return nil, fail(err)
	}
	pos, err := c.tickets.ValidateIncoming(ctx, previousHop, ticket, own, ackChallenge, values)
	if err != nil {
		return nil, fail(err)
	}

	nextHop := packet.NodeID(u.NextNodeHop.ID)
	nextChallenge := por.Challenge(u.ProofOfRelay.NextTicketChallenge)
	if nextChallenge.IsZero() {
		pos = 1
	}
	nextTicket, err := c.ticketFor(ctx, nextHop, pos-1, nextChallenge, values)
	if err != nil {
		return nil, fail(err)
	}
	b, err := c.frame(pkt, nextTicket)
	if err != nil {
		return nil, fail(err)
	}
	return &packet.ForwardedPacket{
		PreviousHop:      previousHop,
		NextHop:          nextHop,
		Data:             b,
		AckKey:           ackKey,
		NextAckChallenge: ackChallenge,
		Ticket:           ticket,
		OwnKey:           own,
	}, nil
}

func (c *Codec) decodeAcknowledgement(previousHop packet.NodeID, frame []byte) (packet.IncomingPacket, error) {
	raw := frame[len(AckAD) : len(AckAD)+por.HalfKeyLength]
	k, err := por.HalfKeyFromBytes(raw)
	if err != nil {
		return nil, undecodable(err)
	}
	if c.replay.IsReplay(hash.Sum256(raw)) {
		return nil, undecodable(packet.ErrReplay)
	}
	return &packet.AcknowledgementPacket{
		PreviousHop: previousHop,
		Ack:         &packet.Acknowledgement{HalfKey: k},
	}, nil
}

func (c *Codec) decodeFinal(u *sphinx.Unwrapped, pt []byte, replyTo *packet.SenderID) (*packet.FinalPacket, error) {
	if u.SURBReply != nil {
		if replyTo == nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownReply, packet.SenderIDFromBytes(u.SURBReply.ID).Pseudonym)
		}
		opener, ok := c.surbs.TakeReplyOpener(*replyTo)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownReply, replyTo.Pseudonym)
		}
		utils.ExplicitBzero(opener.Keys)
	}

	p, err := decodePayload(c.geo, pt)
	if err != nil {
		return nil, err
	}
	f := &packet.FinalPacket{
		Pseudonym: p.pseudonym,
		Plaintext: p.data,
		Signals:   p.signals,
		ReplyTo:   replyTo,
	}
	for _, s := range p.surbs {
		f.Surbs = append(f.Surbs, &packet.ReceivedSurb{
			SenderID: packet.SenderID{Pseudonym: p.pseudonym, SurbID: s.ID},
			Surb:     s,
		})
	}
	return f, nil
}
