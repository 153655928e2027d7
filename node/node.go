// node.go - Relaymix packet pipeline.
// Copyright (C) 2017  Yawning Angel.
// Copyright (C) 2026  The Relaymix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package node provides the packet encoder and decoder of a relaymix node.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/katzenpost/hpqc/nike"
	"github.com/lightningnetwork/lnd/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/log"
	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/node/chain"
	"github.com/relaymix/relaymix/node/config"
	"github.com/relaymix/relaymix/node/internal/ackresolver"
	"github.com/relaymix/relaymix/node/internal/codec"
	"github.com/relaymix/relaymix/node/internal/cryptoworker"
	"github.com/relaymix/relaymix/node/internal/instrument"
	"github.com/relaymix/relaymix/node/internal/replay"
	"github.com/relaymix/relaymix/node/internal/surbstore"
	"github.com/relaymix/relaymix/node/internal/ticketing"
	"github.com/relaymix/relaymix/node/ticketdb"
)

// Resolution is the outcome of an acknowledgement.
type Resolution = ackresolver.Resolution

// Outcomes of an acknowledgement.
const (
	SenderConfirmed = ackresolver.SenderConfirmed
	TicketWin       = ackresolver.TicketWin
	TicketLoss      = ackresolver.TicketLoss
	Unexpected      = ackresolver.Unexpected
	TimedOut        = ackresolver.TimedOut
)

// FrameLength returns the size of every frame of geometry g.
func FrameLength(g *geo.Geometry) int {
	return codec.FrameLength(g)
}

// EncodedSurbLength returns the payload space one SURB of geometry g takes.
func EncodedSurbLength(g *geo.Geometry) int {
	return codec.EncodedSurbLength(g)
}

// PlaintextBudget returns the largest payload a packet of geometry g
// carrying nrSurbs SURBs can hold.
func PlaintextBudget(g *geo.Geometry, nrSurbs int) int {
	return codec.PlaintextBudget(g, nrSurbs)
}

// Keys are the long term keys of a node.
type Keys struct {
	// PacketKey unwraps Sphinx packets.
	PacketKey nike.PrivateKey

	// ChainKey signs and redeems tickets.
	ChainKey *btcec.PrivateKey
}

// Node encodes outgoing packets and decodes incoming frames.  All methods
// are safe for concurrent use.
type Node struct {
	cfg *config.Config

	id      packet.NodeID
	keys    *Keys
	address tickets.Address

	logBackend *log.Backend
	log        *logging.Logger

	workers *cryptoworker.Pool
	codec   *codec.Codec
	tickets *ticketing.Engine
	surbs   *surbstore.Store
	acks    *ackresolver.Resolver
	metrics *http.Server

	haltOnce sync.Once
}

// New returns a node configured by cfg, resolving peers and channels with
// resolver and keeping ticket state in store.
func New(cfg *config.Config, keys *Keys, resolver chain.Resolver, store ticketdb.Store, logBackend *log.Backend) (*Node, error) {
	return newNode(cfg, keys, resolver, store, logBackend, clock.NewDefaultClock())
}

func newNode(cfg *config.Config, keys *Keys, resolver chain.Resolver, store ticketdb.Store, logBackend *log.Backend, clk clock.Clock) (*Node, error) {
	if keys == nil || keys.PacketKey == nil || keys.ChainKey == nil {
		return nil, errors.New("node: missing keys")
	}

	n := &Node{
		cfg:        cfg,
		id:         packet.NodeIDFromPublicKey(keys.PacketKey.Public()),
		keys:       keys,
		address:    tickets.AddressFromPublicKey(keys.ChainKey.PubKey()),
		logBackend: logBackend,
		log:        logBackend.GetLogger("node"),
	}

	g := cfg.Sphinx.Geometry()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	filter, err := replay.New(cfg.Replay.FilterSizeLog2, cfg.Replay.FalsePositiveRate, logBackend.GetLogger("replay"))
	if err != nil {
		return nil, fmt.Errorf("node: failed to create replay filter: %w", err)
	}

	n.tickets = ticketing.New(keys.ChainKey, resolver, store, cfg.Tickets.MinWinProb(), logBackend.GetLogger("tickets"))
	n.surbs = surbstore.New(cfg.SurbCache, logBackend.GetLogger("surbs"))
	n.codec = codec.New(g, keys.PacketKey, resolver, n.tickets, n.surbs, filter, logBackend.GetLogger("codec"))
	n.acks = ackresolver.New(n.tickets, clk, ackresolver.DefaultSweepInterval, logBackend.GetLogger("acks"))
	n.workers = cryptoworker.New(cfg.Workers.NumCryptoWorkers, logBackend)
	if cfg.Metrics.Address != "" {
		n.metrics = instrument.Init(cfg.Metrics.Address)
		n.log.Noticef("Serving metrics on %v.", cfg.Metrics.Address)
	}

	n.log.Noticef("Node identifier is: %v", n.id)
	n.log.Noticef("Chain address is: %v", n.address)
	n.log.Debugf("Packet geometry: %v", g)
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() packet.NodeID {
	return n.id
}

// Address returns the chain address tickets to this node are bound to.
func (n *Node) Address() tickets.Address {
	return n.address
}

// FrameLength returns the size of every frame on the wire.
func (n *Node) FrameLength() int {
	return n.codec.FrameLength()
}

// PlaintextBudget returns the largest payload a packet carrying nrSurbs
// SURBs can hold.
func (n *Node) PlaintextBudget(nrSurbs int) int {
	return n.codec.PlaintextBudget(nrSurbs)
}

// SurbCount returns the number of SURBs held for pseudonym.
func (n *Node) SurbCount(pseudonym packet.Pseudonym) int {
	return n.surbs.Count(pseudonym)
}

// EncodePacket encodes data for routing, a *packet.ForwardRouting or a
// *packet.ReplyRouting, and starts waiting for the first hop's
// acknowledgement unless signals carry SignalNoAckRequested.
func (n *Node) EncodePacket(ctx context.Context, data []byte, routing packet.Routing, signals packet.Signals) (*packet.OutgoingPacket, error) {
	var (
		kind string
		fn   func() (*packet.OutgoingPacket, error)
	)
	switch r := routing.(type) {
	case *packet.ForwardRouting:
		kind = "forward"
		fn = func() (*packet.OutgoingPacket, error) {
			return n.codec.EncodeForward(ctx, data, r, signals)
		}
	case *packet.ReplyRouting:
		kind = "reply"
		fn = func() (*packet.OutgoingPacket, error) {
			return n.codec.EncodeReply(ctx, data, r, signals)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported routing %T", packet.ErrInvalidState, routing)
	}

	out, err := cryptoworker.Submit(ctx, n.workers, fn)
	if err != nil {
		return nil, err
	}
	if !signals.Has(packet.SignalNoAckRequested) {
		if err = n.acks.ExpectSender(out.AckChallenge, n.cfg.Acknowledgements.Timeout()); err != nil {
			return nil, err
		}
	}
	instrument.PacketEncoded(kind)
	return out, nil
}

// DecodePacket decodes a frame received from previousHop.  SURBs carried by
// a final packet are stored, and the ticket of a forwarded packet is
// tracked until the next hop acknowledges it.
//
// A *packet.UndecodableError must be dropped silently, a
// *packet.ProcessingError must still be acknowledged.
func (n *Node) DecodePacket(ctx context.Context, previousHop packet.NodeID, frame []byte) (packet.IncomingPacket, error) {
	in, err := cryptoworker.Submit(ctx, n.workers, func() (packet.IncomingPacket, error) {
		return n.codec.Decode(ctx, previousHop, frame)
	})
	if err != nil {
		n.accountError(previousHop, err)
		return nil, err
	}

	switch p := in.(type) {
	case *packet.FinalPacket:
		if len(p.Surbs) > 0 {
			surbs := make([]*packet.Surb, 0, len(p.Surbs))
			for _, s := range p.Surbs {
				surbs = append(surbs, s.Surb)
			}
			count := n.surbs.InsertSurbs(p.Pseudonym, surbs)
			n.log.Debugf("Stored %d SURBs of %v, %d held.", len(surbs), p.Pseudonym, count)
		}
		instrument.PacketDecoded("final")
	case *packet.ForwardedPacket:
		if err = n.acks.ExpectRelay(p.NextAckChallenge, p.PreviousHop, p.Ticket, p.OwnKey, n.cfg.Acknowledgements.Timeout()); err != nil {
			p.OwnKey.Reset()
			err = &packet.ProcessingError{Err: err, PreviousHop: previousHop, AckKey: p.AckKey}
			n.accountError(previousHop, err)
			return nil, err
		}
		instrument.PacketDecoded("forwarded")
	case *packet.AcknowledgementPacket:
		instrument.PacketDecoded("acknowledgement")
	}
	return in, nil
}

func (n *Node) accountError(previousHop packet.NodeID, err error) {
	switch {
	case packet.IsUndecodable(err):
		instrument.PacketUndecodable()
		if errors.Is(err, packet.ErrReplay) {
			instrument.PacketReplayed()
		}
		n.log.Debugf("Dropping undecodable packet from %v: %v", previousHop, err)
	case packet.IsAnomaly(err):
		instrument.ProcessingError()
		instrument.Anomaly()
		n.log.Warningf("Rejecting packet from %v: %v", previousHop, err)
	default:
		if _, ok := packet.AsProcessingError(err); ok {
			instrument.ProcessingError()
			n.log.Infof("Failed to process packet from %v: %v", previousHop, err)
		}
	}
}

// EncodeAcknowledgement returns the frame acknowledging a packet.
func (n *Node) EncodeAcknowledgement(ack *packet.Acknowledgement) ([]byte, error) {
	return n.codec.EncodeAcknowledgement(ack)
}

// ResolveAcknowledgement resolves a decoded acknowledgement.
func (n *Node) ResolveAcknowledgement(ctx context.Context, ack *packet.AcknowledgementPacket) (*Resolution, error) {
	return cryptoworker.Submit(ctx, n.workers, func() (*Resolution, error) {
		return n.acks.Resolve(ack.PreviousHop, ack.Ack), nil
	})
}

// WaitForAcknowledgement blocks until the acknowledgement matching
// challenge resolves or times out.  Giving up through ctx releases it.
func (n *Node) WaitForAcknowledgement(ctx context.Context, challenge por.HalfKeyChallenge) (*Resolution, error) {
	return n.acks.Wait(ctx, challenge)
}

// Halt stops the node's workers.  Ticket state is owned by the caller's
// store and is left open.
func (n *Node) Halt() {
	n.haltOnce.Do(n.halt)
}

func (n *Node) halt() {
	n.log.Noticef("Starting graceful shutdown.")

	if n.metrics != nil {
		if err := n.metrics.Close(); err != nil {
			n.log.Warningf("Failed to stop metrics endpoint: %v", err)
		}
		n.metrics = nil
	}
	n.workers.Halt()
	n.acks.Halt()
	n.keys.PacketKey.Reset()

	n.log.Noticef("Shutdown complete.")
}
