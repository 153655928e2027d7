// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/relaymix/relaymix/core/log"
	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/node"
	"github.com/relaymix/relaymix/node/chain"
	"github.com/relaymix/relaymix/node/config"
	"github.com/relaymix/relaymix/node/ticketdb"
)

// selftestBalance funds every channel of the self test network.
var selftestBalance = new(big.Int).Lsh(big.NewInt(1), 64)

type selftestNode struct {
	*node.Node
	name string
	db   *ticketdb.DB
}

type selftestNet struct {
	out   io.Writer
	nodes []*selftestNode
	byID  map[packet.NodeID]*selftestNode
}

func newSelftestNet(cfg *config.Config, logBackend *log.Backend, dir string, n int) (*selftestNet, error) {
	price, err := cfg.Tickets.Price()
	if err != nil {
		return nil, err
	}
	c := chain.NewMemory(&chain.TicketValues{Price: price, WinProb: cfg.Tickets.WinProb()})

	net := &selftestNet{byID: make(map[packet.NodeID]*selftestNode)}
	for i := 0; i < n; i++ {
		nodeCfg := *cfg
		if i > 0 {
			// Only the sender serves metrics.
			nodeCfg.Metrics = &config.Metrics{}
		}

		pub, priv, err := x25519.Scheme(rand.Reader).GenerateKeyPair()
		if err != nil {
			net.halt()
			return nil, err
		}
		chainKey, err := btcec.NewPrivateKey()
		if err != nil {
			net.halt()
			return nil, err
		}
		db, err := ticketdb.New(filepath.Join(dir, fmt.Sprintf("node-%d.db", i)))
		if err != nil {
			net.halt()
			return nil, err
		}
		nd, err := node.New(&nodeCfg, &node.Keys{PacketKey: priv, ChainKey: chainKey}, c, db, logBackend)
		if err != nil {
			db.Close()
			net.halt()
			return nil, err
		}
		c.AddNode(pub, nd.Address())

		name := "sender"
		if i > 0 {
			name = fmt.Sprintf("hop%d", i)
		}
		sn := &selftestNode{Node: nd, name: name, db: db}
		net.nodes = append(net.nodes, sn)
		net.byID[nd.ID()] = sn
	}

	for _, a := range net.nodes {
		for _, b := range net.nodes {
			if a != b {
				c.OpenChannel(a.Address(), b.Address(), selftestBalance)
			}
		}
	}
	return net, nil
}

func (net *selftestNet) halt() {
	for _, n := range net.nodes {
		n.Halt()
		n.db.Close()
	}
}

// acknowledge delivers the acknowledgement owed by from to to.
func (net *selftestNet) acknowledge(ctx context.Context, from, to *selftestNode, ack *packet.Acknowledgement) error {
	frame, err := from.EncodeAcknowledgement(ack)
	if err != nil {
		return err
	}
	in, err := to.DecodePacket(ctx, from.ID(), frame)
	if err != nil {
		return err
	}
	ackPkt, ok := in.(*packet.AcknowledgementPacket)
	if !ok {
		return fmt.Errorf("%v decoded an acknowledgement as %T", to.name, in)
	}
	res, err := to.ResolveAcknowledgement(ctx, ackPkt)
	if err != nil {
		return err
	}
	fmt.Fprintf(net.out, "  %v <- %v: acknowledgement %v", to.name, from.name, res.Outcome)
	if res.Ticket != nil {
		fmt.Fprintf(net.out, " (ticket index %d, amount %v)", res.Ticket.Ticket.Index, res.Ticket.Ticket.Amount)
	}
	fmt.Fprintln(net.out)
	return nil
}

// deliver walks an outgoing packet hop by hop until it is final.
func (net *selftestNet) deliver(ctx context.Context, from *selftestNode, out *packet.OutgoingPacket) (*selftestNode, *packet.FinalPacket, error) {
	prev, frame, next := from, out.Data, out.NextHop
	for {
		cur, ok := net.byID[next]
		if !ok {
			return nil, nil, fmt.Errorf("unknown next hop %v", next)
		}
		in, err := cur.DecodePacket(ctx, prev.ID(), frame)
		if err != nil {
			return nil, nil, fmt.Errorf("%v failed to decode: %w", cur.name, err)
		}

		switch v := in.(type) {
		case *packet.ForwardedPacket:
			fmt.Fprintf(net.out, "  %v: forwarded to %v\n", cur.name, net.byID[v.NextHop].name)
			if err = net.acknowledge(ctx, cur, prev, v.Acknowledgement()); err != nil {
				return nil, nil, err
			}
			prev, frame, next = cur, v.Data, v.NextHop
		case *packet.FinalPacket:
			fmt.Fprintf(net.out, "  %v: final, %d bytes, %d SURBs, signals %#02x\n", cur.name, len(v.Plaintext), len(v.Surbs), uint8(v.Signals))
			if err = net.acknowledge(ctx, cur, prev, v.Acknowledgement()); err != nil {
				return nil, nil, err
			}
			return cur, v, nil
		default:
			return nil, nil, fmt.Errorf("%v: unexpected verdict %T", cur.name, in)
		}
	}
}

func runSelftest(ctx context.Context, out io.Writer, cfg *config.Config, logBackend *log.Backend, hops int, msg []byte) error {
	if hops < 1 || hops > cfg.Sphinx.MaxHops {
		return fmt.Errorf("hops must be within [1, %d]", cfg.Sphinx.MaxHops)
	}

	dir, err := os.MkdirTemp("", "relaymix-selftest")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	net, err := newSelftestNet(cfg, logBackend, dir, hops+1)
	if err != nil {
		return err
	}
	defer net.halt()
	net.out = out

	sender := net.nodes[0]
	fwdPath := make([]packet.NodeID, 0, hops)
	for _, n := range net.nodes[1:] {
		fwdPath = append(fwdPath, n.ID())
	}
	// The reply retraces the relays back to the sender.
	returnPath := slices.Clone(fwdPath[:hops-1])
	slices.Reverse(returnPath)
	returnPath = append(returnPath, sender.ID())

	pseudonym, err := packet.NewPseudonym(rand.Reader)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sending %d bytes over %d hops, frame size %d.\n", len(msg), hops, sender.FrameLength())
	pkt, err := sender.EncodePacket(ctx, msg, &packet.ForwardRouting{
		Path:        fwdPath,
		Pseudonym:   pseudonym,
		ReturnPaths: [][]packet.NodeID{returnPath},
	}, 0)
	if err != nil {
		return err
	}
	dst, final, err := net.deliver(ctx, sender, pkt)
	if err != nil {
		return err
	}
	if !bytes.Equal(final.Plaintext, msg) {
		return errors.New("delivered message does not match")
	}

	fmt.Fprintf(out, "Replying from %v with a SURB.\n", dst.name)
	reply, err := dst.EncodePacket(ctx, msg, &packet.ReplyRouting{
		Pseudonym: pseudonym,
		Matcher:   packet.MatchPseudonym(pseudonym),
	}, 0)
	if err != nil {
		return err
	}
	origin, final, err := net.deliver(ctx, dst, reply)
	if err != nil {
		return err
	}
	if origin != sender || final.ReplyTo == nil || !bytes.Equal(final.Plaintext, msg) {
		return errors.New("reply did not reach the sender")
	}

	for _, n := range net.nodes {
		won, err := n.db.Acknowledged()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%v holds %d winning tickets.\n", n.name, len(won))
	}
	fmt.Fprintln(out, "Self test passed.")
	return nil
}
