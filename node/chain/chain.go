// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package chain defines the chain state the packet pipeline consults, and an
// in-memory implementation of it.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/katzenpost/hpqc/nike"

	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/tickets"
)

// TicketValues are the economic parameters of outgoing tickets.
type TicketValues struct {
	Price   *big.Int
	WinProb tickets.WinProb
}

// Resolver resolves peer keys and channel state.
type Resolver interface {
	// PacketKey returns the packet public key of a node, or
	// packet.ErrKeyNotFound.
	PacketKey(ctx context.Context, id packet.NodeID) (nike.PublicKey, error)

	// ChainAddress returns the chain address of a node, or
	// packet.ErrKeyNotFound.
	ChainAddress(ctx context.Context, id packet.NodeID) (tickets.Address, error)

	// ChannelByParties returns the channel from src to dst, or
	// packet.ErrChannelNotFound.
	ChannelByParties(ctx context.Context, src, dst tickets.Address) (*tickets.Channel, error)

	// TicketValues returns the current ticket price and winning probability.
	TicketValues(ctx context.Context) (*TicketValues, error)
}

type node struct {
	packetKey nike.PublicKey
	address   tickets.Address
}

// Memory is a Resolver backed by maps, used by tests and the self test.
type Memory struct {
	sync.RWMutex

	nodes    map[packet.NodeID]*node
	channels map[tickets.ChannelID]*tickets.Channel
	values   *TicketValues
}

// NewMemory returns an empty in-memory resolver using the given ticket
// values.
func NewMemory(values *TicketValues) *Memory {
	return &Memory{
		nodes:    make(map[packet.NodeID]*node),
		channels: make(map[tickets.ChannelID]*tickets.Channel),
		values:   values,
	}
}

// AddNode registers a node and returns its id.
func (m *Memory) AddNode(packetKey nike.PublicKey, address tickets.Address) packet.NodeID {
	id := packet.NodeIDFromPublicKey(packetKey)
	m.Lock()
	defer m.Unlock()
	m.nodes[id] = &node{packetKey: packetKey, address: address}
	return id
}

// OpenChannel opens, or tops up, the channel from src to dst.
func (m *Memory) OpenChannel(src, dst tickets.Address, balance *big.Int) *tickets.Channel {
	id := tickets.ChannelIDFor(src, dst)
	m.Lock()
	defer m.Unlock()
	c, ok := m.channels[id]
	if !ok {
		c = &tickets.Channel{
			ID:          id,
			Source:      src,
			Destination: dst,
			Balance:     new(big.Int),
			Epoch:       1,
		}
		m.channels[id] = c
	}
	c.Balance.Add(c.Balance, balance)
	c.Status = tickets.ChannelOpen
	return copyChannel(c)
}

// CloseChannel marks the channel from src to dst as closed.
func (m *Memory) CloseChannel(src, dst tickets.Address) {
	m.Lock()
	defer m.Unlock()
	if c, ok := m.channels[tickets.ChannelIDFor(src, dst)]; ok {
		c.Status = tickets.ChannelClosed
	}
}

// PacketKey implements Resolver.
func (m *Memory) PacketKey(_ context.Context, id packet.NodeID) (nike.PublicKey, error) {
	m.RLock()
	defer m.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", packet.ErrKeyNotFound, id)
	}
	return n.packetKey, nil
}

// ChainAddress implements Resolver.
func (m *Memory) ChainAddress(_ context.Context, id packet.NodeID) (tickets.Address, error) {
	m.RLock()
	defer m.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return tickets.Address{}, fmt.Errorf("%w: %v", packet.ErrKeyNotFound, id)
	}
	return n.address, nil
}

// ChannelByParties implements Resolver.
func (m *Memory) ChannelByParties(_ context.Context, src, dst tickets.Address) (*tickets.Channel, error) {
	m.RLock()
	defer m.RUnlock()
	c, ok := m.channels[tickets.ChannelIDFor(src, dst)]
	if !ok {
		return nil, fmt.Errorf("%w: %v -> %v", packet.ErrChannelNotFound, src, dst)
	}
	return copyChannel(c), nil
}

// TicketValues implements Resolver.
func (m *Memory) TicketValues(_ context.Context) (*TicketValues, error) {
	m.RLock()
	defer m.RUnlock()
	return &TicketValues{
		Price:   new(big.Int).Set(m.values.Price),
		WinProb: m.values.WinProb,
	}, nil
}

func copyChannel(c *tickets.Channel) *tickets.Channel {
	cc := *c
	cc.Balance = new(big.Int).Set(c.Balance)
	return &cc
}
