// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package ticketing issues, validates and resolves relay payment tickets.
package ticketing

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/node/chain"
	"github.com/relaymix/relaymix/node/ticketdb"
)

var (
	// ErrInsufficientBalance is returned when a channel can not cover a
	// ticket.
	ErrInsufficientBalance = errors.New("ticketing: insufficient channel balance")

	// ErrUnderpaid is returned for a ticket that funds no relay.
	ErrUnderpaid = errors.New("ticketing: ticket does not fund the relay")
)

// Engine is the ticket engine of one node.
type Engine struct {
	log *logging.Logger

	chainKey *btcec.PrivateKey
	self     tickets.Address

	resolver   chain.Resolver
	store      ticketdb.Store
	minWinProb tickets.WinProb
}

// New creates an engine acting for the holder of chainKey.
func New(chainKey *btcec.PrivateKey, resolver chain.Resolver, store ticketdb.Store, minWinProb tickets.WinProb, log *logging.Logger) *Engine {
	return &Engine{
		log:        log,
		chainKey:   chainKey,
		self:       tickets.AddressFromPublicKey(chainKey.PubKey()),
		resolver:   resolver,
		store:      store,
		minWinProb: minWinProb,
	}
}

// Address returns the chain address of the engine's key.
func (e *Engine) Address() tickets.Address {
	return e.self
}

// DecideTicket returns the ticket paying nextHop for relaying a packet that
// still has pos relays ahead of it, nextHop included.  No ticket is issued
// when pos is 0, as the next hop is then the destination.
func (e *Engine) DecideTicket(ctx context.Context, nextHop packet.NodeID, pos int, challenge por.Challenge, values *chain.TicketValues) (fn.Option[*tickets.Ticket], error) {
	none := fn.None[*tickets.Ticket]()
	if pos == 0 {
		return none, nil
	}

	dst, err := e.resolver.ChainAddress(ctx, nextHop)
	if err != nil {
		return none, err
	}
	ch, err := e.resolver.ChannelByParties(ctx, e.self, dst)
	if err != nil {
		return none, err
	}
	if !ch.IsOpen() {
		return none, fmt.Errorf("%w: channel %v is %v", packet.ErrChannelNotFound, ch.ID, ch.Status)
	}

	amount, err := tickets.AmountFor(values.Price, pos, values.WinProb)
	if err != nil {
		return none, err
	}
	if amount.Cmp(ch.Balance) > 0 {
		return none, fmt.Errorf("%w: channel %v holds %v, ticket needs %v", ErrInsufficientBalance, ch.ID, ch.Balance, amount)
	}
	idx, err := e.store.NextTicketIndex(ch.ID)
	if err != nil {
		return none, err
	}

	t := &tickets.Ticket{
		ChannelID:    ch.ID,
		Amount:       amount,
		Index:        idx,
		ChannelEpoch: ch.Epoch,
		WinProb:      values.WinProb,
		Challenge:    challenge,
	}
	if err = t.Sign(e.chainKey); err != nil {
		return none, err
	}
	e.log.Debugf("Issued ticket %d on channel %v for %d relays, amount %v.", idx, ch.ID, pos, amount)
	return fn.Some(t), nil
}

// ValidateIncoming checks a ticket received from previousHop, which this
// node can open once the hop after it reveals the key behind ackChallenge,
// and returns the number of relays it funds, this node included.
func (e *Engine) ValidateIncoming(ctx context.Context, previousHop packet.NodeID, t *tickets.Ticket, own *por.HalfKey, ackChallenge por.HalfKeyChallenge, values *chain.TicketValues) (int, error) {
	signer, err := t.Signer()
	if err != nil {
		return 0, err
	}
	src, err := e.resolver.ChainAddress(ctx, previousHop)
	if err != nil {
		return 0, err
	}
	if signer != src {
		return 0, fmt.Errorf("ticketing: ticket signed by %v, previous hop is %v", signer, src)
	}

	ch, err := e.resolver.ChannelByParties(ctx, src, e.self)
	if err != nil {
		return 0, err
	}
	switch {
	case !ch.IsOpen():
		return 0, fmt.Errorf("%w: channel %v is %v", packet.ErrChannelNotFound, ch.ID, ch.Status)
	case ch.ID != t.ChannelID:
		return 0, fmt.Errorf("ticketing: ticket names channel %v, expected %v", t.ChannelID, ch.ID)
	case ch.Epoch != t.ChannelEpoch:
		return 0, fmt.Errorf("ticketing: ticket epoch %d, channel epoch %d", t.ChannelEpoch, ch.Epoch)
	case t.WinProb < e.minWinProb:
		return 0, fmt.Errorf("ticketing: winning probability %v below minimum %v", t.WinProb.Float64(), e.minWinProb.Float64())
	case t.Amount.Cmp(ch.Balance) > 0:
		return 0, fmt.Errorf("%w: channel %v holds %v, ticket claims %v", ErrInsufficientBalance, ch.ID, ch.Balance, t.Amount)
	}

	if !por.VerifyTicketChallenge(own, ackChallenge, t.Challenge) {
		return 0, &packet.AnomalyError{Peer: previousHop, Reason: "ticket challenge does not match the routing challenge"}
	}

	pos, err := tickets.PathPosition(t.Amount, values.Price, t.WinProb)
	if err != nil {
		return 0, err
	}
	if pos < 1 {
		return 0, ErrUnderpaid
	}
	return pos, nil
}

// ResolveTicket opens a ticket with the revealed ack key of the next hop.
// A winning ticket is persisted and returned, a losing one yields None.  A
// key that does not open the ticket challenge is a loss and an
// *packet.AnomalyError blaming peer.
func (e *Engine) ResolveTicket(peer packet.NodeID, t *tickets.Ticket, own, ack *por.HalfKey) (fn.Option[*tickets.AcknowledgedTicket], error) {
	none := fn.None[*tickets.AcknowledgedTicket]()

	response := por.NewResponse(own, ack)
	c, err := response.ToChallenge()
	if err != nil || c != t.Challenge {
		return none, &packet.AnomalyError{Peer: peer, Reason: "acknowledgement does not open the ticket challenge"}
	}

	win, err := t.IsWinning(response, e.chainKey)
	if err != nil {
		return none, err
	}
	if !win {
		e.log.Debugf("Ticket %d on channel %v lost.", t.Index, t.ChannelID)
		return none, nil
	}

	signer, err := t.Signer()
	if err != nil {
		return none, err
	}
	at := &tickets.AcknowledgedTicket{
		Ticket:   *t,
		Response: response.Bytes(),
		Signer:   signer,
	}
	if err = e.store.PutAcknowledged(at); err != nil {
		e.log.Errorf("Failed to persist winning ticket %d on channel %v: %v", t.Index, t.ChannelID, err)
		return fn.Some(at), err
	}
	e.log.Infof("Ticket %d on channel %v won %v.", t.Index, t.ChannelID, t.Amount)
	return fn.Some(at), nil
}
