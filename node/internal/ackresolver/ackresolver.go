// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package ackresolver matches acknowledgements against the packets this node
// sent or relayed, and turns them into confirmations or ticket outcomes.
package ackresolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/por"
	"github.com/relaymix/relaymix/core/queue"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/core/worker"
	"github.com/relaymix/relaymix/node/internal/instrument"
	"github.com/relaymix/relaymix/node/internal/ticketing"
)

// DefaultSweepInterval is how often expired entries are collected.
const DefaultSweepInterval = time.Second

// ErrNotPending is returned when waiting on a challenge that is not tracked.
var ErrNotPending = errors.New("ackresolver: no pending acknowledgement")

// Outcome is the terminal state of an awaited acknowledgement.
type Outcome uint8

const (
	// SenderConfirmed is a packet this node originated that was acknowledged.
	SenderConfirmed Outcome = iota
	// TicketWin is a relayed packet whose ticket won.
	TicketWin
	// TicketLoss is a relayed packet whose ticket lost.
	TicketLoss
	// Unexpected is an acknowledgement matching nothing this node awaits.
	Unexpected
	// TimedOut is a packet that was not acknowledged in time.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case SenderConfirmed:
		return "sender"
	case TicketWin:
		return "win"
	case TicketLoss:
		return "loss"
	case Unexpected:
		return "unexpected"
	case TimedOut:
		return "timeout"
	default:
		return fmt.Sprintf("[unknown outcome: %d]", o)
	}
}

// Resolution is the result of resolving one acknowledgement.
type Resolution struct {
	Outcome   Outcome
	Challenge por.HalfKeyChallenge

	// Ticket is set for TicketWin.
	Ticket *tickets.AcknowledgedTicket

	// Anomaly is set when the acknowledgement reveals a misbehaving peer.
	Anomaly error
}

type relayState struct {
	issuer packet.NodeID
	ticket *tickets.Ticket
	own    *por.HalfKey
}

type pending struct {
	relay    *relayState
	deadline time.Time

	// claimed is set, under the resolver lock, by whoever resolves the
	// entry.
	claimed bool

	doneCh chan struct{}
	res    *Resolution
}

func (p *pending) complete(res *Resolution) {
	p.res = res
	close(p.doneCh)
	if p.relay != nil {
		p.relay.own.Reset()
	}
}

// Resolver tracks the acknowledgements a node waits for.
type Resolver struct {
	sync.Mutex
	worker.Worker

	log    *logging.Logger
	clock  clock.Clock
	engine *ticketing.Engine

	sweepInterval time.Duration

	pending   map[por.HalfKeyChallenge]*pending
	deadlines *queue.DeadlineQueue[por.HalfKeyChallenge]
}

// New creates a resolver resolving relay tickets with engine.
func New(engine *ticketing.Engine, clk clock.Clock, sweepInterval time.Duration, log *logging.Logger) *Resolver {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	r := &Resolver{
		log:           log,
		clock:         clk,
		engine:        engine,
		sweepInterval: sweepInterval,
		pending:       make(map[por.HalfKeyChallenge]*pending),
		deadlines:     queue.New[por.HalfKeyChallenge](),
	}
	r.Go(r.expiryWorker)
	return r
}

func (r *Resolver) expect(challenge por.HalfKeyChallenge, relay *relayState, timeout time.Duration) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.pending[challenge]; ok {
		return fmt.Errorf("%w: challenge already awaited", packet.ErrInvalidState)
	}
	p := &pending{
		relay:    relay,
		deadline: r.clock.Now().Add(timeout),
		doneCh:   make(chan struct{}),
	}
	r.pending[challenge] = p
	r.deadlines.Enqueue(p.deadline, challenge)
	return nil
}

// ExpectSender awaits the acknowledgement of a packet this node originated.
func (r *Resolver) ExpectSender(challenge por.HalfKeyChallenge, timeout time.Duration) error {
	return r.expect(challenge, nil, timeout)
}

// ExpectRelay awaits the acknowledgement that opens a ticket received from
// issuer, which this node can claim with own once the next hop reveals the
// key behind challenge.
func (r *Resolver) ExpectRelay(challenge por.HalfKeyChallenge, issuer packet.NodeID, ticket *tickets.Ticket, own *por.HalfKey, timeout time.Duration) error {
	return r.expect(challenge, &relayState{issuer: issuer, ticket: ticket, own: own}, timeout)
}

// Pending returns the number of tracked entries, resolved ones included.
func (r *Resolver) Pending() int {
	r.Lock()
	defer r.Unlock()
	return len(r.pending)
}

// Resolve resolves an acknowledgement received from peer.  Matching is by
// the exact challenge, and every awaited packet resolves at most once.
func (r *Resolver) Resolve(peer packet.NodeID, ack *packet.Acknowledgement) *Resolution {
	challenge := ack.Challenge()

	r.Lock()
	p, ok := r.pending[challenge]
	if ok && !p.claimed {
		p.claimed = true
	} else {
		ok = false
	}
	r.Unlock()

	if !ok {
		res := &Resolution{
			Outcome:   Unexpected,
			Challenge: challenge,
			Anomaly:   &packet.AnomalyError{Peer: peer, Reason: "unexpected acknowledgement"},
		}
		r.log.Warningf("Unexpected acknowledgement %x from %v.", challenge[:8], peer)
		r.account(res)
		return res
	}

	res := &Resolution{Challenge: challenge}
	if p.relay == nil {
		res.Outcome = SenderConfirmed
	} else {
		won, err := r.engine.ResolveTicket(p.relay.issuer, p.relay.ticket, p.relay.own, ack.HalfKey)
		switch {
		case packet.IsAnomaly(err):
			res.Anomaly = err
			r.log.Warningf("Ticket resolution anomaly: %v", err)
		case err != nil:
			r.log.Errorf("Ticket resolution failed: %v", err)
		}
		res.Outcome = TicketLoss
		won.WhenSome(func(t *tickets.AcknowledgedTicket) {
			res.Outcome = TicketWin
			res.Ticket = t
		})
	}
	p.complete(res)

	r.account(res)
	return res
}

func (r *Resolver) account(res *Resolution) {
	instrument.Acknowledgement(res.Outcome.String())
	if res.Anomaly != nil {
		instrument.Anomaly()
	}
}

// Wait blocks until the acknowledgement of challenge resolves or times out.
// If ctx is done first the entry is released, and a later acknowledgement
// for it resolves as Unexpected.
func (r *Resolver) Wait(ctx context.Context, challenge por.HalfKeyChallenge) (*Resolution, error) {
	r.Lock()
	p, ok := r.pending[challenge]
	r.Unlock()
	if !ok {
		return nil, ErrNotPending
	}

	select {
	case <-p.doneCh:
		r.release(challenge, p)
		return p.res, nil
	case <-ctx.Done():
		r.release(challenge, p)
		return nil, ctx.Err()
	case <-r.HaltCh():
		return nil, errors.New("ackresolver: halted")
	}
}

func (r *Resolver) release(challenge por.HalfKeyChallenge, p *pending) {
	r.Lock()
	defer r.Unlock()
	if r.pending[challenge] == p {
		delete(r.pending, challenge)
	}
	if !p.claimed && p.relay != nil {
		p.relay.own.Reset()
	}
}

func (r *Resolver) expiryWorker() {
	for {
		select {
		case <-r.HaltCh():
			r.log.Debugf("Terminating gracefully.")
			return
		case <-r.clock.TickAfter(r.sweepInterval):
		}
		r.sweep(r.clock.Now())
	}
}

func (r *Resolver) sweep(now time.Time) {
	var expired []*Resolution

	r.Lock()
	for _, e := range r.deadlines.DequeueExpired(now) {
		challenge := e.Value
		p, ok := r.pending[challenge]
		if !ok || p.deadline.After(now) {
			continue
		}
		if p.claimed {
			delete(r.pending, challenge)
			continue
		}

		p.claimed = true
		res := &Resolution{Outcome: TimedOut, Challenge: challenge}
		p.complete(res)
		expired = append(expired, res)

		// Linger for one more sweep, so a late Wait still sees the timeout.
		p.deadline = now.Add(r.sweepInterval)
		r.deadlines.Enqueue(p.deadline, challenge)
	}
	r.Unlock()

	for _, res := range expired {
		r.log.Debugf("Acknowledgement %x timed out.", res.Challenge[:8])
		r.account(res)
	}
}
