// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package surbstore keeps the SURBs received from peers, per pseudonym, and
// the reply openers of the SURBs this node handed out.
package surbstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/node/config"
)

// entry is the SURB ring of one pseudonym, oldest first.  The list grows
// with its content and is trimmed from the front at capacity.
type entry struct {
	sync.Mutex

	rb *doublylinkedlist.List

	// distressed latches once the count drops to the threshold, and clears
	// once it rises above it again.
	distressed bool
}

// Size implements the cache value interface, one unit per pseudonym.
func (e *entry) Size() (uint64, error) {
	return 1, nil
}

// Store is safe for concurrent use.  At most MaxPseudonyms rings are kept,
// the least recently used one is dropped to make room for a new pseudonym.
type Store struct {
	sync.Mutex

	log *logging.Logger

	capacity  int
	threshold int

	entries *lru.Cache[packet.Pseudonym, *entry]
	openers *lru.Cache[packet.SenderID, *packet.ReplyOpener]
}

// New creates a store sized by cfg.
func New(cfg *config.SurbCache, log *logging.Logger) *Store {
	return &Store{
		log:       log,
		capacity:  cfg.RbCapacity,
		threshold: cfg.DistressThreshold,
		entries:   lru.NewCache[packet.Pseudonym, *entry](uint64(max(cfg.MaxPseudonyms, 1))),
		openers:   lru.NewCache[packet.SenderID, *packet.ReplyOpener](uint64(cfg.ReplyOpenerCapacity)),
	}
}

func (s *Store) getEntry(p packet.Pseudonym, create bool) *entry {
	e, err := s.entries.Get(p)
	if err == nil || !create {
		return e
	}

	s.Lock()
	defer s.Unlock()
	if e, err = s.entries.Get(p); err == nil {
		return e
	}
	if !errors.Is(err, cache.ErrElementNotFound) {
		s.log.Warningf("SURB index lookup failed: %v", err)
	}
	e = &entry{rb: doublylinkedlist.New()}
	evicted, err := s.entries.Put(p, e)
	if err != nil {
		s.log.Warningf("Failed to index SURBs of %v: %v", p, err)
	}
	if evicted {
		s.log.Debugf("Pseudonym limit reached, dropped the SURBs of the least recently used pseudonym.")
	}
	return e
}

// InsertSurbs stores SURBs received for pseudonym p, evicting the oldest
// ones once the ring is full, and returns the number of SURBs now held.
func (s *Store) InsertSurbs(p packet.Pseudonym, surbs []*packet.Surb) int {
	e := s.getEntry(p, true)

	e.Lock()
	defer e.Unlock()

	for _, v := range surbs {
		if e.rb.Size() >= s.capacity {
			s.log.Debugf("SURB ring of %v is full, evicting the oldest SURB.", p)
			e.rb.Remove(0)
		}
		e.rb.Add(v)
	}
	n := e.rb.Size()
	if n > s.threshold {
		e.distressed = false
	}
	return n
}

// Count returns the number of SURBs held for pseudonym p.
func (s *Store) Count(p packet.Pseudonym) int {
	e := s.getEntry(p, false)
	if e == nil {
		return 0
	}
	e.Lock()
	defer e.Unlock()
	return e.rb.Size()
}

// FindSurb removes and returns the SURB selected by m, or
// packet.ErrNoSurb.  No SURB is ever returned twice.
func (s *Store) FindSurb(m packet.SurbMatcher) (*packet.FoundSurb, error) {
	e := s.getEntry(m.Pseudonym, false)
	if e == nil {
		return nil, fmt.Errorf("%w: unknown pseudonym %v", packet.ErrNoSurb, m.Pseudonym)
	}

	e.Lock()
	defer e.Unlock()

	var (
		idx int
		v   any
		ok  bool
	)
	if m.ID == nil {
		if v, ok = e.rb.Get(0); !ok {
			return nil, fmt.Errorf("%w: no SURBs left for %v", packet.ErrNoSurb, m.Pseudonym)
		}
	} else {
		idx, v = e.rb.Find(func(_ int, v any) bool {
			return v.(*packet.Surb).ID == *m.ID
		})
		if idx < 0 {
			return nil, fmt.Errorf("%w: no SURB %x for %v", packet.ErrNoSurb, m.ID[:], m.Pseudonym)
		}
	}
	e.rb.Remove(idx)
	surb := v.(*packet.Surb)

	found := &packet.FoundSurb{
		SenderID:  packet.SenderID{Pseudonym: m.Pseudonym, SurbID: surb.ID},
		Surb:      surb,
		Remaining: e.rb.Size(),
	}
	if found.Remaining <= s.threshold && !e.distressed {
		e.distressed = true
		found.Distress = true
		s.log.Debugf("SURB distress for %v, %d left.", m.Pseudonym, found.Remaining)
	}
	return found, nil
}

// InsertReplyOpener records the opener of a SURB this node issued.
func (s *Store) InsertReplyOpener(id packet.SenderID, opener *packet.ReplyOpener) error {
	evicted, err := s.openers.Put(id, opener)
	if err != nil {
		return err
	}
	if evicted {
		s.log.Debugf("Reply opener cache full, evicted the least recently used opener.")
	}
	return nil
}

// ReplyOpener returns the opener for id, leaving it in place.
func (s *Store) ReplyOpener(id packet.SenderID) (*packet.ReplyOpener, bool) {
	opener, err := s.openers.Get(id)
	if err != nil {
		return nil, false
	}
	return opener, true
}

// TakeReplyOpener removes and returns the opener for id.
func (s *Store) TakeReplyOpener(id packet.SenderID) (*packet.ReplyOpener, bool) {
	return s.openers.LoadAndDelete(id)
}
