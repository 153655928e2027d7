// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay tracks the packet tags a node has already accepted.
package replay

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/packet"
)

// Filter is a test-and-set set of packet tags.  Once the active bloom filter
// is saturated it is retired to a read only generation and a fresh one takes
// its place, so tags stay rejected for at least one full generation.
type Filter struct {
	sync.Mutex

	log *logging.Logger

	mLn2 int
	p    float64

	current  *bloom.Filter
	previous *bloom.Filter
}

// New creates a filter of 2^mLn2 bits per generation with false positive
// rate p.
func New(mLn2 int, p float64, log *logging.Logger) (*Filter, error) {
	f, err := bloom.New(rand.Reader, mLn2, p)
	if err != nil {
		return nil, err
	}
	return &Filter{
		log:     log,
		mLn2:    mLn2,
		p:       p,
		current: f,
	}, nil
}

// IsReplay marks a given tag as seen, and returns true iff the tag has been
// seen previously.
func (f *Filter) IsReplay(tag packet.PacketTag) bool {
	f.Lock()
	defer f.Unlock()

	if f.previous != nil && f.previous.Test(tag[:]) {
		return true
	}
	if f.current.TestAndSet(tag[:]) {
		return true
	}

	if f.current.Entries() >= f.current.MaxEntries() {
		next, err := bloom.New(rand.Reader, f.mLn2, f.p)
		if err != nil {
			// Keep the saturated filter, it only raises the false positive rate.
			f.log.Errorf("Failed to rotate replay filter: %v", err)
			return false
		}
		f.log.Noticef("Replay filter saturated after %d tags, rotating.", f.current.Entries())
		f.previous, f.current = f.current, next
	}
	return false
}

// Entries returns the number of tags in the active generation.
func (f *Filter) Entries() int {
	f.Lock()
	defer f.Unlock()
	return f.current.Entries()
}
