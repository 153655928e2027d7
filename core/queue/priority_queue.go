// priority_queue.go - Min-Heap based deadline queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
// Copyright (C) 2026  The Relaymix Authors.
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
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

// Package queue implements a queue of values ordered by deadline.
package queue

import (
	"container/heap"
	"time"
)

// Entry is a DeadlineQueue entry.
type Entry[T any] struct {
	Value    T
	Deadline time.Time

	seq uint64
}

type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

// Entries sharing a deadline leave in insertion order.
func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(*Entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// DeadlineQueue is a min-heap of values keyed by deadline.  It is not safe
// for concurrent use.
type DeadlineQueue[T any] struct {
	heap entryHeap[T]
	seq  uint64
}

// Enqueue inserts v with the given deadline.
func (q *DeadlineQueue[T]) Enqueue(deadline time.Time, v T) {
	q.seq++
	heap.Push(&q.heap, &Entry[T]{Value: v, Deadline: deadline, seq: q.seq})
}

// Peek returns the entry with the earliest deadline if any, leaving the
// queue unaltered.  Callers MUST NOT alter the Deadline of the returned
// entry.
func (q *DeadlineQueue[T]) Peek() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Dequeue removes and returns the entry with the earliest deadline if any.
func (q *DeadlineQueue[T]) Dequeue() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry[T])
}

// DequeueExpired removes and returns, earliest first, every entry whose
// deadline is not after now.
func (q *DeadlineQueue[T]) DequeueExpired(now time.Time) []*Entry[T] {
	var expired []*Entry[T]
	for {
		e := q.Peek()
		if e == nil || e.Deadline.After(now) {
			return expired
		}
		expired = append(expired, q.Dequeue())
	}
}

// Len returns the current length of the queue.
func (q *DeadlineQueue[T]) Len() int {
	return len(q.heap)
}

// New creates a new DeadlineQueue.
func New[T any]() *DeadlineQueue[T] {
	return new(DeadlineQueue[T])
}
