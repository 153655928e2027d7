// cryptoworker.go - Relaymix crypto worker pool.
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

// Package cryptoworker runs CPU bound packet operations on a fixed set of
// worker go routines.
package cryptoworker

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/relaymix/relaymix/core/log"
	"github.com/relaymix/relaymix/core/worker"
)

// ErrHalted is returned for work submitted to a halted pool.
var ErrHalted = errors.New("cryptoworker: pool halted")

type job struct {
	fn func()
}

// Pool is a set of crypto workers.
type Pool struct {
	worker.Worker

	log   *logging.Logger
	jobCh chan *job
}

// New starts a pool of n workers.
func New(n int, logBackend *log.Backend) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		log:   logBackend.GetLogger("cryptoworker"),
		jobCh: make(chan *job),
	}
	for i := 0; i < n; i++ {
		l := logBackend.GetLogger(fmt.Sprintf("crypto:%d", i))
		p.Go(func() {
			p.worker(l)
		})
	}
	p.log.Debugf("Started %d crypto workers.", n)
	return p
}

func (p *Pool) worker(l *logging.Logger) {
	for {
		var j *job
		select {
		case <-p.HaltCh():
			l.Debugf("Terminating gracefully.")
			return
		case j = <-p.jobCh:
		}
		j.fn()
	}
}

// Submit runs fn on the pool and waits for its result.  If ctx is done first
// the caller stops waiting, but a job already picked up still runs to
// completion and its result is discarded.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T

	resultCh := make(chan result, 1)
	j := &job{
		fn: func() {
			v, err := fn()
			resultCh <- result{v, err}
		},
	}

	select {
	case p.jobCh <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.HaltCh():
		return zero, ErrHalted
	}

	select {
	case r := <-resultCh:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
