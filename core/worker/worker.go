// worker.go - Goroutine lifetime management.
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

// Package worker ties the lifetime of a group of goroutines to a single
// halt signal.  The node's crypto pool and acknowledgement expiry loop embed
// it.
package worker

import "sync"

// Worker tracks the goroutines started with Go.  The zero value is ready to
// use.
type Worker struct {
	sync.WaitGroup

	once     sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) halt() chan struct{} {
	w.once.Do(func() { w.haltCh = make(chan struct{}) })
	return w.haltCh
}

// Go runs fn on its own goroutine.  fn owns its exit: it must select on
// HaltCh and return once it closes.
func (w *Worker) Go(fn func()) {
	w.halt()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// HaltCh is closed by the first Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	return w.halt()
}

// Halt closes HaltCh and blocks until every goroutine has returned.  Later
// calls only wait.
func (w *Worker) Halt() {
	ch := w.halt()
	w.haltOnce.Do(func() { close(ch) })
	w.Wait()
}
