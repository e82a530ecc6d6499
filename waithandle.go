// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package nlock

import "sync"

// DefaultPreloadedHandles is the pool size a Manager starts with unless
// configured otherwise.
const DefaultPreloadedHandles = 16

// waitHandle is a manual-reset event: once set, every waiter passes until it
// is reset.
type waitHandle struct {
	c        *sync.Cond
	signaled bool
}

func newWaitHandle() *waitHandle {
	var mtx sync.Mutex
	return &waitHandle{c: sync.NewCond(&mtx)}
}

// Wait blocks until the handle is set.
func (h *waitHandle) Wait() {
	h.c.L.Lock()
	for !h.signaled {
		h.c.Wait()
	}
	h.c.L.Unlock()
}

// Set signals the handle and wakes all waiters.
func (h *waitHandle) Set() {
	h.c.L.Lock()
	h.signaled = true
	h.c.L.Unlock()
	h.c.Broadcast()
}

// Reset returns the handle to the non-signaled state.
func (h *waitHandle) Reset() {
	h.c.L.Lock()
	h.signaled = false
	h.c.L.Unlock()
}

// isSet is only meant for tests and diagnostics.
func (h *waitHandle) isSet() bool {
	h.c.L.Lock()
	defer h.c.L.Unlock()
	return h.signaled
}

// waitAll blocks until every handle in hs is set.
func waitAll(hs []*waitHandle) {
	for _, h := range hs {
		h.Wait()
	}
}

// handlePool recycles wait handles. Handles are handed out reset; callers must
// not release a handle while a waiter may still be blocked on it.
type handlePool struct {
	mu        sync.Mutex
	free      []*waitHandle
	preloaded int
	inUse     int
}

func newHandlePool(preloaded int) *handlePool {
	p := &handlePool{}
	p.resize(preloaded)
	return p
}

// acquire returns a reset handle, reusing a pooled one if there is any.
func (p *handlePool) acquire() *waitHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse++
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return h
	}
	return newWaitHandle()
}

// release resets h and puts it back in the pool. Handles beyond the preloaded
// size are dropped.
func (p *handlePool) release(h *waitHandle) {
	h.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	if len(p.free) < p.preloaded {
		p.free = append(p.free, h)
	}
}

// resize sets the advisory pool size, allocating or dropping free handles to
// match it.
func (p *handlePool) resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preloaded = n
	for len(p.free) < n {
		p.free = append(p.free, newWaitHandle())
	}
	for i := n; i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = p.free[:n]
}

func (p *handlePool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preloaded
}

func (p *handlePool) stats() (free, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.inUse
}
