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

import (
	"fmt"

	"github.com/dijkstracula/go-nlock/graph"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type batchEntry struct {
	req *Request
	t   target
}

// expand resolves every request of a batch before anything is registered, so
// a malformed batch leaves no partial state behind.
func expand(reqs []*Request) ([]batchEntry, error) {
	var out []batchEntry
	for _, r := range reqs {
		ts, err := r.targets()
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			out = append(out, batchEntry{req: r, t: t})
		}
	}
	return out, nil
}

// waitPending blocks until every pending entry has become active and hands
// the wait handles back.
func (m *Manager) waitPending(o Owner, ps []pending) {
	if len(ps) == 0 {
		return
	}
	seen := make(map[*waitHandle]struct{}, len(ps))
	hs := make([]*waitHandle, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p.h]; !ok {
			seen[p.h] = struct{}{}
			hs = append(hs, p.h)
		}
	}
	m.log.Debug("batch contended", zap.Stringer("owner", o), zap.Int("handles", len(hs)))
	waitAll(hs)
	for _, p := range ps {
		p.c.mu.Lock()
		p.c.consume(p.obj, p.h, m.pool)
		p.c.mu.Unlock()
	}
}

// RequestLocks acquires every lock in reqs for owner o and fills in each
// request's Key. All intents are registered in one step, then the call blocks
// until all of them are granted.
func (m *Manager) RequestLocks(o Owner, reqs []*Request) error {
	entries, err := expand(reqs)
	if err != nil {
		return err
	}

	var waits []pending
	m.mu.Lock()
	if m.lockedDown.Load() {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot lock a batch of %d", ErrLockedDown, len(reqs))
	}
	for _, e := range entries {
		p := m.mergeInto(m.chainLocked(e.t), o, e.req.Writable)
		e.req.Key.objs[e.t.slot] = p.obj
		if p.h != nil {
			waits = append(waits, p)
		}
	}
	m.mu.Unlock()

	m.waitPending(o, waits)
	return nil
}

// UpgradeLocksForWriting upgrades every request's lock to exclusive, updating
// each Key. Keys are checked before anything changes.
func (m *Manager) UpgradeLocksForWriting(o Owner, reqs []*Request) error {
	entries, err := expand(reqs)
	if err != nil {
		return err
	}

	var waits []pending
	m.mu.Lock()
	if err := m.checkBatch(o, entries, "upgrade"); err != nil {
		m.mu.Unlock()
		return err
	}
	// A reentrant batch names the same object more than once. It is upgraded
	// once; later entries share the result and claim its handle again.
	upgraded := make(map[*lockObject]*lockObject, len(entries))
	for _, e := range entries {
		c := m.chains[e.t.slot][e.t.res]
		old := e.req.Key.objs[e.t.slot]
		c.mu.Lock()
		obj, ok := upgraded[old]
		var h *waitHandle
		if ok {
			h = c.claim(obj)
		} else {
			obj, h, err = c.upgrade(o, old, m.pool)
			if err != nil {
				// checkBatch verified every key under the exclusive hold.
				c.mu.Unlock()
				m.mu.Unlock()
				m.waitPending(o, waits)
				return m.violation(o, e.t, "upgrade", err)
			}
			upgraded[old] = obj
			upgraded[obj] = obj
		}
		c.mu.Unlock()
		e.req.Key.objs[e.t.slot] = obj
		if h != nil {
			waits = append(waits, pending{c: c, obj: obj, h: h})
		}
	}
	m.mu.Unlock()

	m.waitPending(o, waits)
	return nil
}

// ReleaseLocks releases every request's lock and clears its Key. Keys are
// checked before anything is released.
func (m *Manager) ReleaseLocks(o Owner, reqs []*Request) error {
	entries, err := expand(reqs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBatch(o, entries, "release"); err != nil {
		return err
	}
	for _, e := range entries {
		c, ok := m.chains[e.t.slot][e.t.res]
		if !ok {
			return m.violation(o, e.t, "release", fmt.Errorf("%w: resource is not locked", ErrProtocolViolation))
		}
		c.mu.Lock()
		drained, err := c.release(o, e.req.Key.objs[e.t.slot])
		c.mu.Unlock()
		if err != nil {
			return m.violation(o, e.t, "release", err)
		}
		if drained {
			m.dropIfDrained(e.t, c)
		}
	}
	for _, r := range reqs {
		r.Key = Key{}
	}
	return nil
}

// checkBatch verifies that o holds every lock named by entries, counting
// repeated entries against o's reentrant holds. m.mu must be held
// exclusively.
func (m *Manager) checkBatch(o Owner, entries []batchEntry, op string) error {
	need := make(map[*lockObject]int, len(entries))
	for _, e := range entries {
		c, ok := m.chains[e.t.slot][e.t.res]
		if !ok {
			return m.violation(o, e.t, op, fmt.Errorf("%w: resource is not locked", ErrProtocolViolation))
		}
		obj := e.req.Key.objs[e.t.slot]
		need[obj]++
		c.mu.Lock()
		err := c.checkHeld(o, obj, need[obj])
		c.mu.Unlock()
		if err != nil {
			return m.violation(o, e.t, op, err)
		}
	}
	return nil
}

// Do acquires reqs, runs fn and releases reqs again, whatever fn returns.
func (m *Manager) Do(o Owner, reqs []*Request, fn func() error) (err error) {
	if err := m.RequestLocks(o, reqs); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.ReleaseLocks(o, reqs))
	}()
	return fn()
}

// Stats is a snapshot of the manager's bookkeeping.
type Stats struct {
	// Chains counts live chains per relation.
	Chains map[graph.Relation]int
	// InfoChains counts live chains on link info lists.
	InfoChains   int
	FreeHandles  int
	HandlesInUse int
	LockedDown   bool
}

// Stats returns a snapshot of the manager's bookkeeping.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{Chains: make(map[graph.Relation]int, graph.NumRelations)}
	for slot, cs := range m.chains {
		if slot == infoSlot {
			s.InfoChains = len(cs)
			continue
		}
		if len(cs) > 0 {
			s.Chains[graph.Relation(slot+1)] = len(cs)
		}
	}
	m.mu.RUnlock()
	s.FreeHandles, s.HandlesInUse = m.pool.stats()
	s.LockedDown = m.lockedDown.Load()
	return s
}

// inspect runs fn on the chain for (res, slot) under its lock. It reports
// false if there is no such chain.
func (m *Manager) inspect(res any, slot int, fn func(*chain)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[slot][res]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
	return true
}
