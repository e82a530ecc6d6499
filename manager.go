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

// Package nlock implements the lock manager that guards the neuron graph.
//
// Every (resource, relation) pair has its own FIFO chain of lock objects.
// A request either joins the active head of its chain, when the modes are
// compatible, or queues a new object at the tail and waits until that object
// becomes the head. Batched requests register all of their intents under one
// exclusive hold of the manager's structural lock, so two batches never
// interleave their registrations.
package nlock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dijkstracula/go-nlock/graph"
	"go.uber.org/zap"
)

// Manager owns the chains of every lockable resource. The zero value is not
// usable; create one with New and share it among all processors.
type Manager struct {
	// mu guards the chain maps. Lookups and single requests take it shared;
	// creating or deleting a chain, and every batch, take it exclusively.
	mu     sync.RWMutex
	chains [numSlots]map[any]*chain

	pool       *handlePool
	lockedDown atomic.Bool
	log        *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger the manager reports contention and misuse to.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithPreloadedHandles sets the initial wait handle pool size.
func WithPreloadedHandles(n int) Option {
	return func(m *Manager) {
		m.pool.resize(n)
	}
}

// WithConfig applies cfg to the manager.
func WithConfig(cfg *Config) Option {
	return func(m *Manager) {
		m.pool.resize(cfg.PreloadedHandles)
	}
}

// New returns a Manager ready for use.
func New(opts ...Option) *Manager {
	m := &Manager{
		pool: newHandlePool(DefaultPreloadedHandles),
		log:  zap.NewNop(),
	}
	for i := range m.chains {
		m.chains[i] = make(map[any]*chain)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PreloadedHandles returns the advisory size of the wait handle pool.
func (m *Manager) PreloadedHandles() int {
	return m.pool.size()
}

// SetPreloadedHandles grows or shrinks the wait handle pool.
func (m *Manager) SetPreloadedHandles(n int) {
	m.pool.resize(n)
}

// LockAll puts the manager in lockdown. New requests fail with ErrLockedDown
// until ReleaseLockAll is called; locks already held stay valid and can be
// upgraded and released.
func (m *Manager) LockAll() {
	// Flip under the structural lock so no registration that already passed
	// the check is still in flight when LockAll returns.
	m.mu.Lock()
	swapped := m.lockedDown.CompareAndSwap(false, true)
	m.mu.Unlock()
	if swapped {
		m.log.Info("lock manager locked down")
	}
}

// ReleaseLockAll ends a lockdown.
func (m *Manager) ReleaseLockAll() {
	if m.lockedDown.CompareAndSwap(true, false) {
		m.log.Info("lock manager lockdown released")
	}
}

// IsLockedDown reports whether the manager is in lockdown.
func (m *Manager) IsLockedDown() bool {
	return m.lockedDown.Load()
}

// RequestLock locks relation rel of n for owner o, blocking until the lock is
// granted. rel may be All.
func (m *Manager) RequestLock(o Owner, n graph.Lockable, rel graph.Relation, writable bool) (Key, error) {
	return m.request(o, &Request{Neuron: n, Relation: rel, Writable: writable})
}

// RequestInfoLock locks a link's info list for owner o.
func (m *Manager) RequestInfoLock(o Owner, list *graph.LinkInfoList, writable bool) (Key, error) {
	return m.request(o, &Request{InfoList: list, Writable: writable})
}

func (m *Manager) request(o Owner, req *Request) (Key, error) {
	ts, err := req.targets()
	if err != nil {
		return Key{}, err
	}
	if len(ts) > 1 {
		if err := m.RequestLocks(o, []*Request{req}); err != nil {
			return Key{}, err
		}
		return req.Key, nil
	}

	t := ts[0]
	p, err := m.mergeOne(o, t, req.Writable)
	if err != nil {
		return Key{}, fmt.Errorf("%w: cannot lock %s", err, req)
	}
	m.await(o, t, req.Writable, p)

	var k Key
	k.objs[t.slot] = p.obj
	return k, nil
}

// mergeOne merges a single request. A chain that exists is found and merged
// into under the shared structural lock; creating one takes it exclusively.
func (m *Manager) mergeOne(o Owner, t target, writable bool) (pending, error) {
	m.mu.RLock()
	if m.lockedDown.Load() {
		m.mu.RUnlock()
		return pending{}, ErrLockedDown
	}
	c, ok := m.chains[t.slot][t.res]
	if ok {
		p := m.mergeInto(c, o, writable)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockedDown.Load() {
		return pending{}, ErrLockedDown
	}
	return m.mergeInto(m.chainLocked(t), o, writable), nil
}

func (m *Manager) mergeInto(c *chain, o Owner, writable bool) pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, h := c.merge(o, writable, m.pool)
	return pending{c: c, obj: obj, h: h}
}

// chainLocked returns the chain for t, creating it if needed. m.mu must be
// held exclusively.
func (m *Manager) chainLocked(t target) *chain {
	c, ok := m.chains[t.slot][t.res]
	if !ok {
		c = &chain{}
		m.chains[t.slot][t.res] = c
	}
	return c
}

// pending is a merge result that may still have to wait.
type pending struct {
	c   *chain
	obj *lockObject
	h   *waitHandle
}

func (m *Manager) await(o Owner, t target, writable bool, p pending) {
	if p.h == nil {
		return
	}
	m.log.Debug("lock contended",
		zap.Stringer("owner", o),
		zap.String("slot", slotName(t.slot)),
		zap.String("resource", fmt.Sprintf("%p", t.res)),
		zap.Bool("writable", writable))
	p.h.Wait()
	p.c.mu.Lock()
	p.c.consume(p.obj, p.h, m.pool)
	p.c.mu.Unlock()
}

// UpgradeLockForWriting turns a shared lock held with key into an exclusive
// one. The returned key equals key when the upgrade happened in place;
// otherwise the caller waited for the other holders and must use the new key.
func (m *Manager) UpgradeLockForWriting(o Owner, n graph.Lockable, rel graph.Relation, key Key) (Key, error) {
	return m.upgrade(o, &Request{Neuron: n, Relation: rel, Key: key})
}

// UpgradeInfoLockForWriting is UpgradeLockForWriting for a link's info list.
func (m *Manager) UpgradeInfoLockForWriting(o Owner, list *graph.LinkInfoList, key Key) (Key, error) {
	return m.upgrade(o, &Request{InfoList: list, Key: key})
}

func (m *Manager) upgrade(o Owner, req *Request) (Key, error) {
	ts, err := req.targets()
	if err != nil {
		return Key{}, err
	}
	if len(ts) > 1 {
		if err := m.UpgradeLocksForWriting(o, []*Request{req}); err != nil {
			return Key{}, err
		}
		return req.Key, nil
	}

	t := ts[0]
	m.mu.RLock()
	c, ok := m.chains[t.slot][t.res]
	if !ok {
		m.mu.RUnlock()
		return Key{}, m.violation(o, t, "upgrade", fmt.Errorf("%w: resource is not locked", ErrProtocolViolation))
	}
	c.mu.Lock()
	obj, h, err := c.upgrade(o, req.Key.objs[t.slot], m.pool)
	c.mu.Unlock()
	m.mu.RUnlock()
	if err != nil {
		return Key{}, m.violation(o, t, "upgrade", err)
	}

	m.await(o, t, true, pending{c: c, obj: obj, h: h})

	k := req.Key
	k.objs[t.slot] = obj
	return k, nil
}

// ReleaseLock gives back a lock acquired with RequestLock or upgraded with
// UpgradeLockForWriting.
func (m *Manager) ReleaseLock(o Owner, n graph.Lockable, rel graph.Relation, key Key) error {
	return m.release(o, &Request{Neuron: n, Relation: rel, Key: key})
}

// ReleaseInfoLock gives back a lock on a link's info list.
func (m *Manager) ReleaseInfoLock(o Owner, list *graph.LinkInfoList, key Key) error {
	return m.release(o, &Request{InfoList: list, Key: key})
}

func (m *Manager) release(o Owner, req *Request) error {
	ts, err := req.targets()
	if err != nil {
		return err
	}
	if len(ts) > 1 {
		return m.ReleaseLocks(o, []*Request{req})
	}

	t := ts[0]
	m.mu.RLock()
	c, ok := m.chains[t.slot][t.res]
	if !ok {
		m.mu.RUnlock()
		return m.violation(o, t, "release", fmt.Errorf("%w: resource is not locked", ErrProtocolViolation))
	}
	c.mu.Lock()
	drained, err := c.release(o, req.Key.objs[t.slot])
	c.mu.Unlock()
	m.mu.RUnlock()
	if err != nil {
		return m.violation(o, t, "release", err)
	}
	if drained {
		m.mu.Lock()
		m.dropIfDrained(t, c)
		m.mu.Unlock()
	}
	return nil
}

// dropIfDrained removes c from the maps unless somebody revived it. m.mu must
// be held exclusively.
func (m *Manager) dropIfDrained(t target, c *chain) {
	if m.chains[t.slot][t.res] != c {
		return
	}
	c.mu.Lock()
	empty := c.head == nil
	c.mu.Unlock()
	if empty {
		delete(m.chains[t.slot], t.res)
	}
}

func (m *Manager) violation(o Owner, t target, op string, err error) error {
	m.log.Warn("lock protocol violation",
		zap.String("op", op),
		zap.Stringer("owner", o),
		zap.String("slot", slotName(t.slot)),
		zap.String("resource", fmt.Sprintf("%p", t.res)),
		zap.Error(err))
	return err
}
