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
	"sync"
)

// lockObject is one link in a resource's wait chain. The head of the chain is
// active: its holders may use the resource. Every later object is queued and
// carries a wait handle that is set when the object becomes the head.
//
// All fields are guarded by the owning chain's mutex.
type lockObject struct {
	chain    *chain
	writable bool
	holders  map[Owner]int

	// wait is non-nil while the object is queued, and stays set after
	// promotion until the last owner that waited on it has consumed it.
	wait    *waitHandle
	waiters int

	next *lockObject
}

func newLockObject(c *chain, writable bool) *lockObject {
	return &lockObject{chain: c, writable: writable, holders: make(map[Owner]int, 1)}
}

// compatible reports whether a request can join this object's holders.
func (l *lockObject) compatible(writable bool) bool {
	if len(l.holders) == 0 {
		return true
	}
	return !l.writable && !writable
}

// chain is the FIFO of lock objects queued against one resource and slot.
type chain struct {
	mu   sync.Mutex
	head *lockObject
}

func (c *chain) tail() *lockObject {
	t := c.head
	for t.next != nil {
		t = t.next
	}
	return t
}

// claim registers the caller as a waiter on obj if obj is still queued and
// returns the handle to wait on. Each non-nil result must be paired with one
// consume.
func (c *chain) claim(obj *lockObject) *waitHandle {
	if obj == c.head || obj.wait == nil {
		return nil
	}
	obj.waiters++
	return obj.wait
}

// consume records that a waiter has been released from h. The last one gives
// the handle back to the pool.
func (c *chain) consume(obj *lockObject, h *waitHandle, pool *handlePool) {
	obj.waiters--
	if obj.waiters == 0 && obj.wait == h {
		obj.wait = nil
		pool.release(h)
	}
}

// append queues a new object at the tail on behalf of o.
func (c *chain) append(o Owner, writable bool, count int, pool *handlePool) *lockObject {
	t := c.tail()
	obj := newLockObject(c, writable)
	obj.holders[o] = count
	obj.wait = pool.acquire()
	t.next = obj
	return obj
}

// merge folds a request by o into the chain and returns the object that now
// carries it, plus a handle to wait on when that object is queued.
func (c *chain) merge(o Owner, writable bool, pool *handlePool) (*lockObject, *waitHandle) {
	if c.head == nil {
		c.head = newLockObject(c, writable)
		c.head.holders[o] = 1
		return c.head, nil
	}

	// Reentrant requests join the object o is already in, as long as the
	// modes allow it. A sole shared holder of the head is promoted in place.
	for obj := c.head; obj != nil; obj = obj.next {
		cnt, ok := obj.holders[o]
		if !ok {
			continue
		}
		if obj.writable || !writable {
			obj.holders[o] = cnt + 1
			return obj, c.claim(obj)
		}
		if obj == c.head && len(obj.holders) == 1 {
			obj.writable = true
			obj.holders[o] = cnt + 1
			return obj, nil
		}
		break
	}

	t := c.tail()
	if t.compatible(writable) {
		if len(t.holders) == 0 {
			t.writable = writable
		}
		t.holders[o]++
		return t, c.claim(t)
	}
	obj := c.append(o, writable, 1, pool)
	return obj, c.claim(obj)
}

// checkHeld returns an error unless obj is the active head and o holds it at
// least n times.
func (c *chain) checkHeld(o Owner, obj *lockObject, n int) error {
	if obj == nil || obj != c.head {
		return fmt.Errorf("%w: key is not the head of its chain", ErrProtocolViolation)
	}
	if obj.holders[o] < n {
		return fmt.Errorf("%w: owner %s does not hold the lock", ErrProtocolViolation, o)
	}
	return nil
}

// upgrade turns o's hold on obj into an exclusive one. The result is obj
// itself when no wait is needed; otherwise o leaves obj and is queued behind
// the remaining holders.
func (c *chain) upgrade(o Owner, obj *lockObject, pool *handlePool) (*lockObject, *waitHandle, error) {
	if err := c.checkHeld(o, obj, 1); err != nil {
		return nil, nil, err
	}
	if obj.writable {
		return obj, nil, nil
	}
	if len(obj.holders) == 1 {
		obj.writable = true
		return obj, nil, nil
	}
	cnt := obj.holders[o]
	delete(obj.holders, o)
	queued := c.append(o, true, cnt, pool)
	return queued, c.claim(queued), nil
}

// release drops one hold of o on obj. When the head drains, the next object
// is promoted and its waiters are woken. It reports whether the chain is
// now empty.
func (c *chain) release(o Owner, obj *lockObject) (bool, error) {
	if err := c.checkHeld(o, obj, 1); err != nil {
		return false, err
	}
	if obj.holders[o]--; obj.holders[o] == 0 {
		delete(obj.holders, o)
	}
	if len(obj.holders) > 0 {
		return false, nil
	}
	c.head = obj.next
	obj.next = nil
	if c.head == nil {
		return true, nil
	}
	if c.head.wait != nil {
		c.head.wait.Set()
	}
	return false, nil
}

// active returns the holders of the head and whether it is exclusive.
func (c *chain) active() (map[Owner]int, bool) {
	if c.head == nil {
		return nil, false
	}
	out := make(map[Owner]int, len(c.head.holders))
	for o, n := range c.head.holders {
		out[o] = n
	}
	return out, c.head.writable
}

// length counts the objects in the chain.
func (c *chain) length() int {
	n := 0
	for obj := c.head; obj != nil; obj = obj.next {
		n++
	}
	return n
}
