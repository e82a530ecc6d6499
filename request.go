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
)

// Each concrete relation gets one slot, info lists get the last one.
const (
	infoSlot = graph.NumRelations
	numSlots = graph.NumRelations + 1
)

func relationSlot(r graph.Relation) int {
	return int(r) - 1
}

func slotName(slot int) string {
	if slot == infoSlot {
		return "LinkInfo"
	}
	return graph.Relation(slot + 1).String()
}

// Key is the capability returned by a successful acquisition and needed to
// upgrade or release it. Keys for All carry one entry per expanded relation.
// The zero Key holds nothing.
type Key struct {
	objs [numSlots]*lockObject
}

// IsZero reports whether k holds no lock.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Request describes one lock in a batch: either a relation of a neuron or a
// link's info list. Key is filled in once the lock is acquired.
type Request struct {
	Neuron   graph.Lockable
	Relation graph.Relation
	InfoList *graph.LinkInfoList
	Writable bool

	Key Key
}

// NeuronRequest returns a request for relation rel of n.
func NeuronRequest(n graph.Lockable, rel graph.Relation, writable bool) *Request {
	return &Request{Neuron: n, Relation: rel, Writable: writable}
}

// InfoRequest returns a request for a link's info list.
func InfoRequest(list *graph.LinkInfoList, writable bool) *Request {
	return &Request{InfoList: list, Writable: writable}
}

func (r *Request) String() string {
	if r.InfoList != nil {
		return fmt.Sprintf("info %p (writable=%t)", r.InfoList, r.Writable)
	}
	return fmt.Sprintf("%s of %p (writable=%t)", r.Relation, r.Neuron, r.Writable)
}

// target is a single chain: a resource in one slot.
type target struct {
	slot int
	res  any
}

// targets expands r into the chains it covers, in fan-out order.
func (r *Request) targets() ([]target, error) {
	switch {
	case r.InfoList != nil && r.Neuron != nil:
		return nil, fmt.Errorf("%w: request names both a neuron and an info list", ErrProtocolViolation)
	case r.InfoList != nil:
		return []target{{slot: infoSlot, res: r.InfoList}}, nil
	case r.Neuron == nil:
		return nil, fmt.Errorf("%w: request names no resource", ErrProtocolViolation)
	}
	return neuronTargets(r.Neuron, r.Relation)
}

func neuronTargets(n graph.Lockable, rel graph.Relation) ([]target, error) {
	if rel.IsConcrete() {
		return []target{{slot: relationSlot(rel), res: n}}, nil
	}
	if rel != graph.All {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelation, rel)
	}
	rels := n.Relations().Relations()
	if len(rels) == 0 {
		return nil, fmt.Errorf("%w: %T has no relations to expand All to", ErrUnknownRelation, n)
	}
	out := make([]target, len(rels))
	for i, r := range rels {
		out[i] = target{slot: relationSlot(r), res: n}
	}
	return out, nil
}
