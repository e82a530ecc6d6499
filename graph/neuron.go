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

package graph

import "sync/atomic"

// Lockable is anything the lock manager can lock per relation. Implementations
// must be pointer types: the manager keys its chains on interface equality.
type Lockable interface {
	// Relations returns the relations that All expands to for this node.
	Relations() RelationSet
}

var lastID atomic.Uint64

// NextID hands out process-unique neuron ids.
func NextID() uint64 {
	return lastID.Add(1)
}

// Neuron is a plain graph node.
type Neuron struct {
	ID       uint64
	LinksIn  []*Link
	LinksOut []*Link
	Parents  []*Cluster
}

// NewNeuron returns a plain neuron with a fresh id.
func NewNeuron() *Neuron {
	return &Neuron{ID: NextID()}
}

func (n *Neuron) Relations() RelationSet { return BaseRelations }

// ValueNeuron is a neuron carrying a value.
type ValueNeuron struct {
	Neuron
	Value int64
}

// NewValueNeuron returns a value neuron with a fresh id.
func NewValueNeuron(v int64) *ValueNeuron {
	return &ValueNeuron{Neuron: Neuron{ID: NextID()}, Value: v}
}

func (n *ValueNeuron) Relations() RelationSet { return ValueRelations }

// Cluster is a neuron grouping other neurons as its children.
type Cluster struct {
	ValueNeuron
	Children []Lockable
}

// NewCluster returns an empty cluster with a fresh id.
func NewCluster() *Cluster {
	return &Cluster{ValueNeuron: ValueNeuron{Neuron: Neuron{ID: NextID()}}}
}

func (c *Cluster) Relations() RelationSet { return ClusterRelations }

// Link connects two neurons. Its Info list is locked on its own, apart from
// the link's endpoints.
type Link struct {
	From, To Lockable
	Meaning  Lockable
	Info     *LinkInfoList
}

// LinkInfoList is the list of annotation neurons attached to a link.
type LinkInfoList struct {
	Items []Lockable
}

// NewLink returns a link between from and to with an empty info list.
func NewLink(from, to Lockable, meaning Lockable) *Link {
	return &Link{From: from, To: to, Meaning: meaning, Info: &LinkInfoList{}}
}
