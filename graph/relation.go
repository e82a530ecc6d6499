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

// Package graph holds the parts of the neuron graph that the lock manager
// needs to know about: which relations exist and which of them a given kind
// of neuron carries.
package graph

import (
	"fmt"
	"strings"
)

// Relation names an independently lockable facet of a neuron.
type Relation int

const (
	None Relation = iota
	LinksIn
	LinksOut
	Children
	Parents
	Value
	Processors
	// All is not a facet of its own. It stands for every relation in the
	// neuron's RelationSet.
	All
)

// NumRelations is the number of concrete relations, None and All excluded.
const NumRelations = int(Processors)

var relationNames = [...]string{
	None:       "None",
	LinksIn:    "LinksIn",
	LinksOut:   "LinksOut",
	Children:   "Children",
	Parents:    "Parents",
	Value:      "Value",
	Processors: "Processors",
	All:        "All",
}

func (r Relation) String() string {
	if r < None || r > All {
		return fmt.Sprintf("Relation(%d)", int(r))
	}
	return relationNames[r]
}

// IsConcrete reports whether r names a single lockable facet.
func (r Relation) IsConcrete() bool {
	return r >= LinksIn && r <= Processors
}

// RelationSet is a bitmask of concrete relations.
type RelationSet uint8

// Set returns a RelationSet holding the given relations. Non-concrete values
// are ignored.
func Set(rels ...Relation) RelationSet {
	var s RelationSet
	for _, r := range rels {
		if r.IsConcrete() {
			s |= 1 << uint(r-1)
		}
	}
	return s
}

// Has reports whether r is a member of s.
func (s RelationSet) Has(r Relation) bool {
	return r.IsConcrete() && s&(1<<uint(r-1)) != 0
}

// Relations returns the members of s in the fixed order used for fan-out:
// Parents, LinksIn, LinksOut, Children, Value, Processors.
func (s RelationSet) Relations() []Relation {
	var out []Relation
	for _, r := range fanOutOrder {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RelationSet) String() string {
	rels := s.Relations()
	names := make([]string, len(rels))
	for i, r := range rels {
		names[i] = r.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

var fanOutOrder = [...]Relation{Parents, LinksIn, LinksOut, Children, Value, Processors}

// The relations every neuron carries, and those a value neuron or a cluster
// adds on top of it.
var (
	BaseRelations    = Set(Parents, LinksIn, LinksOut)
	ValueRelations   = BaseRelations | Set(Value)
	ClusterRelations = ValueRelations | Set(Children)
)
