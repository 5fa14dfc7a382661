// Copyright © 2023-2024 Qian Chen <qchen.bio@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package taxtree provides an arena-style immutable taxonomy tree
// indexed by taxid, safe for concurrent read-only use by multiple
// estimations.
package taxtree

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/taxdump"
)

var (
	// ErrNoRoot is returned when no node is its own parent.
	ErrNoRoot = errors.New("taxtree: no root node")
	// ErrMultipleRoots is returned when more than one node is its own parent.
	ErrMultipleRoots = errors.New("taxtree: multiple root nodes")
	// ErrBrokenTree is returned for orphan parents or nodes unreachable from the root.
	ErrBrokenTree = errors.New("taxtree: node unreachable from root")
	// ErrDuplicateTaxid is returned when two records share a taxid.
	ErrDuplicateTaxid = errors.New("taxtree: duplicate taxid")
)

// Node is one taxon record. The root node has Parent == Taxid,
// following the NCBI nodes.dmp convention.
type Node struct {
	Taxid  uint32
	Parent uint32
	Rank   string
	Name   string
}

type node struct {
	Node

	parent   int32 // arena index, -1 for the root
	children []int32
}

// Tree owns all taxon nodes. Immutable after New returns.
type Tree struct {
	nodes []node
	index map[uint32]int32
	root  int32
}

// New builds a tree from node records. Records are sorted by taxid
// internally so traversal orders do not depend on input order.
func New(records []Node) (*Tree, error) {
	rs := make([]Node, len(records))
	copy(rs, records)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Taxid < rs[j].Taxid })

	t := &Tree{
		nodes: make([]node, 0, len(rs)),
		index: make(map[uint32]int32, len(rs)),
		root:  -1,
	}

	for _, r := range rs {
		if _, ok := t.index[r.Taxid]; ok {
			return nil, errors.Wrapf(ErrDuplicateTaxid, "taxid %d", r.Taxid)
		}
		t.index[r.Taxid] = int32(len(t.nodes))
		t.nodes = append(t.nodes, node{Node: r, parent: -1})
	}

	for i := range t.nodes {
		n := &t.nodes[i]
		if n.Parent == n.Taxid || n.Parent == 0 {
			if t.root >= 0 {
				return nil, errors.Wrapf(ErrMultipleRoots, "taxids %d and %d",
					t.nodes[t.root].Taxid, n.Taxid)
			}
			t.root = int32(i)
			continue
		}
		pi, ok := t.index[n.Parent]
		if !ok {
			return nil, errors.Wrapf(ErrBrokenTree, "taxid %d: parent %d not found", n.Taxid, n.Parent)
		}
		n.parent = pi
		t.nodes[pi].children = append(t.nodes[pi].children, int32(i))
	}

	if t.root < 0 {
		return nil, ErrNoRoot
	}

	// every node must be reachable from the root in finite steps
	seen := make([]bool, len(t.nodes))
	stack := []int32{t.root}
	nSeen := 0
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[i] {
			continue
		}
		seen[i] = true
		nSeen++
		stack = append(stack, t.nodes[i].children...)
	}
	if nSeen != len(t.nodes) {
		for i := range t.nodes {
			if !seen[i] {
				return nil, errors.Wrapf(ErrBrokenTree, "taxid %d", t.nodes[i].Taxid)
			}
		}
	}

	return t, nil
}

// FromTaxdump converts a loaded NCBI taxonomy into a Tree.
func FromTaxdump(t *taxdump.Taxonomy) (*Tree, error) {
	records := make([]Node, 0, len(t.Nodes))
	for child, parent := range t.Nodes {
		records = append(records, Node{
			Taxid:  child,
			Parent: parent,
			Rank:   t.Rank(child),
			Name:   t.Names[child],
		})
	}
	return New(records)
}

// Size returns the number of taxa.
func (t *Tree) Size() int { return len(t.nodes) }

// Root returns the taxid of the root node.
func (t *Tree) Root() uint32 { return t.nodes[t.root].Taxid }

// Has reports whether the taxid exists in the tree.
func (t *Tree) Has(taxid uint32) bool {
	_, ok := t.index[taxid]
	return ok
}

// Rank returns the rank of a taxon, or "" for unknown taxids.
func (t *Tree) Rank(taxid uint32) string {
	i, ok := t.index[taxid]
	if !ok {
		return ""
	}
	return t.nodes[i].Rank
}

// Name returns the name of a taxon, or "" for unknown taxids.
func (t *Tree) Name(taxid uint32) string {
	i, ok := t.index[taxid]
	if !ok {
		return ""
	}
	return t.nodes[i].Name
}

// Parent returns the parent taxid. ok is false for the root and for
// unknown taxids.
func (t *Tree) Parent(taxid uint32) (uint32, bool) {
	i, ok := t.index[taxid]
	if !ok || t.nodes[i].parent < 0 {
		return 0, false
	}
	return t.nodes[t.nodes[i].parent].Taxid, true
}

// Children returns the taxids of direct children, ascending.
func (t *Tree) Children(taxid uint32) []uint32 {
	i, ok := t.index[taxid]
	if !ok {
		return nil
	}
	children := make([]uint32, len(t.nodes[i].children))
	for j, ci := range t.nodes[i].children {
		children[j] = t.nodes[ci].Taxid
	}
	return children
}

// Ancestors returns the root-to-node path, including the node itself.
func (t *Tree) Ancestors(taxid uint32) []uint32 {
	i, ok := t.index[taxid]
	if !ok {
		return nil
	}
	path := make([]uint32, 0, 16)
	for ; i >= 0; i = t.nodes[i].parent {
		path = append(path, t.nodes[i].Taxid)
	}
	for a, b := 0, len(path)-1; a < b; a, b = a+1, b-1 {
		path[a], path[b] = path[b], path[a]
	}
	return path
}

// IsAncestorOrSelf reports whether anc lies on the root-path of taxid,
// including taxid itself.
func (t *Tree) IsAncestorOrSelf(anc, taxid uint32) bool {
	ai, ok := t.index[anc]
	if !ok {
		return false
	}
	i, ok := t.index[taxid]
	if !ok {
		return false
	}
	for ; i >= 0; i = t.nodes[i].parent {
		if i == ai {
			return true
		}
	}
	return false
}

// TaxaAtRank returns all taxids with the given rank, ascending.
func (t *Tree) TaxaAtRank(rank string) []uint32 {
	var taxa []uint32
	for i := range t.nodes {
		if t.nodes[i].Rank == rank {
			taxa = append(taxa, t.nodes[i].Taxid)
		}
	}
	return taxa
}

// DescendantsAtRank returns all taxids with the given rank in the
// subtree rooted at taxid (excluding taxid itself), ascending.
func (t *Tree) DescendantsAtRank(taxid uint32, rank string) []uint32 {
	i, ok := t.index[taxid]
	if !ok {
		return nil
	}
	var taxa []uint32
	stack := make([]int32, 0, 64)
	stack = append(stack, t.nodes[i].children...)
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t.nodes[j].Rank == rank {
			taxa = append(taxa, t.nodes[j].Taxid)
		}
		stack = append(stack, t.nodes[j].children...)
	}
	sort.Slice(taxa, func(a, b int) bool { return taxa[a] < taxa[b] })
	return taxa
}

// RankedAncestorOrSelf returns the nearest node with the given rank on
// the root-path of taxid, including taxid itself.
func (t *Tree) RankedAncestorOrSelf(taxid uint32, rank string) (uint32, bool) {
	i, ok := t.index[taxid]
	if !ok {
		return 0, false
	}
	for ; i >= 0; i = t.nodes[i].parent {
		if t.nodes[i].Rank == rank {
			return t.nodes[i].Taxid, true
		}
	}
	return 0, false
}

// traversal states of the post-order worklist
const (
	statePending uint8 = iota
	stateReady
	stateDone
)

// PostOrder visits every node after all of its descendants, using an
// explicit worklist instead of recursion so arbitrarily deep
// taxonomies cannot overflow the stack. A node becomes ready once its
// last child is done; the ready queue is drained FIFO, so with the
// arena sorted by taxid the visit order is deterministic.
func (t *Tree) PostOrder(visit func(taxid uint32)) {
	states := make([]uint8, len(t.nodes))
	waiting := make([]int32, len(t.nodes)) // children not done yet

	queue := make([]int32, 0, len(t.nodes))
	for i := range t.nodes {
		waiting[i] = int32(len(t.nodes[i].children))
		if waiting[i] == 0 {
			states[i] = stateReady
			queue = append(queue, int32(i))
		}
	}

	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]

		visit(t.nodes[i].Taxid)
		states[i] = stateDone

		p := t.nodes[i].parent
		if p < 0 {
			continue
		}
		waiting[p]--
		if waiting[p] == 0 && states[p] == statePending {
			states[p] = stateReady
			queue = append(queue, p)
		}
	}
}
