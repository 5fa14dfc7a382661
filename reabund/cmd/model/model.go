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

// Package model holds the per-genome read classification distribution:
// for every reference taxon, the probability that a read truly drawn
// from its genome is classified at the taxon itself, at one of its
// ancestors, or not at all. Models are immutable once built and shared
// read-only across samples.
package model

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
)

// UnclassifiedTaxid is the reserved sentinel node for simulated reads
// the classifier left unclassified. Taxid 0 is invalid in NCBI dumps,
// so it can never collide with a real node.
const UnclassifiedTaxid uint32 = 0

// NormTolerance is the allowed deviation of an entry's total mass from 1.
const NormTolerance = 1e-6

var (
	// ErrInvalidDistributionEntry marks a corrupt database: mass outside
	// [0, 1], total mass not summing to 1, or mass assigned to a node
	// that is neither the taxon, one of its ancestors, nor the
	// unclassified sentinel.
	ErrInvalidDistributionEntry = errors.New("model: invalid distribution entry")
	// ErrInsufficientTrainingData marks a reference taxon with no
	// simulated reads. The taxon is excluded from the model; it does
	// not abort a whole build.
	ErrInsufficientTrainingData = errors.New("model: insufficient training data")
)

// Entry is the classification distribution of one reference taxon.
type Entry struct {
	Taxid uint32
	Reads uint64 // number of simulated training reads

	// Prob maps a classification node to the probability mass of a
	// read landing exactly there. Keys are the taxon itself, its
	// ancestors, and UnclassifiedTaxid; masses sum to 1.
	Prob map[uint32]float64
}

// Model maps reference taxids to their distribution entries.
type Model struct {
	Entries map[uint32]*Entry
}

// Prob returns the probability mass that a read from taxon source is
// classified exactly at node. Missing entries and missing nodes both
// yield 0; the caller decides whether that is worth a warning.
func (m *Model) Prob(source, node uint32) float64 {
	e, ok := m.Entries[source]
	if !ok {
		return 0
	}
	return e.Prob[node]
}

// Has reports whether the model has an entry for the taxon.
func (m *Model) Has(source uint32) bool {
	_, ok := m.Entries[source]
	return ok
}

// Validate checks every entry against the invariants above. It is run
// after building and again at load time; a failure means the database
// is corrupt and must be rejected.
func (m *Model) Validate(tree *taxtree.Tree) error {
	for taxid, e := range m.Entries {
		if e.Reads == 0 {
			return errors.Wrapf(ErrInsufficientTrainingData, "taxid %d", taxid)
		}
		var sum float64
		for node, p := range e.Prob {
			if p < 0 || p > 1 || math.IsNaN(p) {
				return errors.Wrapf(ErrInvalidDistributionEntry,
					"taxid %d: mass %v at node %d out of [0, 1]", taxid, p, node)
			}
			sum += p
			if node == UnclassifiedTaxid || node == taxid {
				continue
			}
			if tree != nil && !tree.IsAncestorOrSelf(node, taxid) {
				return errors.Wrapf(ErrInvalidDistributionEntry,
					"taxid %d: node %d is not an ancestor", taxid, node)
			}
		}
		if math.Abs(sum-1) > NormTolerance {
			return errors.Wrapf(ErrInvalidDistributionEntry,
				"taxid %d: masses sum to %v", taxid, sum)
		}
	}
	return nil
}

// Builder tallies simulated-read classification outcomes. A Builder is
// not safe for concurrent use; tally one per worker and Merge.
type Builder struct {
	counts map[uint32]map[uint32]uint64 // source taxid -> node -> reads
	totals map[uint32]uint64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		counts: make(map[uint32]map[uint32]uint64, 1024),
		totals: make(map[uint32]uint64, 1024),
	}
}

// Add records that count simulated reads from taxon source were
// classified at node (UnclassifiedTaxid for unclassified reads).
func (b *Builder) Add(source, node uint32, count uint64) {
	nodes, ok := b.counts[source]
	if !ok {
		nodes = make(map[uint32]uint64, 8)
		b.counts[source] = nodes
	}
	nodes[node] += count
	b.totals[source] += count
}

// Merge folds another builder's tallies into b.
func (b *Builder) Merge(o *Builder) {
	for source, nodes := range o.counts {
		for node, count := range nodes {
			b.Add(source, node, count)
		}
	}
}

// Taxa returns the number of reference taxa tallied so far.
func (b *Builder) Taxa() int { return len(b.counts) }

// Prune drops reference taxa that cannot make a usable entry: taxa the
// taxonomy does not know, and taxa with fewer than min tallied reads.
// It returns the dropped taxids, ascending.
func (b *Builder) Prune(tree *taxtree.Tree, min uint64) []uint32 {
	var dropped []uint32
	for source, total := range b.totals {
		if total >= min && (tree == nil || tree.Has(source)) {
			continue
		}
		dropped = append(dropped, source)
	}
	for _, source := range dropped {
		delete(b.counts, source)
		delete(b.totals, source)
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return dropped
}

// Reads returns the total number of tallied simulated reads.
func (b *Builder) Reads() uint64 {
	var n uint64
	for _, t := range b.totals {
		n += t
	}
	return n
}

// Build normalizes the tallies into an immutable Model and validates
// it against the taxonomy. Outcome nodes violating the ancestor-only
// invariant are a data error: the upstream classifier can only place a
// read at the source genome, above it, or nowhere.
func (b *Builder) Build(tree *taxtree.Tree) (*Model, error) {
	m := &Model{Entries: make(map[uint32]*Entry, len(b.counts))}

	for source, nodes := range b.counts {
		total := b.totals[source]
		if total == 0 {
			return nil, errors.Wrapf(ErrInsufficientTrainingData, "taxid %d", source)
		}
		if tree != nil && !tree.Has(source) {
			return nil, errors.Wrapf(ErrInvalidDistributionEntry,
				"taxid %d: not found in taxonomy", source)
		}

		e := &Entry{
			Taxid: source,
			Reads: total,
			Prob:  make(map[uint32]float64, len(nodes)),
		}
		for node, count := range nodes {
			if node != UnclassifiedTaxid && node != source &&
				tree != nil && !tree.IsAncestorOrSelf(node, source) {
				return nil, errors.Wrapf(ErrInvalidDistributionEntry,
					"taxid %d: classified at non-ancestor node %d", source, node)
			}
			e.Prob[node] = float64(count) / float64(total)
		}
		m.Entries[source] = e
	}

	if err := m.Validate(tree); err != nil {
		return nil, err
	}
	return m, nil
}
