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

// Package estimator redistributes reads that a k-mer classifier parked
// at inner taxonomy nodes down to the taxa of a single target rank.
// A read stuck at a genus is assigned to one of the genus's species in
// proportion to how many reads each species already has and how likely
// each species's genome is to send a read up to that genus, the latter
// coming from the per-genome classification distribution model.
package estimator

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/kreport"
	"github.com/qchen-bio/reabund/reabund/cmd/model"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
)

// ErrNoTaxaAtTargetRank is returned when the taxonomy has no node with
// the requested rank, so no redistribution target exists.
var ErrNoTaxaAtTargetRank = errors.New("estimator: no taxa at target rank")

// Options control a single estimation run.
type Options struct {
	// TargetRank is the canonical NCBI rank name reads are
	// redistributed to, e.g. "species".
	TargetRank string
	// MinReads drops target-rank taxa estimated below this many reads
	// and reallocates their reads to surviving relatives. 0 disables
	// filtering.
	MinReads uint64
	// AllowMissingTaxa counts reads of taxids unknown to the taxonomy
	// as unresolved instead of rejecting the report as malformed.
	AllowMissingTaxa bool
}

// Estimate is the corrected abundance of one target-rank taxon.
type Estimate struct {
	Taxid uint32
	// AssignedReads is what the classifier put at the taxon or inside
	// its subtree before redistribution.
	AssignedReads  uint64
	AddedReads     uint64
	EstimatedReads uint64
	// Fraction is EstimatedReads over the sample's total reads,
	// unclassified included. 0 when the sample is empty.
	Fraction float64
}

// Result is the outcome of one estimation run. Estimates are sorted by
// taxid; read counts are conserved: every classified read of the
// report ends up either in an Estimate or in UnresolvedReads.
type Result struct {
	Rank      string
	Estimates []Estimate

	TotalReads        uint64
	UnclassifiedReads uint64

	ReadsAtRank      uint64 // assigned directly to target-rank taxa
	ReadsBelowRank   uint64 // absorbed upward from deeper nodes
	ReadsAboveRank   uint64 // parked at inner nodes above the rank
	DistributedReads uint64 // above-rank reads successfully moved down
	UnresolvedReads  uint64 // reads with no target-rank taxon to go to
	FilteredTaxa     int    // taxa removed by the MinReads threshold

	// MissingModelTaxa are target-rank taxa that held reads but have no
	// distribution entry; they still compete for reads via the raw
	// estimate fallback, with reduced accuracy.
	MissingModelTaxa []uint32
}

// Run corrects the abundances of one classification report. The tree
// and model are read-only and can be shared across concurrent runs.
func Run(tree *taxtree.Tree, mdl *model.Model, rep *kreport.Report, opt Options) (*Result, error) {
	if len(tree.TaxaAtRank(opt.TargetRank)) == 0 {
		return nil, errors.Wrapf(ErrNoTaxaAtTargetRank, "rank %s", opt.TargetRank)
	}

	res := &Result{
		Rank:              opt.TargetRank,
		TotalReads:        rep.Total,
		UnclassifiedReads: rep.Unclassified,
	}

	est := make(map[uint32]uint64, 1024)      // current estimate per target-rank taxon
	assigned := make(map[uint32]uint64, 1024) // pre-redistribution share of est
	pending := make(map[uint32]uint64, 256)   // above-rank reads awaiting redistribution

	for taxid, d := range rep.Direct {
		if d == 0 {
			continue
		}
		if !tree.Has(taxid) {
			if !opt.AllowMissingTaxa {
				return nil, errors.Wrapf(kreport.ErrMalformedReport,
					"taxid %d not found in taxonomy", taxid)
			}
			res.UnresolvedReads += d
			continue
		}
		if anchor, ok := tree.RankedAncestorOrSelf(taxid, opt.TargetRank); ok {
			est[anchor] += d
			assigned[anchor] += d
			if anchor == taxid {
				res.ReadsAtRank += d
			} else {
				res.ReadsBelowRank += d
			}
		} else if len(tree.DescendantsAtRank(taxid, opt.TargetRank)) > 0 {
			pending[taxid] += d
			res.ReadsAboveRank += d
		} else {
			// a lineage with no node of the target rank in either
			// direction: nothing to redistribute to
			res.UnresolvedReads += d
		}
	}

	missing := make(map[uint32]struct{}, 8)

	// inner nodes after their subtrees, so estimates at the target rank
	// already include everything redistributed from deeper inner nodes
	tree.PostOrder(func(taxid uint32) {
		reads := pending[taxid]
		if reads == 0 {
			return
		}

		// pending only holds nodes with target-rank descendants
		candidates := tree.DescendantsAtRank(taxid, opt.TargetRank)

		weights := make([]float64, len(candidates))
		var sum float64
		for i, c := range candidates {
			if est[c] == 0 {
				continue
			}
			if !mdl.Has(c) {
				missing[c] = struct{}{}
				continue
			}
			weights[i] = float64(est[c]) * mdl.Prob(c, taxid)
			sum += weights[i]
		}

		// no candidate genome is known to leak reads up to this node:
		// fall back to the raw estimates, then to a uniform split
		if sum == 0 {
			for i, c := range candidates {
				weights[i] = float64(est[c])
				sum += weights[i]
			}
		}
		if sum == 0 {
			for i := range weights {
				weights[i] = 1
			}
		}

		for i, share := range Apportion(weights, reads) {
			est[candidates[i]] += share
		}
		res.DistributedReads += reads
	})

	if opt.MinReads > 0 {
		res.FilteredTaxa = filter(tree, mdl, est, opt, &res.UnresolvedReads)
	}

	taxids := make([]uint32, 0, len(est))
	for taxid, e := range est {
		if e > 0 {
			taxids = append(taxids, taxid)
		}
	}
	sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })

	res.Estimates = make([]Estimate, len(taxids))
	for i, taxid := range taxids {
		e := est[taxid]
		var fraction float64
		if rep.Total > 0 {
			fraction = float64(e) / float64(rep.Total)
		}
		res.Estimates[i] = Estimate{
			Taxid:          taxid,
			AssignedReads:  assigned[taxid],
			AddedReads:     e - assigned[taxid],
			EstimatedReads: e,
			Fraction:       fraction,
		}
	}

	res.MissingModelTaxa = make([]uint32, 0, len(missing))
	for taxid := range missing {
		res.MissingModelTaxa = append(res.MissingModelTaxa, taxid)
	}
	sort.Slice(res.MissingModelTaxa, func(i, j int) bool {
		return res.MissingModelTaxa[i] < res.MissingModelTaxa[j]
	})

	return res, nil
}

// filter removes taxa estimated below opt.MinReads, reallocating each
// victim's reads to the remaining taxa under its nearest ancestor that
// still has any, with the same weighting as the main pass: estimate
// times the survivor's probability mass at that ancestor, falling back
// to raw estimates when no survivor has mass there. Victims are taken
// lowest estimate first and the pool is re-examined after every
// removal, so a taxon pushed over the threshold by a reallocation is
// spared. Reads with no surviving relative become unresolved.
func filter(tree *taxtree.Tree, mdl *model.Model, est map[uint32]uint64, opt Options, unresolved *uint64) int {
	var removed int

	for {
		var victim uint32
		var low uint64
		found := false
		for taxid, e := range est {
			if e == 0 || e >= opt.MinReads {
				continue
			}
			if !found || e < low || (e == low && taxid < victim) {
				victim, low, found = taxid, e, true
			}
		}
		if !found {
			return removed
		}

		est[victim] = 0
		removed++

		reallocated := false
		node := victim
		for {
			parent, ok := tree.Parent(node)
			if !ok {
				break
			}
			node = parent

			candidates := tree.DescendantsAtRank(node, opt.TargetRank)
			survivors := candidates[:0]
			for _, c := range candidates {
				if est[c] > 0 {
					survivors = append(survivors, c)
				}
			}
			if len(survivors) == 0 {
				continue
			}

			weights := make([]float64, len(survivors))
			var sum float64
			for i, c := range survivors {
				if !mdl.Has(c) {
					continue
				}
				weights[i] = float64(est[c]) * mdl.Prob(c, node)
				sum += weights[i]
			}
			if sum == 0 {
				for i, c := range survivors {
					weights[i] = float64(est[c])
				}
			}
			for i, share := range Apportion(weights, low) {
				est[survivors[i]] += share
			}
			reallocated = true
			break
		}
		if !reallocated {
			*unresolved += low
		}
	}
}
