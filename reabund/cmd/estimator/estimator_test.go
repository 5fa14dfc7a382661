package estimator

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/kreport"
	"github.com/qchen-bio/reabund/reabund/cmd/model"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
)

// 1 (root)
// ├── 10 (genus)
// │   ├── 100 (species)
// │   │   └── 1000 (strain)
// │   └── 200 (species)
// └── 20 (genus, no species below)
func testTree(t *testing.T) *taxtree.Tree {
	tree, err := taxtree.New([]taxtree.Node{
		{Taxid: 1, Parent: 1, Rank: "no rank", Name: "root"},
		{Taxid: 10, Parent: 1, Rank: "genus", Name: "Geo"},
		{Taxid: 20, Parent: 1, Rank: "genus", Name: "Heo"},
		{Taxid: 100, Parent: 10, Rank: "species", Name: "Geo alpha"},
		{Taxid: 200, Parent: 10, Rank: "species", Name: "Geo beta"},
		{Taxid: 1000, Parent: 100, Rank: "strain", Name: "Geo alpha X1"},
	})
	if err != nil {
		t.Fatalf("building tree: %s", err)
	}
	return tree
}

// P_100 = 0.8 at itself, 0.2 at its genus;
// P_200 = 0.6 at itself, 0.4 at its genus.
func testModel(t *testing.T, tree *taxtree.Tree) *model.Model {
	b := model.NewBuilder()
	b.Add(100, 100, 80)
	b.Add(100, 10, 20)
	b.Add(200, 200, 60)
	b.Add(200, 10, 40)
	m, err := b.Build(tree)
	if err != nil {
		t.Fatalf("building model: %s", err)
	}
	return m
}

func testReport(direct map[uint32]uint64, unclassified uint64) *kreport.Report {
	rep := &kreport.Report{Direct: direct, Unclassified: unclassified}
	for taxid, d := range direct {
		rep.Records = append(rep.Records, kreport.Record{Taxid: taxid, DirectReads: d})
		rep.Classified += d
	}
	rep.Total = rep.Classified + rep.Unclassified
	return rep
}

func sumEstimated(res *Result) uint64 {
	var sum uint64
	for _, e := range res.Estimates {
		sum += e.EstimatedReads
	}
	return sum
}

func TestRedistribution(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{10: 100, 100: 50, 200: 30}, 0)

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}

	// weights at the genus: 50*0.2 = 10 vs 30*0.4 = 12,
	// so the 100 parked reads split 45 : 55
	want := []Estimate{
		{Taxid: 100, AssignedReads: 50, AddedReads: 45, EstimatedReads: 95, Fraction: 95.0 / 180},
		{Taxid: 200, AssignedReads: 30, AddedReads: 55, EstimatedReads: 85, Fraction: 85.0 / 180},
	}
	if !reflect.DeepEqual(res.Estimates, want) {
		t.Errorf("estimates:\n got %+v\nwant %+v", res.Estimates, want)
	}

	if sumEstimated(res)+res.UnresolvedReads != rep.Classified {
		t.Errorf("reads not conserved: %d estimated + %d unresolved != %d classified",
			sumEstimated(res), res.UnresolvedReads, rep.Classified)
	}
	if res.ReadsAtRank != 80 || res.ReadsAboveRank != 100 || res.DistributedReads != 100 {
		t.Errorf("counters: %+v", res)
	}
}

func TestThresholdFiltering(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{10: 100, 100: 50, 200: 30}, 0)

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species", MinReads: 90})
	if err != nil {
		t.Fatalf("run: %s", err)
	}

	// 200 lands at 85, below the threshold; its reads go to 100
	if len(res.Estimates) != 1 || res.Estimates[0].Taxid != 100 ||
		res.Estimates[0].EstimatedReads != 180 {
		t.Errorf("estimates: got %+v", res.Estimates)
	}
	if res.FilteredTaxa != 1 {
		t.Errorf("filtered taxa: got %d, want 1", res.FilteredTaxa)
	}
	if sumEstimated(res)+res.UnresolvedReads != rep.Classified {
		t.Error("reads not conserved under filtering")
	}
}

func TestThresholdReallocationWeights(t *testing.T) {
	tree, err := taxtree.New([]taxtree.Node{
		{Taxid: 1, Parent: 1, Rank: "no rank", Name: "root"},
		{Taxid: 10, Parent: 1, Rank: "genus", Name: "Geo"},
		{Taxid: 100, Parent: 10, Rank: "species", Name: "Geo alpha"},
		{Taxid: 200, Parent: 10, Rank: "species", Name: "Geo beta"},
		{Taxid: 300, Parent: 10, Rank: "species", Name: "Geo gamma"},
	})
	if err != nil {
		t.Fatalf("building tree: %s", err)
	}

	b := model.NewBuilder()
	b.Add(100, 100, 80)
	b.Add(100, 10, 20) // P_100(10) = 0.2
	b.Add(200, 200, 60)
	b.Add(200, 10, 40) // P_200(10) = 0.4
	b.Add(300, 300, 10)
	mdl, err := b.Build(tree)
	if err != nil {
		t.Fatalf("building model: %s", err)
	}

	rep := testReport(map[uint32]uint64{100: 50, 200: 50, 300: 5}, 0)
	res, err := Run(tree, mdl, rep, Options{TargetRank: "species", MinReads: 10})
	if err != nil {
		t.Fatalf("run: %s", err)
	}

	// 300 falls below the threshold; its 5 reads split among 100 and
	// 200 at the genus by estimate times probability mass there,
	// 50*0.2 = 10 vs 50*0.4 = 20, not by raw estimates (50 vs 50)
	want := []Estimate{
		{Taxid: 100, AssignedReads: 50, AddedReads: 2, EstimatedReads: 52, Fraction: 52.0 / 105},
		{Taxid: 200, AssignedReads: 50, AddedReads: 3, EstimatedReads: 53, Fraction: 53.0 / 105},
	}
	if !reflect.DeepEqual(res.Estimates, want) {
		t.Errorf("estimates:\n got %+v\nwant %+v", res.Estimates, want)
	}
	if res.FilteredTaxa != 1 || res.UnresolvedReads != 0 {
		t.Errorf("filtered %d, unresolved %d", res.FilteredTaxa, res.UnresolvedReads)
	}
}

func TestThresholdNoSurvivors(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{100: 5, 200: 3}, 0)

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species", MinReads: 100})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	// 3 reads of 200 first reallocate to 100, then all 8 die with it
	if len(res.Estimates) != 0 {
		t.Errorf("estimates: got %+v", res.Estimates)
	}
	if res.UnresolvedReads != 8 || res.FilteredTaxa != 2 {
		t.Errorf("unresolved %d, filtered %d", res.UnresolvedReads, res.FilteredTaxa)
	}
}

func TestBelowRankAbsorption(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{1000: 40, 100: 10}, 0)

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if len(res.Estimates) != 1 || res.Estimates[0].EstimatedReads != 50 ||
		res.Estimates[0].AssignedReads != 50 {
		t.Errorf("estimates: got %+v", res.Estimates)
	}
	if res.ReadsBelowRank != 40 || res.ReadsAtRank != 10 {
		t.Errorf("counters: below %d, at %d", res.ReadsBelowRank, res.ReadsAtRank)
	}
}

func TestUnresolvedLineage(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	// genus 20 has no species below it
	rep := testReport(map[uint32]uint64{20: 25, 100: 10}, 0)

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if res.UnresolvedReads != 25 {
		t.Errorf("unresolved: got %d, want 25", res.UnresolvedReads)
	}
	if sumEstimated(res) != 10 {
		t.Errorf("estimated: got %d, want 10", sumEstimated(res))
	}
	// reads at 20 never had a target below them, so they are not
	// counted as redistributable above-rank reads
	if res.ReadsAboveRank != 0 || res.DistributedReads != 0 {
		t.Errorf("counters: above %d, distributed %d, want 0, 0",
			res.ReadsAboveRank, res.DistributedReads)
	}
}

func TestUnknownTaxidRejected(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{999: 7, 100: 10}, 0)

	_, err := Run(tree, mdl, rep, Options{TargetRank: "species"})
	if errors.Cause(err) != kreport.ErrMalformedReport {
		t.Fatalf("unknown taxid: got %v, want ErrMalformedReport", err)
	}

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species", AllowMissingTaxa: true})
	if err != nil {
		t.Fatalf("run with missing taxa allowed: %s", err)
	}
	if res.UnresolvedReads != 7 || sumEstimated(res) != 10 {
		t.Errorf("unresolved %d, estimated %d", res.UnresolvedReads, sumEstimated(res))
	}
}

func TestFallbacks(t *testing.T) {
	tree := testTree(t)

	// no model entries at all: reads at the genus split by raw estimates
	empty := &model.Model{Entries: map[uint32]*model.Entry{}}
	rep := testReport(map[uint32]uint64{10: 90, 100: 20, 200: 10}, 0)

	res, err := Run(tree, empty, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if res.Estimates[0].EstimatedReads != 80 || res.Estimates[1].EstimatedReads != 40 {
		t.Errorf("raw-estimate fallback: got %+v", res.Estimates)
	}

	// no candidate has any reads either: uniform split
	rep = testReport(map[uint32]uint64{10: 90}, 0)
	res, err = Run(tree, empty, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if res.Estimates[0].EstimatedReads != 45 || res.Estimates[1].EstimatedReads != 45 {
		t.Errorf("uniform fallback: got %+v", res.Estimates)
	}
}

func TestMissingModelTaxa(t *testing.T) {
	tree := testTree(t)

	// only 100 has a distribution entry
	b := model.NewBuilder()
	b.Add(100, 100, 80)
	b.Add(100, 10, 20)
	mdl, err := b.Build(tree)
	if err != nil {
		t.Fatal(err)
	}

	rep := testReport(map[uint32]uint64{10: 100, 100: 50, 200: 30}, 0)
	res, err := Run(tree, mdl, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if len(res.MissingModelTaxa) != 1 || res.MissingModelTaxa[0] != 200 {
		t.Errorf("missing model taxa: got %v", res.MissingModelTaxa)
	}
	// 200 has no entry and gets nothing from the genus
	if res.Estimates[0].EstimatedReads != 150 || res.Estimates[1].EstimatedReads != 30 {
		t.Errorf("estimates: got %+v", res.Estimates)
	}
}

func TestFractionsIncludeUnclassified(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{100: 60}, 40)

	res, err := Run(tree, mdl, rep, Options{TargetRank: "species"})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if res.TotalReads != 100 || res.UnclassifiedReads != 40 {
		t.Errorf("totals: %+v", res)
	}
	if res.Estimates[0].Fraction != 0.6 {
		t.Errorf("fraction: got %v, want 0.6", res.Estimates[0].Fraction)
	}
}

func TestNoTaxaAtRank(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{100: 10}, 0)

	_, err := Run(tree, mdl, rep, Options{TargetRank: "phylum"})
	if errors.Cause(err) != ErrNoTaxaAtTargetRank {
		t.Errorf("missing rank: got %v", err)
	}
}

func TestDeterminism(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{1: 13, 10: 100, 100: 50, 200: 30, 1000: 9}, 5)

	first, err := Run(tree, mdl, rep, Options{TargetRank: "species", MinReads: 2})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	for i := 0; i < 20; i++ {
		res, err := Run(tree, mdl, rep, Options{TargetRank: "species", MinReads: 2})
		if err != nil {
			t.Fatalf("run: %s", err)
		}
		if !reflect.DeepEqual(res, first) {
			t.Fatalf("run %d differs:\n got %+v\nwant %+v", i, res, first)
		}
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	tree := testTree(t)
	mdl := testModel(t, tree)
	rep := testReport(map[uint32]uint64{10: 100, 100: 50, 200: 30, 1000: 9}, 5)

	last := -1
	for minReads := uint64(0); minReads <= 200; minReads += 10 {
		res, err := Run(tree, mdl, rep, Options{TargetRank: "species", MinReads: minReads})
		if err != nil {
			t.Fatalf("run with threshold %d: %s", minReads, err)
		}
		if last >= 0 && len(res.Estimates) > last {
			t.Fatalf("threshold %d reports %d taxa, more than %d at the lower threshold",
				minReads, len(res.Estimates), last)
		}
		last = len(res.Estimates)

		if sumEstimated(res)+res.UnresolvedReads != rep.Classified {
			t.Fatalf("threshold %d does not conserve reads", minReads)
		}
	}
}

func TestApportion(t *testing.T) {
	tests := []struct {
		weights []float64
		total   uint64
		want    []uint64
	}{
		{[]float64{10, 12}, 100, []uint64{45, 55}},
		{[]float64{1, 1, 1}, 10, []uint64{4, 3, 3}},
		{[]float64{1, 2, 3}, 6, []uint64{1, 2, 3}},
		{[]float64{5}, 7, []uint64{7}},
		{[]float64{1, 1}, 0, []uint64{0, 0}},
		{[]float64{0, 1}, 5, []uint64{0, 5}},
	}
	for _, tc := range tests {
		got := Apportion(tc.weights, tc.total)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Apportion(%v, %d): got %v, want %v", tc.weights, tc.total, got, tc.want)
		}
		var sum uint64
		for _, s := range got {
			sum += s
		}
		if sum != tc.total {
			t.Errorf("Apportion(%v, %d): shares sum to %d", tc.weights, tc.total, sum)
		}
	}
}
