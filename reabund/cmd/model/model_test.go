package model

import (
	"io/ioutil"
	"math"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/qchen-bio/reabund/reabund/cmd/taxtree"
)

// 1 (root)
// └── 10 (genus)
//     ├── 100 (species)
//     └── 200 (species)
func testTree(t *testing.T) *taxtree.Tree {
	tree, err := taxtree.New([]taxtree.Node{
		{Taxid: 1, Parent: 1, Rank: "no rank", Name: "root"},
		{Taxid: 10, Parent: 1, Rank: "genus", Name: "Geo"},
		{Taxid: 100, Parent: 10, Rank: "species", Name: "Geo alpha"},
		{Taxid: 200, Parent: 10, Rank: "species", Name: "Geo beta"},
	})
	if err != nil {
		t.Fatalf("building tree: %s", err)
	}
	return tree
}

func TestBuilderNormalization(t *testing.T) {
	tree := testTree(t)

	b := NewBuilder()
	b.Add(100, 100, 80)
	b.Add(100, 10, 15)
	b.Add(100, UnclassifiedTaxid, 5)
	b.Add(200, 200, 60)
	b.Add(200, 10, 40)

	if b.Taxa() != 2 {
		t.Errorf("taxa: got %d, want 2", b.Taxa())
	}
	if b.Reads() != 200 {
		t.Errorf("reads: got %d, want 200", b.Reads())
	}

	m, err := b.Build(tree)
	if err != nil {
		t.Fatalf("build: %s", err)
	}

	if p := m.Prob(100, 100); math.Abs(p-0.8) > 1e-12 {
		t.Errorf("P_100(100): got %v, want 0.8", p)
	}
	if p := m.Prob(100, 10); math.Abs(p-0.15) > 1e-12 {
		t.Errorf("P_100(10): got %v, want 0.15", p)
	}
	if p := m.Prob(100, UnclassifiedTaxid); math.Abs(p-0.05) > 1e-12 {
		t.Errorf("P_100(0): got %v, want 0.05", p)
	}
	if p := m.Prob(200, 10); math.Abs(p-0.4) > 1e-12 {
		t.Errorf("P_200(10): got %v, want 0.4", p)
	}
	if p := m.Prob(200, 1); p != 0 {
		t.Errorf("P_200(1): got %v, want 0", p)
	}
	if m.Prob(999, 1) != 0 {
		t.Error("missing entry should yield 0 mass")
	}
	if !m.Has(100) || m.Has(999) {
		t.Error("Has() mismatch")
	}
	if m.Entries[100].Reads != 100 {
		t.Errorf("training reads of 100: got %d", m.Entries[100].Reads)
	}
}

func TestBuilderMerge(t *testing.T) {
	tree := testTree(t)

	a := NewBuilder()
	a.Add(100, 100, 30)
	b := NewBuilder()
	b.Add(100, 100, 50)
	b.Add(100, 1, 20)
	a.Merge(b)

	m, err := a.Build(tree)
	if err != nil {
		t.Fatalf("build: %s", err)
	}
	if p := m.Prob(100, 100); math.Abs(p-0.8) > 1e-12 {
		t.Errorf("P_100(100) after merge: got %v, want 0.8", p)
	}
}

func TestBuildRejectsNonAncestor(t *testing.T) {
	tree := testTree(t)

	b := NewBuilder()
	b.Add(100, 100, 50)
	b.Add(100, 200, 50) // sibling, not an ancestor

	_, err := b.Build(tree)
	if errors.Cause(err) != ErrInvalidDistributionEntry {
		t.Errorf("non-ancestor mass: got %v", err)
	}
}

func TestValidateRejectsBadMass(t *testing.T) {
	tree := testTree(t)

	m := &Model{Entries: map[uint32]*Entry{
		100: {Taxid: 100, Reads: 10, Prob: map[uint32]float64{100: 0.5, 10: 0.4}},
	}}
	if errors.Cause(m.Validate(tree)) != ErrInvalidDistributionEntry {
		t.Error("masses summing to 0.9 should be rejected")
	}

	m = &Model{Entries: map[uint32]*Entry{
		100: {Taxid: 100, Reads: 10, Prob: map[uint32]float64{100: 1.2, 10: -0.2}},
	}}
	if errors.Cause(m.Validate(tree)) != ErrInvalidDistributionEntry {
		t.Error("mass outside [0, 1] should be rejected")
	}

	m = &Model{Entries: map[uint32]*Entry{
		100: {Taxid: 100, Reads: 0, Prob: map[uint32]float64{100: 1}},
	}}
	if errors.Cause(m.Validate(tree)) != ErrInsufficientTrainingData {
		t.Error("zero training reads should be rejected")
	}
}

func TestRoundTrip(t *testing.T) {
	tree := testTree(t)

	b := NewBuilder()
	b.Add(100, 100, 80)
	b.Add(100, 10, 15)
	b.Add(100, UnclassifiedTaxid, 5)
	b.Add(200, 200, 3)
	b.Add(200, 1, 1)

	m, err := b.Build(tree)
	if err != nil {
		t.Fatalf("build: %s", err)
	}

	dir, err := ioutil.TempDir("", "reabund-model")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	if err = m.WriteToDir(dir); err != nil {
		t.Fatalf("write: %s", err)
	}

	m2, info, err := LoadFromDir(dir, tree, 2, 100)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if info.Version != DBVersion || info.NumTaxa != 2 || info.NumReads != 104 {
		t.Errorf("info: got %+v", info)
	}

	if len(m2.Entries) != len(m.Entries) {
		t.Fatalf("entries: got %d, want %d", len(m2.Entries), len(m.Entries))
	}
	for taxid, e := range m.Entries {
		e2, ok := m2.Entries[taxid]
		if !ok {
			t.Fatalf("taxid %d lost in round trip", taxid)
		}
		if e2.Reads != e.Reads {
			t.Errorf("taxid %d: reads %d != %d", taxid, e2.Reads, e.Reads)
		}
		for node, p := range e.Prob {
			if e2.Prob[node] != p {
				t.Errorf("taxid %d node %d: %v != %v", taxid, node, e2.Prob[node], p)
			}
		}
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	dir, err := ioutil.TempDir("", "reabund-model")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	m := &Model{Entries: map[uint32]*Entry{
		100: {Taxid: 100, Reads: 1, Prob: map[uint32]float64{100: 1}},
	}}
	if err = m.WriteToDir(dir); err != nil {
		t.Fatalf("write: %s", err)
	}

	info := NewDBInfo(m)
	info.Version = DBVersion + 1
	if err = info.WriteTo(dir + "/" + DBInfoFile); err != nil {
		t.Fatalf("rewrite info: %s", err)
	}

	_, _, err = LoadFromDir(dir, nil, 1, 10)
	if errors.Cause(err) != ErrVersionMismatch {
		t.Errorf("version mismatch: got %v", err)
	}
}
