package taxtree

import (
	"testing"

	"github.com/pkg/errors"
)

// 1 (root, no rank)
// └── 10 (genus)
//     ├── 100 (species)
//     │   └── 1000 (strain)
//     └── 200 (species)
// └── 20 (genus)
//     └── 300 (species)
func testRecords() []Node {
	return []Node{
		{Taxid: 1, Parent: 1, Rank: "no rank", Name: "root"},
		{Taxid: 10, Parent: 1, Rank: "genus", Name: "Geo"},
		{Taxid: 20, Parent: 1, Rank: "genus", Name: "Heo"},
		{Taxid: 100, Parent: 10, Rank: "species", Name: "Geo alpha"},
		{Taxid: 200, Parent: 10, Rank: "species", Name: "Geo beta"},
		{Taxid: 300, Parent: 20, Rank: "species", Name: "Heo gamma"},
		{Taxid: 1000, Parent: 100, Rank: "strain", Name: "Geo alpha X1"},
	}
}

func testTree(t *testing.T) *Tree {
	tree, err := New(testRecords())
	if err != nil {
		t.Fatalf("building tree: %s", err)
	}
	return tree
}

func TestQueries(t *testing.T) {
	tree := testTree(t)

	if tree.Root() != 1 {
		t.Errorf("root: got %d, want 1", tree.Root())
	}
	if tree.Size() != 7 {
		t.Errorf("size: got %d, want 7", tree.Size())
	}

	if p, ok := tree.Parent(1000); !ok || p != 100 {
		t.Errorf("parent of 1000: got %d, %v", p, ok)
	}
	if _, ok := tree.Parent(1); ok {
		t.Error("root should have no parent")
	}

	children := tree.Children(10)
	if len(children) != 2 || children[0] != 100 || children[1] != 200 {
		t.Errorf("children of 10: got %v", children)
	}

	path := tree.Ancestors(1000)
	want := []uint32{1, 10, 100, 1000}
	if len(path) != len(want) {
		t.Fatalf("ancestors of 1000: got %v", path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("ancestors of 1000: got %v, want %v", path, want)
		}
	}

	if !tree.IsAncestorOrSelf(10, 1000) {
		t.Error("10 should be an ancestor of 1000")
	}
	if !tree.IsAncestorOrSelf(100, 100) {
		t.Error("a node should be its own ancestor-or-self")
	}
	if tree.IsAncestorOrSelf(20, 1000) {
		t.Error("20 is not an ancestor of 1000")
	}
}

func TestRankQueries(t *testing.T) {
	tree := testTree(t)

	species := tree.TaxaAtRank("species")
	if len(species) != 3 || species[0] != 100 || species[1] != 200 || species[2] != 300 {
		t.Errorf("taxa at species: got %v", species)
	}

	desc := tree.DescendantsAtRank(10, "species")
	if len(desc) != 2 || desc[0] != 100 || desc[1] != 200 {
		t.Errorf("species under 10: got %v", desc)
	}

	if desc = tree.DescendantsAtRank(100, "species"); len(desc) != 0 {
		t.Errorf("species under 100 should be empty, got %v", desc)
	}

	if a, ok := tree.RankedAncestorOrSelf(1000, "species"); !ok || a != 100 {
		t.Errorf("species ancestor of 1000: got %d, %v", a, ok)
	}
	if a, ok := tree.RankedAncestorOrSelf(200, "species"); !ok || a != 200 {
		t.Errorf("species ancestor of 200: got %d, %v", a, ok)
	}
	if _, ok := tree.RankedAncestorOrSelf(10, "species"); ok {
		t.Error("10 has no species ancestor-or-self")
	}
}

func TestPostOrder(t *testing.T) {
	tree := testTree(t)

	order := make([]uint32, 0, tree.Size())
	tree.PostOrder(func(taxid uint32) {
		order = append(order, taxid)
	})

	if len(order) != tree.Size() {
		t.Fatalf("post-order visited %d of %d nodes", len(order), tree.Size())
	}

	pos := make(map[uint32]int, len(order))
	for i, taxid := range order {
		pos[taxid] = i
	}
	for _, taxid := range order {
		if p, ok := tree.Parent(taxid); ok && pos[p] < pos[taxid] {
			t.Errorf("parent %d visited before child %d", p, taxid)
		}
	}
	if order[len(order)-1] != 1 {
		t.Errorf("root should be visited last, got %d", order[len(order)-1])
	}
}

func TestInvalidTrees(t *testing.T) {
	// missing parent
	_, err := New([]Node{
		{Taxid: 1, Parent: 1},
		{Taxid: 2, Parent: 3},
	})
	if errors.Cause(err) != ErrBrokenTree {
		t.Errorf("missing parent: got %v", err)
	}

	// two roots
	_, err = New([]Node{
		{Taxid: 1, Parent: 1},
		{Taxid: 2, Parent: 2},
	})
	if errors.Cause(err) != ErrMultipleRoots {
		t.Errorf("two roots: got %v", err)
	}

	// no root
	_, err = New([]Node{
		{Taxid: 1, Parent: 2},
		{Taxid: 2, Parent: 1},
	})
	if errors.Cause(err) != ErrNoRoot {
		t.Errorf("no root: got %v", err)
	}

	// duplicate taxid
	_, err = New([]Node{
		{Taxid: 1, Parent: 1},
		{Taxid: 2, Parent: 1},
		{Taxid: 2, Parent: 1},
	})
	if errors.Cause(err) != ErrDuplicateTaxid {
		t.Errorf("duplicate taxid: got %v", err)
	}

	// cycle hanging off a valid root
	_, err = New([]Node{
		{Taxid: 1, Parent: 1},
		{Taxid: 2, Parent: 3},
		{Taxid: 3, Parent: 2},
	})
	if errors.Cause(err) != ErrBrokenTree {
		t.Errorf("cycle: got %v", err)
	}
}
