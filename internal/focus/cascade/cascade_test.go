package cascade

import (
	"testing"
)

type testNode string

func (n testNode) RelayID() string { return string(n) }

// buildTwoMesh creates the topology of the repair scenario: meshes {A,B} and
// {C,D} connected by the single link B-C.
func buildTwoMesh(t *testing.T) *Cascade {
	t.Helper()
	c := New()
	if err := c.AddNodeToMesh(testNode("A"), "m1"); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if err := c.AddNodeToMesh(testNode("B"), "m1"); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if err := c.AddMesh(testNode("B"), testNode("C"), "m"); err != nil {
		t.Fatalf("add mesh B-C: %v", err)
	}
	if err := c.AddMesh(testNode("C"), testNode("D"), "m2"); err != nil {
		t.Fatalf("add mesh C-D: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() after build: %v", err)
	}
	return c
}

func TestAddNodeToMesh(t *testing.T) {
	c := New()

	if err := c.AddNodeToMesh(testNode("A"), "m1"); err != nil {
		t.Fatalf("add to empty cascade: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() single node: %v", err)
	}

	if err := c.AddNodeToMesh(testNode("B"), "m1"); err != nil {
		t.Fatalf("add second node: %v", err)
	}
	if err := c.AddNodeToMesh(testNode("C"), "m1"); err != nil {
		t.Fatalf("add third node to existing mesh: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() three-node mesh: %v", err)
	}

	// All three are pairwise linked.
	for _, pair := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "C"}} {
		if _, ok := c.Links(pair[0])[pair[1]]; !ok {
			t.Errorf("link %s-%s missing", pair[0], pair[1])
		}
	}

	if err := c.AddNodeToMesh(testNode("D"), "no-such-mesh"); err == nil {
		t.Error("adding to an unknown mesh succeeded")
	}
	if err := c.AddNodeToMesh(testNode("A"), "m1"); err == nil {
		t.Error("re-adding an existing node succeeded")
	}
}

func TestAddMesh(t *testing.T) {
	c := New()
	if err := c.AddNodeToMesh(testNode("A"), "m1"); err != nil {
		t.Fatal(err)
	}

	if err := c.AddMesh(testNode("A"), testNode("B"), "m2"); err != nil {
		t.Fatalf("AddMesh() error = %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	if err := c.AddMesh(testNode("X"), testNode("Y"), "m3"); err == nil {
		t.Error("AddMesh with unknown existing node succeeded")
	}
	if err := c.AddMesh(testNode("A"), testNode("B"), "m3"); err == nil {
		t.Error("AddMesh with already-present new node succeeded")
	}
	if err := c.AddMesh(testNode("A"), testNode("C"), "m2"); err == nil {
		t.Error("AddMesh reusing a mesh ID succeeded")
	}
}

// Removing a mesh-bridging node without replacement links leaves the cascade
// invalid; a repair restoring connectivity validates, and the repaired
// topology routes as expected.
func TestRemoveNodeRepair(t *testing.T) {
	// No repair links: the cascade splits.
	broken := buildTwoMesh(t)
	if err := broken.RemoveNode("B", func(removed Node, meshes []string) []RepairLink {
		if removed.RelayID() != "B" {
			t.Errorf("removed = %s, want B", removed.RelayID())
		}
		if got, want := len(meshes), 2; got != want {
			t.Errorf("len(meshes) = %d, want %d", got, want)
		}
		return nil
	}); err != nil {
		t.Fatalf("RemoveNode() error = %v", err)
	}
	if err := broken.Validate(); err == nil {
		t.Error("Validate() passed on a split cascade")
	}

	// With a repair adding A-C in a fresh mesh the cascade heals.
	repaired := buildTwoMesh(t)
	if err := repaired.RemoveNode("B", func(Node, []string) []RepairLink {
		return []RepairLink{{A: "A", B: "C", MeshID: "m3"}}
	}); err != nil {
		t.Fatalf("RemoveNode() with repair error = %v", err)
	}
	if err := repaired.Validate(); err != nil {
		t.Errorf("Validate() after repair = %v", err)
	}

	behind, err := repaired.NodesBehind("A", "C")
	if err != nil {
		t.Fatalf("NodesBehind() error = %v", err)
	}
	ids := make([]string, len(behind))
	for i, n := range behind {
		ids[i] = n.RelayID()
	}
	if len(ids) != 2 || ids[0] != "C" || ids[1] != "D" {
		t.Errorf("NodesBehind(A, C) = %v, want [C D]", ids)
	}
}

func TestRemoveLeafNeedsNoRepair(t *testing.T) {
	c := buildTwoMesh(t)
	if err := c.RemoveNode("D", nil); err != nil {
		t.Fatalf("RemoveNode(D) error = %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() after leaf removal = %v", err)
	}
	if c.ContainsNode("D") {
		t.Error("D still present")
	}
}

// Removing a node and re-adding it to its original mesh reproduces an
// isomorphic cascade. The mesh keeps two other members so it survives the
// removal.
func TestRemoveAddRoundTrip(t *testing.T) {
	build := func() *Cascade {
		c := buildTwoMesh(t)
		if err := c.AddNodeToMesh(testNode("E"), "m1"); err != nil {
			t.Fatalf("add E: %v", err)
		}
		return c
	}
	c := build()

	if err := c.RemoveNode("A", nil); err != nil {
		t.Fatalf("RemoveNode(A) error = %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() mid round-trip = %v", err)
	}
	if err := c.AddNodeToMesh(testNode("A"), "m1"); err != nil {
		t.Fatalf("re-add A: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() after round-trip = %v", err)
	}

	want := build()
	for _, n := range want.Nodes() {
		id := n.RelayID()
		gotLinks := c.Links(id)
		wantLinks := want.Links(id)
		if len(gotLinks) != len(wantLinks) {
			t.Errorf("node %s: link count %d, want %d", id, len(gotLinks), len(wantLinks))
			continue
		}
		for peer, wl := range wantLinks {
			gl, ok := gotLinks[peer]
			if !ok || gl.MeshID != wl.MeshID {
				t.Errorf("node %s: link to %s = %+v, want %+v", id, peer, gl, wl)
			}
		}
	}
}

func TestValidateDetectsRedundantPaths(t *testing.T) {
	c := New()
	if err := c.AddNodeToMesh(testNode("A"), "m1"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddNodeToMesh(testNode("B"), "m1"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddMesh(testNode("A"), testNode("C"), "m2"); err != nil {
		t.Fatal(err)
	}
	// Manufacture a cycle: a third mesh closing B-C.
	c.addLink("B", "C", "m3")

	if err := c.Validate(); err == nil {
		t.Error("Validate() passed with two distinct paths between A and C")
	}
}

func TestNodesBehindStaysOutOfOriginMesh(t *testing.T) {
	c := buildTwoMesh(t)

	// From C toward B: behind B is only the m1 mesh side (A and B).
	behind, err := c.NodesBehind("C", "B")
	if err != nil {
		t.Fatalf("NodesBehind() error = %v", err)
	}
	ids := make([]string, len(behind))
	for i, n := range behind {
		ids[i] = n.RelayID()
	}
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("NodesBehind(C, B) = %v, want [A B]", ids)
	}
}
