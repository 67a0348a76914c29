// Package cascade maintains the multi-bridge topology of one conference: a
// tree of fully-connected meshes with loop-free forwarding between them.
package cascade

import (
	"fmt"
	"sort"
)

// Node is one bridge session participating in the cascade.
type Node interface {
	RelayID() string
}

// Link is one directed edge of the cascade; every link has a symmetric twin
// with the same mesh ID.
type Link struct {
	Peer   string
	MeshID string
}

// RepairLink is one link a repair callback asks to add after a node removal
// severed the cascade.
type RepairLink struct {
	A      string
	B      string
	MeshID string
}

// RepairFn is invoked when removing a node that bridged two or more meshes.
// It receives the removed node and the IDs of its incident meshes and returns
// the links to add to restore connectivity.
type RepairFn func(removed Node, meshes []string) []RepairLink

// Cascade is the topology of one conference. Not safe for concurrent use;
// callers serialize on the conference queue.
type Cascade struct {
	nodes map[string]Node
	links map[string]map[string]Link // relay ID -> peer relay ID -> link
}

// New creates an empty cascade.
func New() *Cascade {
	return &Cascade{
		nodes: make(map[string]Node),
		links: make(map[string]map[string]Link),
	}
}

// Size returns the number of nodes.
func (c *Cascade) Size() int { return len(c.nodes) }

// ContainsNode reports whether a node with the given relay ID is present.
func (c *Cascade) ContainsNode(relayID string) bool {
	_, ok := c.nodes[relayID]
	return ok
}

// Node returns the node with the given relay ID, or nil.
func (c *Cascade) Node(relayID string) Node {
	return c.nodes[relayID]
}

// Nodes returns all nodes, ordered by relay ID.
func (c *Cascade) Nodes() []Node {
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.nodes[id])
	}
	return out
}

// Links returns the links of one node, keyed by peer relay ID.
func (c *Cascade) Links(relayID string) map[string]Link {
	out := make(map[string]Link, len(c.links[relayID]))
	for peer, l := range c.links[relayID] {
		out[peer] = l
	}
	return out
}

// MeshMembers returns the relay IDs currently incident to the mesh, sorted.
func (c *Cascade) MeshMembers(meshID string) []string {
	return c.meshMembers(meshID)
}

// meshMembers returns relay IDs incident to the given mesh, sorted.
func (c *Cascade) meshMembers(meshID string) []string {
	seen := make(map[string]bool)
	for id, peers := range c.links {
		for _, l := range peers {
			if l.MeshID == meshID {
				seen[id] = true
				seen[l.Peer] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// meshes returns the IDs of all meshes present.
func (c *Cascade) meshes() []string {
	seen := make(map[string]bool)
	for _, peers := range c.links {
		for _, l := range peers {
			seen[l.MeshID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// nodeMeshes returns the mesh IDs a node is incident to, sorted.
func (c *Cascade) nodeMeshes(relayID string) []string {
	seen := make(map[string]bool)
	for _, l := range c.links[relayID] {
		seen[l.MeshID] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Cascade) addLink(a, b, meshID string) {
	if c.links[a] == nil {
		c.links[a] = make(map[string]Link)
	}
	if c.links[b] == nil {
		c.links[b] = make(map[string]Link)
	}
	c.links[a][b] = Link{Peer: b, MeshID: meshID}
	c.links[b][a] = Link{Peer: a, MeshID: meshID}
}

// AddNodeToMesh inserts n. An empty cascade accepts any mesh ID; with one
// existing node the mesh is created between the two; otherwise meshID must
// name an existing mesh and n is linked to each of its members.
func (c *Cascade) AddNodeToMesh(n Node, meshID string) error {
	id := n.RelayID()
	if id == "" {
		return fmt.Errorf("node has empty relay ID")
	}
	if c.ContainsNode(id) {
		return fmt.Errorf("node %s already in cascade", id)
	}

	switch len(c.nodes) {
	case 0:
		c.nodes[id] = n
		return nil
	case 1:
		var sole string
		for existing := range c.nodes {
			sole = existing
		}
		c.nodes[id] = n
		c.addLink(id, sole, meshID)
		return nil
	default:
		members := c.meshMembers(meshID)
		if len(members) == 0 {
			return fmt.Errorf("mesh %s does not exist", meshID)
		}
		c.nodes[id] = n
		for _, member := range members {
			c.addLink(id, member, meshID)
		}
		return nil
	}
}

// AddMesh starts a new mesh containing exactly existing and newNode.
func (c *Cascade) AddMesh(existing Node, newNode Node, meshID string) error {
	if !c.ContainsNode(existing.RelayID()) {
		return fmt.Errorf("node %s not in cascade", existing.RelayID())
	}
	if c.ContainsNode(newNode.RelayID()) {
		return fmt.Errorf("node %s already in cascade", newNode.RelayID())
	}
	if len(c.meshMembers(meshID)) > 0 {
		return fmt.Errorf("mesh %s already exists", meshID)
	}
	c.nodes[newNode.RelayID()] = newNode
	c.addLink(existing.RelayID(), newNode.RelayID(), meshID)
	return nil
}

// RemoveNode drops the node and all its links. When the node bridged two or
// more meshes the repair callback supplies replacement links.
func (c *Cascade) RemoveNode(relayID string, repair RepairFn) error {
	n, ok := c.nodes[relayID]
	if !ok {
		return fmt.Errorf("node %s not in cascade", relayID)
	}

	meshes := c.nodeMeshes(relayID)

	for peer := range c.links[relayID] {
		delete(c.links[peer], relayID)
		if len(c.links[peer]) == 0 {
			delete(c.links, peer)
		}
	}
	delete(c.links, relayID)
	delete(c.nodes, relayID)

	if len(meshes) >= 2 {
		if repair == nil {
			return fmt.Errorf("removing %s splits the cascade and no repair was given", relayID)
		}
		for _, l := range repair(n, meshes) {
			if !c.ContainsNode(l.A) || !c.ContainsNode(l.B) {
				return fmt.Errorf("repair link %s-%s references a missing node", l.A, l.B)
			}
			c.addLink(l.A, l.B, l.MeshID)
		}
	}
	return nil
}

// NodesBehind returns the nodes reachable from `toward` without crossing back
// through the mesh by which `from` reaches `toward`. This is the set of
// bridges whose media flows through `toward` as seen from `from`.
func (c *Cascade) NodesBehind(from, toward string) ([]Node, error) {
	link, ok := c.links[from][toward]
	if !ok {
		return nil, fmt.Errorf("no link %s-%s", from, toward)
	}

	visited := map[string]bool{from: true}
	var out []Node
	var walk func(id, arrivedVia string)
	walk = func(id, arrivedVia string) {
		if visited[id] {
			return
		}
		visited[id] = true
		out = append(out, c.nodes[id])
		for peer, l := range c.links[id] {
			if l.MeshID == arrivedVia {
				continue
			}
			walk(peer, l.MeshID)
		}
	}
	walk(toward, link.MeshID)

	sort.Slice(out, func(i, j int) bool { return out[i].RelayID() < out[j].RelayID() })
	return out, nil
}

// Validate checks every structural invariant: link symmetry, mesh
// completeness, connectedness, no self-links, and a loop-free tree of meshes.
func (c *Cascade) Validate() error {
	for id, peers := range c.links {
		if !c.ContainsNode(id) {
			return fmt.Errorf("links exist for unknown node %s", id)
		}
		for peer, l := range peers {
			if peer == id {
				return fmt.Errorf("node %s has a self-link", id)
			}
			if !c.ContainsNode(peer) {
				return fmt.Errorf("node %s links to unknown node %s", id, peer)
			}
			back, ok := c.links[peer][id]
			if !ok {
				return fmt.Errorf("link %s-%s has no backlink", id, peer)
			}
			if back.MeshID != l.MeshID {
				return fmt.Errorf("link %s-%s disagrees on mesh (%s vs %s)", id, peer, l.MeshID, back.MeshID)
			}
		}
	}

	// Mesh completeness: all members of one mesh are pairwise linked in it.
	meshes := c.meshes()
	for _, meshID := range meshes {
		members := c.meshMembers(meshID)
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				l, ok := c.links[members[i]][members[j]]
				if !ok || l.MeshID != meshID {
					return fmt.Errorf("mesh %s is not complete: %s-%s missing", meshID, members[i], members[j])
				}
			}
		}
	}

	if len(c.nodes) == 0 {
		return nil
	}

	// Connectedness over the plain link graph.
	visited := make(map[string]bool)
	var start string
	for id := range c.nodes {
		start = id
		break
	}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for peer := range c.links[id] {
			stack = append(stack, peer)
		}
	}
	if len(visited) != len(c.nodes) {
		return fmt.Errorf("cascade is not connected: reached %d of %d nodes", len(visited), len(c.nodes))
	}

	// Tree of meshes: the bipartite node/mesh incidence graph of a connected
	// cascade is a tree exactly when edges == vertices - 1.
	incidences := 0
	for _, meshID := range meshes {
		incidences += len(c.meshMembers(meshID))
	}
	vertices := len(c.nodes) + len(meshes)
	if incidences != vertices-1 {
		return fmt.Errorf("cascade has redundant paths between meshes")
	}

	return nil
}
