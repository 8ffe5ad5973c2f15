package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agentic-research/cadlink/api"
)

// Fixture is the JSON interchange format for local scenes:
//
//	{"revisions": [{"modelId": 1, "revisionId": 2,
//	   "nodes": [{"id": 10, "treeIndex": 0}, {"id": 11, "treeIndex": 1, "parentId": 10}],
//	   "connections": [{"space": "assets", "externalId": "pump-1", "treeIndex": 1}]}],
//	 "views": [{"instance": {"space": "assets", "externalId": "pump-1"},
//	   "involvedViews": [{"space": "core", "externalId": "Pump", "version": "v1"}]}]}
type Fixture struct {
	Revisions []FixtureRevision   `json:"revisions"`
	Views     []api.InspectResult `json:"views"`
}

type FixtureRevision struct {
	ModelID     api.ModelID         `json:"modelId"`
	RevisionID  api.RevisionID      `json:"revisionId"`
	Nodes       []FixtureNode       `json:"nodes"`
	Connections []FixtureConnection `json:"connections"`
}

type FixtureNode struct {
	ID        api.NodeID    `json:"id"`
	TreeIndex api.TreeIndex `json:"treeIndex"`
	ParentID  api.NodeID    `json:"parentId,omitempty"`
	Name      string        `json:"name,omitempty"`
}

type FixtureConnection struct {
	Space      string        `json:"space"`
	ExternalID string        `json:"externalId"`
	TreeIndex  api.TreeIndex `json:"treeIndex"`
}

func (r FixtureRevision) key() api.ModelRevisionKey {
	return api.ModelRevisionKey{ModelID: r.ModelID, RevisionID: r.RevisionID}
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // safe to ignore
	fx, err := ParseFixture(f)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return fx, nil
}

// ParseFixture decodes and validates a fixture.
func ParseFixture(r io.Reader) (*Fixture, error) {
	var fx Fixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	for _, rev := range fx.Revisions {
		if _, err := rev.nodes(); err != nil {
			return nil, err
		}
	}
	return &fx, nil
}

// nodes validates the revision's hierarchy and fills depth and subtree size.
// Parents come before their children in the result.
func (r FixtureRevision) nodes() ([]api.Node, error) {
	key := r.key()
	byID := make(map[api.NodeID]FixtureNode, len(r.Nodes))
	seenTI := make(map[api.TreeIndex]api.NodeID, len(r.Nodes))
	children := make(map[api.NodeID][]api.NodeID)
	var roots []api.NodeID

	for _, n := range r.Nodes {
		if n.ID == 0 {
			return nil, fmt.Errorf("%s: node id 0 is reserved for \"no parent\"", key)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate node id %d", key, n.ID)
		}
		if other, dup := seenTI[n.TreeIndex]; dup {
			return nil, fmt.Errorf("%s: nodes %d and %d share tree index %d", key, other, n.ID, n.TreeIndex)
		}
		byID[n.ID] = n
		seenTI[n.TreeIndex] = n.ID
	}
	for _, n := range r.Nodes {
		if n.ParentID == 0 {
			roots = append(roots, n.ID)
			continue
		}
		if _, ok := byID[n.ParentID]; !ok {
			return nil, fmt.Errorf("%s: node %d: parent %d: %w", key, n.ID, n.ParentID, ErrNotFound)
		}
		children[n.ParentID] = append(children[n.ParentID], n.ID)
	}

	// Preorder walk from the roots; anything left unvisited sits on a cycle.
	out := make([]api.Node, 0, len(r.Nodes))
	var walk func(id api.NodeID, depth int) int
	walk = func(id api.NodeID, depth int) int {
		n := byID[id]
		pos := len(out)
		out = append(out, api.Node{ID: n.ID, TreeIndex: n.TreeIndex, ParentID: n.ParentID, Depth: depth, Name: n.Name})
		size := 1
		for _, c := range children[id] {
			size += walk(c, depth+1)
		}
		out[pos].SubtreeSize = size
		return size
	}
	for _, id := range roots {
		walk(id, 0)
	}
	if len(out) != len(r.Nodes) {
		return nil, fmt.Errorf("%s: %d nodes are not reachable from a root", key, len(r.Nodes)-len(out))
	}

	for _, c := range r.Connections {
		if _, ok := seenTI[c.TreeIndex]; !ok {
			return nil, fmt.Errorf("%s: connection %s/%s: tree index %d: %w", key, c.Space, c.ExternalID, c.TreeIndex, ErrNotFound)
		}
	}
	return out, nil
}

func (r FixtureRevision) connections() []api.Connection {
	out := make([]api.Connection, len(r.Connections))
	for i, c := range r.Connections {
		out[i] = api.Connection{
			Instance:   api.GraphInstanceRef{Space: c.Space, ExternalID: c.ExternalID},
			ModelID:    r.ModelID,
			RevisionID: r.RevisionID,
			TreeIndex:  c.TreeIndex,
		}
	}
	return out
}

// Populate loads the fixture into a MemoryStore.
func (fx *Fixture) Populate(s *MemoryStore) error {
	for _, rev := range fx.Revisions {
		nodes, err := rev.nodes()
		if err != nil {
			return err
		}
		for _, n := range nodes {
			s.AddNode(rev.key(), n)
		}
		for _, c := range rev.connections() {
			if err := s.AddConnection(c); err != nil {
				return err
			}
		}
	}
	for _, v := range fx.Views {
		s.SetViews(v.Instance, v.Views)
	}
	return nil
}

// Write streams the fixture into w. The caller closes w.
func (fx *Fixture) Write(w *Writer) error {
	for _, rev := range fx.Revisions {
		nodes, err := rev.nodes()
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := w.AddNode(rev.key(), n); err != nil {
				return err
			}
		}
		for _, c := range rev.connections() {
			if err := w.AddConnection(c); err != nil {
				return err
			}
		}
	}
	for _, v := range fx.Views {
		if err := w.AddViews(v.Instance, v.Views); err != nil {
			return err
		}
	}
	return nil
}
