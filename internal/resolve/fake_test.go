package resolve

import (
	"context"
	"slices"
	"sync"

	"github.com/agentic-research/cadlink/api"
)

// fakeScene serves a small scene hierarchy and its connections, counting
// calls per operation. Operations with a gate block until it is closed.
type fakeScene struct {
	mu    sync.Mutex
	nodes map[api.ModelRevisionKey]map[api.TreeIndex]api.Node
	conns []api.Connection
	views map[api.GraphInstanceRef][]api.ViewRef
	calls map[string]int
	args  map[string][][]int64
	gates map[string]chan struct{}
	fail  map[string]error
}

func newFakeScene() *fakeScene {
	return &fakeScene{
		nodes: make(map[api.ModelRevisionKey]map[api.TreeIndex]api.Node),
		views: make(map[api.GraphInstanceRef][]api.ViewRef),
		calls: make(map[string]int),
		args:  make(map[string][][]int64),
		gates: make(map[string]chan struct{}),
		fail:  make(map[string]error),
	}
}

// nodeID derives a node id distinct from the tree index.
func nodeID(ti api.TreeIndex) api.NodeID { return api.NodeID(1000 + ti) }

// chain adds nodes linked root-first.
func (s *fakeScene) chain(key api.ModelRevisionKey, tis ...api.TreeIndex) *fakeScene {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.nodes[key]
	if !ok {
		m = make(map[api.TreeIndex]api.Node)
		s.nodes[key] = m
	}
	var parent api.NodeID
	for depth, ti := range tis {
		if _, exists := m[ti]; !exists {
			m[ti] = api.Node{ID: nodeID(ti), TreeIndex: ti, ParentID: parent, Depth: depth}
		}
		parent = nodeID(ti)
	}
	return s
}

func (s *fakeScene) connect(key api.ModelRevisionKey, ti api.TreeIndex, refs ...string) *fakeScene {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		s.conns = append(s.conns, api.Connection{
			Instance:   api.GraphInstanceRef{Space: "assets", ExternalID: r},
			ModelID:    key.ModelID,
			RevisionID: key.RevisionID,
			TreeIndex:  ti,
		})
	}
	return s
}

func (s *fakeScene) view(ref string, v string) *fakeScene {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := api.GraphInstanceRef{Space: "assets", ExternalID: ref}
	s.views[inst] = append(s.views[inst], api.ViewRef{Space: "core", ExternalID: v, Version: "v1"})
	return s
}

func (s *fakeScene) gate(op string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[op] = ch
	return ch
}

func (s *fakeScene) failNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *fakeScene) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeScene) argsOf(op string) [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.args[op])
}

func (s *fakeScene) enter(ctx context.Context, op string, args []int64) error {
	s.mu.Lock()
	s.calls[op]++
	s.args[op] = append(s.args[op], args)
	gate := s.gates[op]
	err := s.fail[op]
	delete(s.fail, op)
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *fakeScene) Ancestors(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndex api.TreeIndex) ([]api.Node, error) {
	if err := s.enter(ctx, opAncestors, []int64{int64(treeIndex)}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.nodes[api.ModelRevisionKey{ModelID: modelID, RevisionID: revisionID}]
	byID := make(map[api.NodeID]api.Node, len(m))
	for _, n := range m {
		byID[n.ID] = n
	}
	n, ok := m[treeIndex]
	if !ok {
		return nil, nil
	}
	chain := []api.Node{n}
	for n.ParentID != 0 {
		n = byID[n.ParentID]
		chain = append(chain, n)
	}
	slices.Reverse(chain)
	return chain, nil
}

func (s *fakeScene) NodesByTreeIndex(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndices []api.TreeIndex) ([]api.Node, error) {
	args := make([]int64, len(treeIndices))
	for i, ti := range treeIndices {
		args[i] = int64(ti)
	}
	if err := s.enter(ctx, opNodes, args); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.nodes[api.ModelRevisionKey{ModelID: modelID, RevisionID: revisionID}]
	var out []api.Node
	for _, ti := range treeIndices {
		if n, ok := m[ti]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeScene) ConnectionsForNodeIDs(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, nodeIDs []api.NodeID) ([]api.Connection, error) {
	args := make([]int64, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = int64(id)
	}
	if err := s.enter(ctx, opConnsForNodes, args); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := api.ModelRevisionKey{ModelID: modelID, RevisionID: revisionID}
	var out []api.Connection
	for _, c := range s.conns {
		if c.Key() == key && slices.Contains(nodeIDs, nodeID(c.TreeIndex)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeScene) ConnectionsForRevisions(ctx context.Context, keys []api.ModelRevisionKey) ([]api.Connection, error) {
	if err := s.enter(ctx, opConnsForRevs, []int64{int64(len(keys))}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Connection
	for _, c := range s.conns {
		if slices.Contains(keys, c.Key()) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeScene) Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error) {
	if err := s.enter(ctx, opInspect, []int64{int64(len(refs))}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.InspectResult, 0, len(refs))
	for _, r := range refs {
		out = append(out, api.InspectResult{Instance: r, Views: s.views[r]})
	}
	return out, nil
}

func instances(conns []api.ConnectionWithNode) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.Connection.Instance.ExternalID
	}
	slices.Sort(out)
	return out
}
