// Package store holds local backends for the scene hierarchy and the graph
// connections that point into it.
//
// Both MemoryStore and SQLiteStore serve the same three roles: ancestor and
// node lookup for the resolver, a paginated query.Executor returning items in
// a dms.Layout, and instance inspection.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/dms"
	"github.com/agentic-research/cadlink/internal/query"
)

var ErrNotFound = errors.New("node not found")

type memRevision struct {
	byTreeIndex map[api.TreeIndex]api.Node
	byID        map[api.NodeID]api.Node
	conns       []api.Connection
}

// MemoryStore keeps everything in maps. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	layout    dms.Layout
	revisions map[api.ModelRevisionKey]*memRevision
	views     map[api.GraphInstanceRef][]api.ViewRef
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		layout:    dms.EdgeLayout,
		revisions: make(map[api.ModelRevisionKey]*memRevision),
		views:     make(map[api.GraphInstanceRef][]api.ViewRef),
	}
}

// SetLayout selects the item shape Query returns.
func (s *MemoryStore) SetLayout(l dms.Layout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = l
}

func (s *MemoryStore) revision(key api.ModelRevisionKey) *memRevision {
	r, ok := s.revisions[key]
	if !ok {
		r = &memRevision{
			byTreeIndex: make(map[api.TreeIndex]api.Node),
			byID:        make(map[api.NodeID]api.Node),
		}
		s.revisions[key] = r
	}
	return r
}

// AddNode adds or replaces a scene node. A zero ParentID marks a root.
func (s *MemoryStore) AddNode(key api.ModelRevisionKey, n api.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.revision(key)
	r.byTreeIndex[n.TreeIndex] = n
	r.byID[n.ID] = n
}

// AddConnection attaches an instance to an existing node. Repeated
// connections are ignored.
func (s *MemoryStore) AddConnection(c api.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.revisions[c.Key()]
	if !ok {
		return fmt.Errorf("connection %s to %s tree index %d: %w", c.Instance, c.Key(), c.TreeIndex, ErrNotFound)
	}
	if _, ok := r.byTreeIndex[c.TreeIndex]; !ok {
		return fmt.Errorf("connection %s to %s tree index %d: %w", c.Instance, c.Key(), c.TreeIndex, ErrNotFound)
	}
	if slices.Contains(r.conns, c) {
		return nil
	}
	r.conns = append(r.conns, c)
	return nil
}

// SetViews records the views an instance is exposed through.
func (s *MemoryStore) SetViews(ref api.GraphInstanceRef, views []api.ViewRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[ref] = slices.Clone(views)
}

// Ancestors returns the chain from the root down to treeIndex, or nothing if
// the node is unknown.
func (s *MemoryStore) Ancestors(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndex api.TreeIndex) ([]api.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.revisions[api.ModelRevisionKey{ModelID: modelID, RevisionID: revisionID}]
	if !ok {
		return nil, nil
	}
	n, ok := r.byTreeIndex[treeIndex]
	if !ok {
		return nil, nil
	}
	chain := []api.Node{n}
	for n.ParentID != 0 {
		if len(chain) > len(r.byID) {
			return nil, fmt.Errorf("parent cycle above tree index %d", treeIndex)
		}
		parent, ok := r.byID[n.ParentID]
		if !ok {
			return nil, fmt.Errorf("parent %d of node %d: %w", n.ParentID, n.ID, ErrNotFound)
		}
		n = parent
		chain = append(chain, n)
	}
	slices.Reverse(chain)
	return chain, nil
}

// NodesByTreeIndex returns the known nodes among treeIndices.
func (s *MemoryStore) NodesByTreeIndex(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndices []api.TreeIndex) ([]api.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.revisions[api.ModelRevisionKey{ModelID: modelID, RevisionID: revisionID}]
	if !ok {
		return nil, nil
	}
	out := make([]api.Node, 0, len(treeIndices))
	for _, ti := range treeIndices {
		if n, ok := r.byTreeIndex[ti]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Query implements query.Executor over the stored connections.
func (s *MemoryStore) Query(ctx context.Context, req query.Request) (*query.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.items()
	resp := &query.Response{
		Items:      make(map[string][]query.Item, len(req.With)),
		NextCursor: make(map[string]string),
	}
	for name, expr := range req.With {
		if expr.Source != s.layout.Source {
			return nil, fmt.Errorf("result set %q: unsupported source %q", name, expr.Source)
		}
		var matched []query.Item
		for _, it := range items {
			ok, err := query.Match(expr.Filter, it)
			if err != nil {
				return nil, fmt.Errorf("result set %q: %w", name, err)
			}
			if ok {
				matched = append(matched, it)
			}
		}
		page, next, err := query.Paginate(matched, req.Cursors[name], expr.Limit)
		if err != nil {
			return nil, fmt.Errorf("result set %q: %w", name, err)
		}
		resp.Items[name] = page
		if next != "" {
			resp.NextCursor[name] = next
		}
	}
	return resp, nil
}

// items encodes every connection in key order. Must be called with s.mu held.
func (s *MemoryStore) items() []query.Item {
	keys := make([]api.ModelRevisionKey, 0, len(s.revisions))
	for k := range s.revisions {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b api.ModelRevisionKey) int {
		return cmp.Or(cmp.Compare(a.ModelID, b.ModelID), cmp.Compare(a.RevisionID, b.RevisionID))
	})

	var out []query.Item
	for _, k := range keys {
		r := s.revisions[k]
		for _, c := range r.conns {
			out = append(out, s.layout.Encode(c, r.byTreeIndex[c.TreeIndex].ID))
		}
	}
	return out
}

// Inspect implements dms.Inspector.
func (s *MemoryStore) Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.InspectResult, len(refs))
	for i, r := range refs {
		out[i] = api.InspectResult{Instance: r, Views: slices.Clone(s.views[r])}
	}
	return out, nil
}
