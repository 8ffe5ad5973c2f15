// Package dms reads scene-node connections out of the graph-query service.
//
// The service has stored connections in two schema generations. A Layout
// knows where each connection attribute lives in a result item, and which
// property paths to filter on; the Provider is the same for both.
package dms

import (
	"fmt"
	"strings"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/query"
	"github.com/ohler55/ojg/jp"
)

// Field names one connection attribute inside a result item.
type Field int

const (
	FieldSpace Field = iota
	FieldExternalID
	FieldModel
	FieldRevision
	FieldTreeIndex
	FieldNode
	FieldTypeSpace
	FieldTypeExternalID
)

var fieldNames = map[Field]string{
	FieldSpace:          "space",
	FieldExternalID:     "externalId",
	FieldModel:          "modelId",
	FieldRevision:       "revisionId",
	FieldTreeIndex:      "treeIndex",
	FieldNode:           "nodeId",
	FieldTypeSpace:      "type.space",
	FieldTypeExternalID: "type.externalId",
}

func (f Field) String() string { return fieldNames[f] }

// Layout maps connection attributes to item paths for one schema generation.
type Layout struct {
	Name   string
	Source string
	// Type restricts edge items to one edge type. Zero for layouts without
	// typed items.
	Type api.GraphInstanceRef

	instanceType string
	paths        map[Field][]string
	exprs        map[Field]jp.Expr
}

// DefaultEdgeType is the edge type connecting an instance to a scene node.
var DefaultEdgeType = api.GraphInstanceRef{Space: "scene", ExternalID: "mapsTo"}

// EdgeLayout reads connections stored as edges from the instance to the
// scene node, with the node coordinates as edge properties.
var EdgeLayout = newLayout("edge", query.SourceEdges, "edge", DefaultEdgeType, map[Field][]string{
	FieldSpace:          {"startNode", "space"},
	FieldExternalID:     {"startNode", "externalId"},
	FieldModel:          {"properties", "modelId"},
	FieldRevision:       {"properties", "revisionId"},
	FieldTreeIndex:      {"properties", "treeIndex"},
	FieldNode:           {"properties", "nodeId"},
	FieldTypeSpace:      {"type", "space"},
	FieldTypeExternalID: {"type", "externalId"},
})

// CoreLayout reads connections stored on the instance itself, one item per
// connected scene node.
var CoreLayout = newLayout("core", query.SourceNodes, "node", api.GraphInstanceRef{}, map[Field][]string{
	FieldSpace:      {"space"},
	FieldExternalID: {"externalId"},
	FieldModel:      {"properties", "cadNode", "model"},
	FieldRevision:   {"properties", "cadNode", "revision"},
	FieldTreeIndex:  {"properties", "cadNode", "treeIndex"},
	FieldNode:       {"properties", "cadNode", "id"},
})

func newLayout(name, source, instanceType string, typ api.GraphInstanceRef, paths map[Field][]string) Layout {
	exprs := make(map[Field]jp.Expr, len(paths))
	for f, p := range paths {
		exprs[f] = jp.MustParseString("$." + strings.Join(p, "."))
	}
	return Layout{
		Name:         name,
		Source:       source,
		Type:         typ,
		instanceType: instanceType,
		paths:        paths,
		exprs:        exprs,
	}
}

// LayoutByName returns the built-in layout called name.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case EdgeLayout.Name:
		return EdgeLayout, nil
	case CoreLayout.Name:
		return CoreLayout, nil
	default:
		return Layout{}, fmt.Errorf("unknown layout %q (want %q or %q)", name, EdgeLayout.Name, CoreLayout.Name)
	}
}

// WithType returns a copy of l restricted to edge type t. Layouts without
// typed items ignore it.
func (l Layout) WithType(t api.GraphInstanceRef) Layout {
	if _, typed := l.paths[FieldTypeSpace]; typed {
		l.Type = t
	}
	return l
}

// Path returns the property path of f, or nil if the layout has none.
func (l Layout) Path(f Field) []string { return l.paths[f] }

// Decode reads one connection from an item.
func (l Layout) Decode(item query.Item) (api.Connection, error) {
	var c api.Connection
	var err error
	if c.Instance.Space, err = l.str(item, FieldSpace); err != nil {
		return c, err
	}
	if c.Instance.ExternalID, err = l.str(item, FieldExternalID); err != nil {
		return c, err
	}
	model, err := l.num(item, FieldModel)
	if err != nil {
		return c, err
	}
	revision, err := l.num(item, FieldRevision)
	if err != nil {
		return c, err
	}
	treeIndex, err := l.num(item, FieldTreeIndex)
	if err != nil {
		return c, err
	}
	c.ModelID = api.ModelID(model)
	c.RevisionID = api.RevisionID(revision)
	c.TreeIndex = api.TreeIndex(treeIndex)
	return c, nil
}

func (l Layout) str(item query.Item, f Field) (string, error) {
	v := l.exprs[f].First(item)
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s layout: item has no %s", l.Name, f)
	}
	return s, nil
}

func (l Layout) num(item query.Item, f Field) (int64, error) {
	n, ok := query.Number(l.exprs[f].First(item))
	if !ok {
		return 0, fmt.Errorf("%s layout: item has no numeric %s", l.Name, f)
	}
	return int64(n), nil
}

// Encode renders a connection on node as an item of this layout.
func (l Layout) Encode(c api.Connection, node api.NodeID) query.Item {
	item := query.Item{"instanceType": l.instanceType}
	set := func(f Field, v any) {
		if p, ok := l.paths[f]; ok {
			setPath(item, p, v)
		}
	}
	set(FieldSpace, c.Instance.Space)
	set(FieldExternalID, c.Instance.ExternalID)
	set(FieldModel, int64(c.ModelID))
	set(FieldRevision, int64(c.RevisionID))
	set(FieldTreeIndex, int64(c.TreeIndex))
	set(FieldNode, int64(node))
	if l.Type != (api.GraphInstanceRef{}) {
		set(FieldTypeSpace, l.Type.Space)
		set(FieldTypeExternalID, l.Type.ExternalID)
	}
	return item
}

func setPath(m map[string]any, path []string, v any) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[k] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

func (l Layout) typeFilters() []query.Filter {
	if l.Type == (api.GraphInstanceRef{}) {
		return nil
	}
	return []query.Filter{
		query.Equals(l.paths[FieldTypeSpace], l.Type.Space),
		query.Equals(l.paths[FieldTypeExternalID], l.Type.ExternalID),
	}
}

// NodesFilter selects connections of one revision attached to the given nodes.
func (l Layout) NodesFilter(modelID api.ModelID, revisionID api.RevisionID, nodeIDs []api.NodeID) query.Filter {
	ids := make([]int64, len(nodeIDs))
	for i, id := range nodeIDs {
		ids[i] = int64(id)
	}
	return query.And(append(l.typeFilters(),
		query.Equals(l.paths[FieldModel], int64(modelID)),
		query.Equals(l.paths[FieldRevision], int64(revisionID)),
		query.In(l.paths[FieldNode], ids),
	)...)
}

// RevisionsFilter selects every connection of the given revisions.
func (l Layout) RevisionsFilter(keys []api.ModelRevisionKey) query.Filter {
	perKey := make([]query.Filter, len(keys))
	for i, k := range keys {
		perKey[i] = query.And(
			query.Equals(l.paths[FieldModel], int64(k.ModelID)),
			query.Equals(l.paths[FieldRevision], int64(k.RevisionID)),
		)
	}
	return query.And(append(l.typeFilters(), query.Or(perKey...))...)
}
