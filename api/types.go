package api

import "encoding/json"

// TreeIndex is the position of a node in a model revision's flattened scene graph.
// It is stable within one revision.
type TreeIndex int64

// NodeID is the stable external identifier of a scene node.
type NodeID int64

// ModelID identifies a CAD model.
type ModelID int64

// RevisionID identifies one processed revision of a CAD model.
type RevisionID int64

// ModelRevisionKey selects one (model, revision) pair.
// It is comparable and used directly as a map key.
type ModelRevisionKey struct {
	ModelID    ModelID    `json:"modelId"`
	RevisionID RevisionID `json:"revisionId"`
}

// GraphInstanceRef uniquely identifies a knowledge-graph instance.
type GraphInstanceRef struct {
	Space      string `json:"space"`
	ExternalID string `json:"externalId"`
}

// ViewRef identifies a schema view an instance satisfies.
type ViewRef struct {
	Space      string `json:"space"`
	ExternalID string `json:"externalId"`
	Version    string `json:"version,omitempty"`
}

// Node describes a scene-graph node as returned by the hierarchy service.
type Node struct {
	ID          NodeID    `json:"id"`
	TreeIndex   TreeIndex `json:"treeIndex"`
	ParentID    NodeID    `json:"parentId,omitempty"`
	Depth       int       `json:"depth"`
	SubtreeSize int       `json:"subtreeSize"`
	Name        string    `json:"name,omitempty"`
}

// Connection is an edge from a graph instance to one scene-graph node.
type Connection struct {
	Instance   GraphInstanceRef `json:"instance"`
	ModelID    ModelID          `json:"modelId"`
	RevisionID RevisionID       `json:"revisionId"`
	TreeIndex  TreeIndex        `json:"treeIndex"`
}

// Key returns the (model, revision) the connection belongs to.
func (c Connection) Key() ModelRevisionKey {
	return ModelRevisionKey{ModelID: c.ModelID, RevisionID: c.RevisionID}
}

// ConnectionWithNode is a Connection resolved against the scene node it was
// found on. View is nil until enrichment has run.
type ConnectionWithNode struct {
	Connection Connection `json:"connection"`
	Node       Node       `json:"node"`
	View       *ViewRef   `json:"view,omitempty"`
}

// Identity is the merge key for bulk inserts: one instance on one node.
func (c ConnectionWithNode) Identity() ConnectionIdentity {
	return ConnectionIdentity{Instance: c.Connection.Instance, TreeIndex: c.Node.TreeIndex}
}

// WithView returns a copy of c with the view set.
func (c ConnectionWithNode) WithView(v *ViewRef) ConnectionWithNode {
	c.View = v
	return c
}

// ConnectionIdentity is the comparable identity of a ConnectionWithNode.
type ConnectionIdentity struct {
	Instance  GraphInstanceRef
	TreeIndex TreeIndex
}

// InspectResult lists the views an instance is exposed through.
type InspectResult struct {
	Instance GraphInstanceRef `json:"instance"`
	Views    []ViewRef        `json:"involvedViews"`
}

// ModelMapping lists, for one revision, the scene nodes each requested
// instance is connected to.
type ModelMapping struct {
	ModelID    ModelID                     `json:"modelId"`
	RevisionID RevisionID                  `json:"revisionId"`
	Mappings   map[GraphInstanceRef][]Node `json:"-"`
}

// MarshalJSON renders Mappings keyed by the instance's string form.
func (m ModelMapping) MarshalJSON() ([]byte, error) {
	byRef := make(map[string][]Node, len(m.Mappings))
	for ref, nodes := range m.Mappings {
		byRef[ref.String()] = nodes
	}
	return json.Marshal(struct {
		ModelID    ModelID           `json:"modelId"`
		RevisionID RevisionID        `json:"revisionId"`
		Mappings   map[string][]Node `json:"mappings"`
	}{m.ModelID, m.RevisionID, byRef})
}

// HasView reports whether every connection in the list carries a view.
func HasView(conns []ConnectionWithNode) bool {
	for _, c := range conns {
		if c.View == nil {
			return false
		}
	}
	return true
}
