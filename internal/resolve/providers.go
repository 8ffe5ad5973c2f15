// Package resolve answers "which knowledge-graph instances does this scene
// node represent?" for CAD model revisions.
//
// Most scene nodes carry no mapping of their own and inherit the mapping of
// their nearest mapped ancestor. A RevisionCache resolves that lazily per
// tree index by walking the ancestor chain; the Orchestrator bulk-loads whole
// revisions and fronts one RevisionCache per (model, revision).
//
// Cache values are futures. A caller asking for a key whose resolution is in
// flight joins it instead of issuing a second network call. Entries are never
// invalidated for the lifetime of the cache.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentic-research/cadlink/api"
)

// ErrNodeNotFound is returned when the hierarchy service knows no node for a
// tree index.
var ErrNodeNotFound = errors.New("scene node not found")

// AncestorProvider is the remote hierarchy service.
type AncestorProvider interface {
	// Ancestors returns the chain from the scene root down to and including
	// the node at treeIndex.
	Ancestors(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndex api.TreeIndex) ([]api.Node, error)
	// NodesByTreeIndex returns descriptors for the given tree indices.
	NodesByTreeIndex(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndices []api.TreeIndex) ([]api.Node, error)
}

// ConnectionProvider is the remote graph-query service.
type ConnectionProvider interface {
	// ConnectionsForNodeIDs returns connections attached to the given nodes only.
	ConnectionsForNodeIDs(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, nodeIDs []api.NodeID) ([]api.Connection, error)
	// ConnectionsForRevisions returns every connection of the given revisions.
	ConnectionsForRevisions(ctx context.Context, keys []api.ModelRevisionKey) ([]api.Connection, error)
	// Inspect returns the views each instance is exposed through.
	Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error)
}

// invariant panics when a provider broke a contract the algorithm relies on.
// These are programming errors, not retryable conditions.
func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("resolve: invariant violated: "+format, args...))
	}
}
