// Package mcpserver exposes the resolution cache to MCP clients as tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/logging"
	"github.com/agentic-research/cadlink/internal/resolve"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Server holds one orchestrator for the lifetime of the MCP session, so
// answers are cached across tool calls.
type Server struct {
	orch *resolve.Orchestrator
	log  *slog.Logger
	mcp  *server.MCPServer
}

// New creates the MCP server and registers every tool.
func New(orch *resolve.Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{orch: orch, log: log.With(logging.Scope("mcp"))}
	s.mcp = server.NewMCPServer(
		"cadlink",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Resolve CAD scene nodes to the knowledge-graph instances they represent. "+
			"Revisions are written \"<modelId>/<revisionId>\", instances \"<space>/<externalId>\"."),
	)

	s.mcp.AddTool(closestMappingTool(), s.handleClosestMapping)
	s.mcp.AddTool(mappingEdgesTool(), s.handleMappingEdges)
	s.mcp.AddTool(instanceMappingsTool(), s.handleInstanceMappings)
	s.mcp.AddTool(cacheStatsTool(), s.handleCacheStats)
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves the MCP protocol on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func closestMappingTool() mcp.Tool {
	return mcp.NewTool("closest_mapping",
		mcp.WithDescription("Instances connected to a scene node, or to its closest mapped ancestor."),
		mcp.WithNumber("model_id", mcp.Required(), mcp.Description("CAD model id")),
		mcp.WithNumber("revision_id", mcp.Required(), mcp.Description("CAD model revision id")),
		mcp.WithNumber("tree_index", mcp.Required(), mcp.Description("Tree index of the scene node")),
		mcp.WithBoolean("views", mcp.Description("Attach the first view each instance is exposed through")),
	)
}

func mappingEdgesTool() mcp.Tool {
	return mcp.NewTool("mapping_edges",
		mcp.WithDescription("Every instance-to-node connection of the given revisions."),
		mcp.WithArray("revisions", mcp.Required(), mcp.Description("Revisions as \"<modelId>/<revisionId>\""),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithBoolean("views", mcp.Description("Attach views to every edge")),
		mcp.WithBoolean("indices", mcp.Description("Return only the mapped tree indices")),
	)
}

func instanceMappingsTool() mcp.Tool {
	return mcp.NewTool("instance_mappings",
		mcp.WithDescription("Scene nodes each instance is connected to, per revision."),
		mcp.WithArray("instances", mcp.Required(), mcp.Description("Instances as \"<space>/<externalId>\""),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("revisions", mcp.Required(), mcp.Description("Revisions as \"<modelId>/<revisionId>\""),
			mcp.Items(map[string]any{"type": "string"})),
	)
}

func cacheStatsTool() mcp.Tool {
	return mcp.NewTool("cache_stats",
		mcp.WithDescription("Per-revision cache sizes and which revisions are fully loaded."),
	)
}

// ClosestMappingResult is the closest_mapping payload.
type ClosestMappingResult struct {
	ModelID     api.ModelID              `json:"modelId"`
	RevisionID  api.RevisionID           `json:"revisionId"`
	TreeIndex   api.TreeIndex            `json:"treeIndex"`
	Connections []api.ConnectionWithNode `json:"connections"`
	ViewError   string                   `json:"viewError,omitempty"`
}

// RevisionEdges is one revision of the mapping_edges payload. Exactly one of
// Edges and TreeIndices is set.
type RevisionEdges struct {
	ModelID     api.ModelID              `json:"modelId"`
	RevisionID  api.RevisionID           `json:"revisionId"`
	Edges       []api.ConnectionWithNode `json:"edges,omitempty"`
	TreeIndices []uint32                 `json:"treeIndices,omitempty"`
}

func (s *Server) handleClosestMapping(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := req.RequireFloat("model_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	revision, err := req.RequireFloat("revision_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ti, err := req.RequireFloat("tree_index")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := ClosestMapping(ctx, s.orch, api.ModelID(model), api.RevisionID(revision), api.TreeIndex(ti), req.GetBool("views", false))
	if err != nil {
		s.log.Warn("closest_mapping failed", logging.Err(err))
		return mcp.NewToolResultErrorFromErr("closest mapping", err), nil
	}
	return jsonResult(res)
}

// ClosestMapping resolves one node. When views are requested but cannot be
// fetched, the bare connections are returned with ViewError set.
func ClosestMapping(ctx context.Context, o *resolve.Orchestrator, m api.ModelID, r api.RevisionID, ti api.TreeIndex, views bool) (*ClosestMappingResult, error) {
	mapping, err := o.ClosestParentMapping(ctx, m, r, ti)
	if err != nil {
		return nil, err
	}
	res := &ClosestMappingResult{ModelID: m, RevisionID: r, TreeIndex: ti, Connections: mapping.Connections}
	if views {
		enriched, err := mapping.Views.Await(ctx)
		if err != nil {
			res.ViewError = err.Error()
		} else {
			res.Connections = enriched
		}
	}
	if res.Connections == nil {
		res.Connections = []api.ConnectionWithNode{}
	}
	return res, nil
}

func (s *Server) handleMappingEdges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys, err := parseKeys(req.GetStringSlice("revisions", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := MappingEdges(ctx, s.orch, keys, req.GetBool("views", false), req.GetBool("indices", false))
	if err != nil {
		s.log.Warn("mapping_edges failed", logging.Err(err))
		return mcp.NewToolResultErrorFromErr("mapping edges", err), nil
	}
	return jsonResult(res)
}

// MappingEdges loads keys and reports their edges in input order.
func MappingEdges(ctx context.Context, o *resolve.Orchestrator, keys []api.ModelRevisionKey, views, indices bool) ([]RevisionEdges, error) {
	keys = api.UniqueKeys(keys)
	edges, err := o.AllMappingEdges(ctx, keys, views && !indices)
	if err != nil {
		return nil, err
	}
	out := make([]RevisionEdges, len(keys))
	for i, k := range keys {
		out[i] = RevisionEdges{ModelID: k.ModelID, RevisionID: k.RevisionID}
		if indices {
			out[i].TreeIndices = o.Revision(k).MappedTreeIndices().ToArray()
		} else {
			out[i].Edges = edges[k]
		}
	}
	return out, nil
}

func (s *Server) handleInstanceMappings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refs, err := parseRefs(req.GetStringSlice("instances", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	keys, err := parseKeys(req.GetStringSlice("revisions", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.orch.Mappings(ctx, refs, keys)
	if err != nil {
		s.log.Warn("instance_mappings failed", logging.Err(err))
		return mcp.NewToolResultErrorFromErr("instance mappings", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleCacheStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.orch.Stats())
}

func parseKeys(ss []string) ([]api.ModelRevisionKey, error) {
	if len(ss) == 0 {
		return nil, fmt.Errorf("at least one revision is required")
	}
	keys := make([]api.ModelRevisionKey, len(ss))
	for i, s := range ss {
		k, err := api.ParseModelRevisionKey(s)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

func parseRefs(ss []string) ([]api.GraphInstanceRef, error) {
	refs := make([]api.GraphInstanceRef, len(ss))
	for i, s := range ss {
		r, err := api.ParseGraphInstanceRef(s)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}
	return refs, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
