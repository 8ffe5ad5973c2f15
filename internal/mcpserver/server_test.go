package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentic-research/cadlink/internal/dms"
	"github.com/agentic-research/cadlink/internal/resolve"
	"github.com/agentic-research/cadlink/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fx, err := store.LoadFixture("../store/testdata/plant.json")
	require.NoError(t, err)
	mem := store.NewMemoryStore()
	require.NoError(t, fx.Populate(mem))
	p, err := dms.NewProvider(mem, mem, dms.EdgeLayout)
	require.NoError(t, err)
	return New(resolve.NewOrchestrator(mem, p), nil)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestClosestMappingTool(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleClosestMapping(context.Background(), call(map[string]any{
		"model_id": 1.0, "revision_id": 10.0, "tree_index": 3.0, "views": true,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var got ClosestMappingResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	require.Len(t, got.Connections, 2)
	for _, c := range got.Connections {
		assert.Equal(t, 2, int(c.Node.TreeIndex))
		require.NotNil(t, c.View)
	}
	assert.Empty(t, got.ViewError)
}

func TestClosestMappingTool_UnmappedNodeIsEmptyList(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleClosestMapping(context.Background(), call(map[string]any{
		"model_id": 1.0, "revision_id": 10.0, "tree_index": 6.0,
	}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"connections": []`)
}

func TestClosestMappingTool_Errors(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleClosestMapping(context.Background(), call(map[string]any{"model_id": 1.0}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleClosestMapping(context.Background(), call(map[string]any{
		"model_id": 1.0, "revision_id": 10.0, "tree_index": 99.0,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")
}

func TestMappingEdgesTool(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleMappingEdges(context.Background(), call(map[string]any{
		"revisions": []any{"1/10", "2/20", "1/10"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var got []RevisionEdges
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	require.Len(t, got, 2)
	assert.Len(t, got[0].Edges, 3)
	assert.Len(t, got[1].Edges, 1)
	assert.Nil(t, got[0].Edges[0].View)

	res, err = s.handleMappingEdges(context.Background(), call(map[string]any{
		"revisions": []any{"1/10"}, "indices": true,
	}))
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	require.Len(t, got, 1)
	assert.Equal(t, []uint32{1, 2}, got[0].TreeIndices)
	assert.Empty(t, got[0].Edges)
}

func TestMappingEdgesTool_BadRevision(t *testing.T) {
	s := newTestServer(t)
	for _, args := range []map[string]any{
		{"revisions": []any{"nope"}},
		{},
	} {
		res, err := s.handleMappingEdges(context.Background(), call(args))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	}
}

func TestInstanceMappingsTool(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleInstanceMappings(context.Background(), call(map[string]any{
		"instances": []any{"assets/pump-1"},
		"revisions": []any{"2/20", "1/10"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var got []struct {
		ModelID  int                         `json:"modelId"`
		Mappings map[string][]map[string]any `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].ModelID)
	require.Len(t, got[0].Mappings["assets/pump-1"], 1)
	assert.EqualValues(t, 1, got[0].Mappings["assets/pump-1"][0]["treeIndex"])
	assert.EqualValues(t, 2, got[1].Mappings["assets/pump-1"][0]["treeIndex"])
}

func TestCacheStatsTool(t *testing.T) {
	s := newTestServer(t)
	_, err := s.handleMappingEdges(context.Background(), call(map[string]any{"revisions": []any{"1/10"}}))
	require.NoError(t, err)

	res, err := s.handleCacheStats(context.Background(), call(nil))
	require.NoError(t, err)
	var got resolve.Stats
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, 1, got.Completed)
	require.Len(t, got.Revisions, 1)
	assert.True(t, got.Revisions[0].Complete)
}
