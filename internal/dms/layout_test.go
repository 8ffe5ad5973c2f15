package dms

import (
	"testing"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/query"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutByName(t *testing.T) {
	l, err := LayoutByName("core")
	require.NoError(t, err)
	assert.Equal(t, query.SourceNodes, l.Source)

	_, err = LayoutByName("v1")
	require.Error(t, err)
}

func TestEdgeLayout_DecodeParsedJSON(t *testing.T) {
	raw := `{
		"instanceType": "edge",
		"type": {"space": "scene", "externalId": "mapsTo"},
		"startNode": {"space": "assets", "externalId": "pump-7"},
		"properties": {"modelId": 4, "revisionId": 9, "treeIndex": 120, "nodeId": 88123}
	}`
	v, err := oj.ParseString(raw)
	require.NoError(t, err)

	c, err := EdgeLayout.Decode(v.(map[string]any))
	require.NoError(t, err)
	assert.Equal(t, api.Connection{
		Instance:   api.GraphInstanceRef{Space: "assets", ExternalID: "pump-7"},
		ModelID:    4,
		RevisionID: 9,
		TreeIndex:  120,
	}, c)
}

func TestCoreLayout_EncodeShape(t *testing.T) {
	item := CoreLayout.Encode(conn("pump", 1, 2, 3), 44)
	assert.Equal(t, "pump", item["externalId"])
	got, ok := query.Lookup(item, CoreLayout.Path(FieldNode))
	require.True(t, ok)
	assert.Equal(t, int64(44), got)
	assert.NotContains(t, item, "type")
}

func TestWithType_IgnoredByUntypedLayout(t *testing.T) {
	l := CoreLayout.WithType(api.GraphInstanceRef{Space: "x", ExternalID: "y"})
	assert.Equal(t, api.GraphInstanceRef{}, l.Type)
}

func TestNodesFilterMatchesEncodedItem(t *testing.T) {
	item := EdgeLayout.Encode(conn("pump", 1, 2, 3), 44)

	ok, err := query.Match(EdgeLayout.NodesFilter(1, 2, []api.NodeID{43, 44}), item)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = query.Match(EdgeLayout.RevisionsFilter([]api.ModelRevisionKey{{ModelID: 1, RevisionID: 3}}), item)
	require.NoError(t, err)
	assert.False(t, ok)
}
