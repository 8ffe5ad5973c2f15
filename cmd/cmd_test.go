package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/agentic-research/cadlink/internal/config"
	"github.com/agentic-research/cadlink/internal/mcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = "../internal/store/testdata/plant.json"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func buildDB(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "plant.db")
	out, err := run(t, "build", fixture, db)
	require.NoError(t, err)
	assert.Contains(t, out, "2 revisions, 9 nodes, 4 connections")
	return db
}

func TestResolveCmd_SQLite(t *testing.T) {
	db := buildDB(t)
	out, err := run(t, "--backend", "sqlite", "--db", db, "resolve", "1", "10", "3", "--views")
	require.NoError(t, err)

	var res mcpserver.ClosestMappingResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Connections, 2)
	for _, c := range res.Connections {
		assert.EqualValues(t, 2, c.Node.TreeIndex)
		assert.NotNil(t, c.View)
	}
}

func TestResolveCmd_BadArgs(t *testing.T) {
	_, err := run(t, "--backend", "memory", "--fixture", fixture, "resolve", "1", "ten", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument 2")

	_, err = run(t, "--backend", "memory", "--fixture", fixture, "resolve", "1", "10")
	require.Error(t, err)
}

func TestEdgesCmd_Memory(t *testing.T) {
	out, err := run(t, "--backend", "memory", "--fixture", fixture, "edges", "1/10", "2/20")
	require.NoError(t, err)
	var res []mcpserver.RevisionEdges
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 2)
	assert.Len(t, res[0].Edges, 3)
	assert.Len(t, res[1].Edges, 1)

	out, err = run(t, "--backend", "memory", "--fixture", fixture, "edges", "--indices", "1/10")
	require.NoError(t, err)
	res = nil
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []uint32{1, 2}, res[0].TreeIndices)
}

func TestMappingsCmd(t *testing.T) {
	db := buildDB(t)
	out, err := run(t, "--backend", "sqlite", "--db", db, "mappings",
		"--instance", "assets/pump-1", "--instance", "assets/line-a", "1/10")
	require.NoError(t, err)

	var res []struct {
		Mappings map[string][]struct {
			TreeIndex int `json:"treeIndex"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 1)
	assert.Equal(t, 2, res[0].Mappings["assets/pump-1"][0].TreeIndex)
	assert.Equal(t, 1, res[0].Mappings["assets/line-a"][0].TreeIndex)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	_, err := run(t, "--backend", "postgres", "edges", "1/10")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = run(t, "--backend", "memory", "--fixture", fixture, "edges", "not-a-key")
	require.Error(t, err)
}
