package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExecutor replays one response per call and records the requests.
type scriptedExecutor struct {
	pages    []*Response
	requests []Request
	failAt   int
}

func (s *scriptedExecutor) Query(_ context.Context, req Request) (*Response, error) {
	s.requests = append(s.requests, req)
	n := len(s.requests)
	if s.failAt == n {
		return nil, errors.New("service unavailable")
	}
	if n > len(s.pages) {
		return nil, errors.New("unexpected extra page")
	}
	return s.pages[n-1], nil
}

func testRequest() Request {
	return Request{With: map[string]ResultSetExpression{
		"X": {Source: SourceEdges, Limit: 1},
		"Y": {Source: SourceNodes},
	}}
}

func TestAllPages_FollowsCursors(t *testing.T) {
	exec := &scriptedExecutor{pages: []*Response{
		{Items: map[string][]Item{"X": {{"id": "a"}}}, NextCursor: map[string]string{"X": "c1"}},
		{Items: map[string][]Item{"X": {{"id": "b"}}}, NextCursor: map[string]string{}},
	}}

	got, err := AllPages(context.Background(), exec, testRequest())
	require.NoError(t, err)

	assert.Equal(t, []Item{{"id": "a"}, {"id": "b"}}, got.Items["X"])
	require.Len(t, exec.requests, 2)
	assert.Empty(t, exec.requests[0].Cursors)
	assert.Equal(t, map[string]string{"X": "c1"}, exec.requests[1].Cursors)
}

func TestAllPages_SinglePageWhenNoCursor(t *testing.T) {
	for name, cursors := range map[string]map[string]string{
		"empty map":    {},
		"absent":       nil,
		"empty string": {"X": ""},
	} {
		t.Run(name, func(t *testing.T) {
			exec := &scriptedExecutor{pages: []*Response{
				{Items: map[string][]Item{"X": {{"id": "a"}}}, NextCursor: cursors},
			}}
			got, err := AllPages(context.Background(), exec, testRequest())
			require.NoError(t, err)
			assert.Len(t, exec.requests, 1)
			assert.Equal(t, []Item{{"id": "a"}}, got.Items["X"])
		})
	}
}

func TestAllPages_OnlyCursorsIgnoresOtherSets(t *testing.T) {
	exec := &scriptedExecutor{pages: []*Response{
		{
			Items: map[string][]Item{
				"X": {{"id": "x1"}},
				"Y": {{"id": "y1"}},
			},
			NextCursor: map[string]string{"X": "cx", "Y": "cy"},
		},
		{
			Items: map[string][]Item{
				"X": {{"id": "x2"}},
				"Y": {{"id": "y2"}},
			},
			NextCursor: map[string]string{"Y": "cy2"},
		},
	}}

	got, err := AllPages(context.Background(), exec, testRequest(), OnlyCursors("X"))
	require.NoError(t, err)

	require.Len(t, exec.requests, 2)
	assert.Equal(t, map[string]string{"X": "cx"}, exec.requests[1].Cursors)
	assert.Equal(t, []Item{{"id": "x1"}, {"id": "x2"}}, got.Items["X"])
	assert.Equal(t, []Item{{"id": "y1"}, {"id": "y2"}}, got.Items["Y"])
}

func TestAllPages_PageFailureAborts(t *testing.T) {
	exec := &scriptedExecutor{
		pages: []*Response{
			{Items: map[string][]Item{"X": {{"id": "a"}}}, NextCursor: map[string]string{"X": "c1"}},
		},
		failAt: 2,
	}

	got, err := AllPages(context.Background(), exec, testRequest())
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "query page 2")
}

func TestAllPages_FirstPageFailure(t *testing.T) {
	exec := &scriptedExecutor{failAt: 1}
	_, err := AllPages(context.Background(), exec, testRequest())
	require.Error(t, err)
	assert.Len(t, exec.requests, 1)
}

func TestWithCursorsDoesNotAlias(t *testing.T) {
	req := testRequest()
	cursors := map[string]string{"X": "c"}
	next := req.WithCursors(cursors)
	cursors["X"] = "changed"
	assert.Equal(t, "c", next.Cursors["X"])
	assert.Nil(t, req.Cursors)
}
