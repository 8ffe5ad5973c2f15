package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/dms"
	"github.com/agentic-research/cadlink/internal/query"
	"github.com/agentic-research/cadlink/internal/resolve"
	"github.com/agentic-research/cadlink/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	plant = api.ModelRevisionKey{ModelID: 1, RevisionID: 10}
	pump  = api.GraphInstanceRef{Space: "assets", ExternalID: "pump-1"}
)

// service serves a MemoryStore over the HTTP API the client speaks.
type service struct {
	store *store.MemoryStore

	mu         sync.Mutex
	requestIDs []string
	auth       []string
	paths      []string
}

func newService(t *testing.T) (*service, *httptest.Server) {
	t.Helper()
	fx, err := store.LoadFixture("../store/testdata/plant.json")
	require.NoError(t, err)
	s := &service{store: store.NewMemoryStore()}
	require.NoError(t, fx.Populate(s.store))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /models/{m}/revisions/{r}/nodes/{ti}/ancestors", s.ancestors)
	mux.HandleFunc("POST /models/{m}/revisions/{r}/nodes/bytreeindices", s.byTreeIndex)
	mux.HandleFunc("POST /instances/query", s.query)
	mux.HandleFunc("POST /instances/inspect", s.inspect)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requestIDs = append(s.requestIDs, r.Header.Get(requestIDHeader))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}

func revisionOf(r *http.Request) (api.ModelID, api.RevisionID, bool) {
	m, err1 := strconv.ParseInt(r.PathValue("m"), 10, 64)
	rev, err2 := strconv.ParseInt(r.PathValue("r"), 10, 64)
	return api.ModelID(m), api.RevisionID(rev), err1 == nil && err2 == nil
}

// ancestors pages the chain two nodes at a time so the client must follow
// the cursor.
func (s *service) ancestors(w http.ResponseWriter, r *http.Request) {
	m, rev, ok := revisionOf(r)
	ti, err := strconv.ParseInt(r.PathValue("ti"), 10, 64)
	if !ok || err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "bad path")
		return
	}
	chain, err := s.store.Ancestors(r.Context(), m, rev, api.TreeIndex(ti))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if len(chain) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no such node")
		return
	}
	items := make([]query.Item, len(chain))
	for i, n := range chain {
		items[i] = query.Item{"n": n}
	}
	page, next, err := query.Paginate(items, r.URL.Query().Get("cursor"), 2)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_cursor", err.Error())
		return
	}
	out := nodeList{NextCursor: next}
	for _, it := range page {
		out.Items = append(out.Items, it["n"].(api.Node))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *service) byTreeIndex(w http.ResponseWriter, r *http.Request) {
	m, rev, _ := revisionOf(r)
	var body struct {
		Items []api.TreeIndex `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	nodes, err := s.store.NodesByTreeIndex(r.Context(), m, rev, body.Items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodeList{Items: nodes})
}

func (s *service) query(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	resp, err := s.store.Query(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *service) inspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	refs := make([]api.GraphInstanceRef, len(req.Items))
	for i, it := range req.Items {
		refs[i] = api.GraphInstanceRef{Space: it.Space, ExternalID: it.ExternalID}
	}
	res, _ := s.store.Inspect(r.Context(), refs)
	items := make([]map[string]any, len(res))
	for i, ir := range res {
		items[i] = map[string]any{
			"space":             ir.Instance.Space,
			"externalId":        ir.Instance.ExternalID,
			"inspectionResults": map[string]any{"involvedViews": ir.Views},
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func TestClient_AncestorsFollowsCursor(t *testing.T) {
	s, srv := newService(t)
	c := NewClient(srv.URL+"/", WithAPIKey("secret"))

	chain, err := c.Ancestors(context.Background(), plant.ModelID, plant.RevisionID, 3)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, api.TreeIndex(0), chain[0].TreeIndex)
	assert.Equal(t, api.TreeIndex(3), chain[3].TreeIndex)
	assert.Equal(t, 7, chain[0].SubtreeSize)

	require.Len(t, s.paths, 2)
	for _, a := range s.auth {
		assert.Equal(t, "Bearer secret", a)
	}
	for _, id := range s.requestIDs {
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	}
	assert.NotEqual(t, s.requestIDs[0], s.requestIDs[1])
}

func TestClient_AncestorsOfUnknownNodeIsEmpty(t *testing.T) {
	_, srv := newService(t)
	c := NewClient(srv.URL)

	chain, err := c.Ancestors(context.Background(), plant.ModelID, plant.RevisionID, 99)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestClient_NodesByTreeIndex(t *testing.T) {
	s, srv := newService(t)
	c := NewClient(srv.URL)

	nodes, err := c.NodesByTreeIndex(context.Background(), plant.ModelID, plant.RevisionID, []api.TreeIndex{2, 6})
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	nodes, err = c.NodesByTreeIndex(context.Background(), plant.ModelID, plant.RevisionID, nil)
	require.NoError(t, err)
	assert.Nil(t, nodes)
	assert.Len(t, s.paths, 1)
}

func TestClient_QueryPreservesIntegers(t *testing.T) {
	_, srv := newService(t)
	c := NewClient(srv.URL)

	req := query.Request{With: map[string]query.ResultSetExpression{
		"c": {Source: query.SourceEdges, Filter: dms.EdgeLayout.RevisionsFilter([]api.ModelRevisionKey{plant}), Limit: 2},
	}}
	resp, err := c.Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Items["c"], 2)
	require.NotEmpty(t, resp.NextCursor["c"])

	v, ok := query.Lookup(resp.Items["c"][0], []string{"properties", "modelId"})
	require.True(t, ok)
	assert.IsType(t, int64(0), v)

	all, err := query.AllPages(context.Background(), c, req)
	require.NoError(t, err)
	assert.Len(t, all.Items["c"], 3)
}

func TestClient_ErrorResponses(t *testing.T) {
	_, srv := newService(t)
	c := NewClient(srv.URL)

	_, err := c.Query(context.Background(), query.Request{With: map[string]query.ResultSetExpression{
		"c": {Source: query.SourceNodes},
	}})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad_query", apiErr.Code)
	assert.Contains(t, apiErr.Message, "unsupported source")
	assert.NotEmpty(t, apiErr.RequestID)
	assert.False(t, IsNotFound(err))
}

func TestParseErrorResponse_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	err := c.getJSON(context.Background(), "/boom", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded\n", apiErr.Message)
	assert.Equal(t, "[502] upstream exploded\n", apiErr.Error())

	err = c.getJSON(context.Background(), "/empty", nil, nil)
	assert.True(t, IsRateLimited(err))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Too Many Requests", apiErr.Message)
}

func TestClient_Inspect(t *testing.T) {
	_, srv := newService(t)
	c := NewClient(srv.URL)

	motor := api.GraphInstanceRef{Space: "assets", ExternalID: "motor-1"}
	res, err := c.Inspect(context.Background(), []api.GraphInstanceRef{motor})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, motor, res[0].Instance)
	require.Len(t, res[0].Views, 2)
	assert.Equal(t, "Motor", res[0].Views[0].ExternalID)
}

func TestClient_RateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, nodeList{})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, WithRateLimit(1, 1))

	ctx := context.Background()
	require.NoError(t, c.getJSON(ctx, "/x", nil, nil))

	// The single token is spent; the next call must wait about a second.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := c.getJSON(short, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_ResolvesOverHTTP(t *testing.T) {
	_, srv := newService(t)
	c := NewClient(srv.URL)
	p, err := dms.NewProvider(c, c, dms.EdgeLayout, dms.WithPageLimit(1))
	require.NoError(t, err)
	o := resolve.NewOrchestrator(c, p)

	ctx := context.Background()
	m, err := o.ClosestParentMapping(ctx, plant.ModelID, plant.RevisionID, 3)
	require.NoError(t, err)
	require.Len(t, m.Connections, 2)

	edges, err := o.AllMappingEdges(ctx, []api.ModelRevisionKey{plant}, true)
	require.NoError(t, err)
	require.Len(t, edges[plant], 3)
	for _, e := range edges[plant] {
		assert.NotNil(t, e.View)
	}

	mappings, err := o.Mappings(ctx, []api.GraphInstanceRef{pump}, []api.ModelRevisionKey{plant})
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Len(t, mappings[0].Mappings[pump], 1)
	assert.Equal(t, api.TreeIndex(2), mappings[0].Mappings[pump][0].TreeIndex)
}
