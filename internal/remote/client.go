// Package remote talks to the hierarchy and graph-query services over HTTP.
//
// Client implements every collaborator the resolver needs: ancestor and node
// lookup, the paginated instance query, and instance inspection. Requests are
// rate limited client side; retry policy is left to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/query"
	"github.com/google/uuid"
	"github.com/ohler55/ojg/oj"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	ancestorPage    = 1000
)

// Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for the services rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// prepareRequest creates a request carrying auth and a fresh request id,
// after waiting for the rate limiter.
func (c *Client) prepareRequest(ctx context.Context, method, reqURL string, body io.Reader) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	return req, nil
}

// do executes a request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // safe to ignore

	c.log.Debug("remote request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get(requestIDHeader),
		"duration", time.Since(start))

	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// doJSON executes a request and decodes its JSON response into result.
func (c *Client) doJSON(req *http.Request, result any) error {
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) newPost(ctx context.Context, path string, reqBody any) (*http.Request, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.prepareRequest(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, result any) error {
	req, err := c.newPost(ctx, path, reqBody)
	if err != nil {
		return err
	}
	return c.doJSON(req, result)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, result any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := c.prepareRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, result)
}

func revisionPath(modelID api.ModelID, revisionID api.RevisionID) string {
	return fmt.Sprintf("/models/%d/revisions/%d", modelID, revisionID)
}

type nodeList struct {
	Items      []api.Node `json:"items"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Ancestors returns the chain from the root down to treeIndex. An unknown
// node yields an empty chain.
func (c *Client) Ancestors(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndex api.TreeIndex) ([]api.Node, error) {
	path := fmt.Sprintf("%s/nodes/%d/ancestors", revisionPath(modelID, revisionID), treeIndex)
	params := url.Values{"limit": {strconv.Itoa(ancestorPage)}}

	var chain []api.Node
	for {
		var page nodeList
		if err := c.getJSON(ctx, path, params, &page); err != nil {
			if IsNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("ancestors of tree index %d: %w", treeIndex, err)
		}
		chain = append(chain, page.Items...)
		if page.NextCursor == "" {
			return chain, nil
		}
		params.Set("cursor", page.NextCursor)
	}
}

// NodesByTreeIndex returns the known nodes among treeIndices.
func (c *Client) NodesByTreeIndex(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndices []api.TreeIndex) ([]api.Node, error) {
	if len(treeIndices) == 0 {
		return nil, nil
	}
	body := map[string]any{"items": treeIndices}
	var out nodeList
	if err := c.postJSON(ctx, revisionPath(modelID, revisionID)+"/nodes/bytreeindices", body, &out); err != nil {
		return nil, fmt.Errorf("nodes by tree index: %w", err)
	}
	return out.Items, nil
}

// Query implements query.Executor. Items are parsed with integer-preserving
// number handling so large node ids survive the round trip.
func (c *Client) Query(ctx context.Context, qr query.Request) (*query.Response, error) {
	req, err := c.newPost(ctx, "/instances/query", qr)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return parseQueryResponse(body)
}

func parseQueryResponse(body []byte) (*query.Response, error) {
	parsed, err := oj.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	root, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query response is not an object")
	}

	resp := &query.Response{Items: map[string][]query.Item{}, NextCursor: map[string]string{}}
	items, _ := root["items"].(map[string]any)
	for name, raw := range items {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("query response: items.%s is not a list", name)
		}
		out := make([]query.Item, 0, len(list))
		for i, it := range list {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("query response: items.%s[%d] is not an object", name, i)
			}
			out = append(out, m)
		}
		resp.Items[name] = out
	}
	cursors, _ := root["nextCursor"].(map[string]any)
	for name, raw := range cursors {
		if s, ok := raw.(string); ok && s != "" {
			resp.NextCursor[name] = s
		}
	}
	return resp, nil
}

type inspectRequest struct {
	Items      []inspectItem       `json:"items"`
	Operations map[string]struct{} `json:"inspectionOperations"`
}

type inspectItem struct {
	InstanceType string `json:"instanceType"`
	Space        string `json:"space"`
	ExternalID   string `json:"externalId"`
}

type inspectResponse struct {
	Items []struct {
		Space      string `json:"space"`
		ExternalID string `json:"externalId"`
		Results    struct {
			InvolvedViews []api.ViewRef `json:"involvedViews"`
		} `json:"inspectionResults"`
	} `json:"items"`
}

// Inspect implements dms.Inspector.
func (c *Client) Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	body := inspectRequest{
		Items:      make([]inspectItem, len(refs)),
		Operations: map[string]struct{}{"involvedViews": {}},
	}
	for i, r := range refs {
		body.Items[i] = inspectItem{InstanceType: "node", Space: r.Space, ExternalID: r.ExternalID}
	}

	var resp inspectResponse
	if err := c.postJSON(ctx, "/instances/inspect", body, &resp); err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	out := make([]api.InspectResult, len(resp.Items))
	for i, it := range resp.Items {
		out[i] = api.InspectResult{
			Instance: api.GraphInstanceRef{Space: it.Space, ExternalID: it.ExternalID},
			Views:    it.Results.InvolvedViews,
		}
	}
	return out, nil
}
