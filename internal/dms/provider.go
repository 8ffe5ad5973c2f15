package dms

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/query"
	"github.com/agentic-research/cadlink/internal/resolve"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultInspectCacheSize bounds the number of instances whose views are kept.
const DefaultInspectCacheSize = 10000

// resultSet names the single result set connection queries use.
const resultSet = "connections"

// Inspector returns the views each instance is exposed through.
type Inspector interface {
	Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error)
}

// Provider is a resolve.ConnectionProvider over a query.Executor.
type Provider struct {
	exec      query.Executor
	inspector Inspector
	layout    Layout
	limit     int
	cacheSize int
	views     *lru.TwoQueueCache[api.GraphInstanceRef, []api.ViewRef]
	log       *slog.Logger
}

var _ resolve.ConnectionProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithPageLimit sets the page size requested per query.
func WithPageLimit(n int) Option {
	return func(p *Provider) { p.limit = n }
}

// WithInspectCacheSize bounds the inspect-result cache.
func WithInspectCacheSize(n int) Option {
	return func(p *Provider) { p.cacheSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// NewProvider reads connections through exec using layout and resolves views
// through inspector.
func NewProvider(exec query.Executor, inspector Inspector, layout Layout, opts ...Option) (*Provider, error) {
	p := &Provider{
		exec:      exec,
		inspector: inspector,
		layout:    layout,
		limit:     query.DefaultLimit,
		cacheSize: DefaultInspectCacheSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	views, err := lru.New2Q[api.GraphInstanceRef, []api.ViewRef](p.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("inspect cache: %w", err)
	}
	p.views = views
	return p, nil
}

// Layout returns the layout items are read with.
func (p *Provider) Layout() Layout { return p.layout }

// ConnectionsForNodeIDs implements resolve.ConnectionProvider.
func (p *Provider) ConnectionsForNodeIDs(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, nodeIDs []api.NodeID) ([]api.Connection, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	return p.query(ctx, p.layout.NodesFilter(modelID, revisionID, nodeIDs))
}

// ConnectionsForRevisions implements resolve.ConnectionProvider.
func (p *Provider) ConnectionsForRevisions(ctx context.Context, keys []api.ModelRevisionKey) ([]api.Connection, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return p.query(ctx, p.layout.RevisionsFilter(keys))
}

func (p *Provider) query(ctx context.Context, f query.Filter) ([]api.Connection, error) {
	req := query.Request{With: map[string]query.ResultSetExpression{
		resultSet: {Source: p.layout.Source, Filter: f, Limit: p.limit},
	}}
	resp, err := query.AllPages(ctx, p.exec, req, query.OnlyCursors(resultSet))
	if err != nil {
		return nil, err
	}

	items := resp.Items[resultSet]
	out := make([]api.Connection, 0, len(items))
	for i, item := range items {
		c, err := p.layout.Decode(item)
		if err != nil {
			return nil, fmt.Errorf("connection item %d: %w", i, err)
		}
		out = append(out, c)
	}
	p.log.Debug("connections fetched", "layout", p.layout.Name, "count", len(out))
	return out, nil
}

// Inspect implements resolve.ConnectionProvider. Results are cached per
// instance; only unseen instances reach the inspector.
func (p *Provider) Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error) {
	out := make([]api.InspectResult, 0, len(refs))
	var missing []api.GraphInstanceRef
	for _, r := range api.UniqueInstances(refs) {
		if views, ok := p.views.Get(r); ok {
			out = append(out, api.InspectResult{Instance: r, Views: views})
			continue
		}
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return out, nil
	}

	results, err := p.inspector.Inspect(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("inspect %d instances: %w", len(missing), err)
	}
	for _, r := range results {
		p.views.Add(r.Instance, r.Views)
		out = append(out, r)
	}
	return out, nil
}
