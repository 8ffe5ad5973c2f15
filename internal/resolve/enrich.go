package resolve

import (
	"context"
	"fmt"

	"github.com/agentic-research/cadlink/api"
	"golang.org/x/sync/errgroup"
)

// enrich returns a copy of conns with views filled for every connection that
// lacks one. Connections whose instance has no view stay without.
func enrich(ctx context.Context, p ConnectionProvider, o Options, conns []api.ConnectionWithNode) ([]api.ConnectionWithNode, error) {
	views, err := inspectViews(ctx, p, o, missingViewRefs(conns))
	if err != nil {
		return nil, err
	}
	return applyViews(conns, views), nil
}

// inspectViews fetches the first view of each instance, in batches of
// o.InspectBatchSize with at most o.InspectConcurrency calls in flight.
func inspectViews(ctx context.Context, p ConnectionProvider, o Options, refs []api.GraphInstanceRef) (map[api.GraphInstanceRef]*api.ViewRef, error) {
	views := make(map[api.GraphInstanceRef]*api.ViewRef, len(refs))
	if len(refs) == 0 {
		return views, nil
	}

	batches := chunks(refs, o.InspectBatchSize)
	results := make([][]api.InspectResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.InspectConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			providerCalls.WithLabelValues(opInspect).Inc()
			res, err := p.Inspect(gctx, batch)
			if err != nil {
				return fmt.Errorf("inspect %d instances: %w", len(batch), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, batch := range results {
		for _, r := range batch {
			if len(r.Views) == 0 {
				continue
			}
			if _, ok := views[r.Instance]; ok {
				continue
			}
			v := r.Views[0]
			views[r.Instance] = &v
		}
	}
	return views, nil
}

// missingViewRefs returns the distinct instances of connections without a view.
func missingViewRefs(conns []api.ConnectionWithNode) []api.GraphInstanceRef {
	seen := make(map[api.GraphInstanceRef]struct{})
	var refs []api.GraphInstanceRef
	for _, c := range conns {
		if c.View != nil {
			continue
		}
		if _, ok := seen[c.Connection.Instance]; ok {
			continue
		}
		seen[c.Connection.Instance] = struct{}{}
		refs = append(refs, c.Connection.Instance)
	}
	return refs
}

// applyViews builds a new list; the input is shared with readers and is
// never modified.
func applyViews(conns []api.ConnectionWithNode, views map[api.GraphInstanceRef]*api.ViewRef) []api.ConnectionWithNode {
	out := make([]api.ConnectionWithNode, len(conns))
	for i, c := range conns {
		if c.View == nil {
			if v, ok := views[c.Connection.Instance]; ok {
				c = c.WithView(v)
			}
		}
		out[i] = c
	}
	return out
}

// mergeViews copies views from existing onto incoming connections with the
// same identity.
func mergeViews(incoming, existing []api.ConnectionWithNode) []api.ConnectionWithNode {
	known := make(map[api.ConnectionIdentity]*api.ViewRef, len(existing))
	for _, c := range existing {
		if c.View != nil {
			known[c.Identity()] = c.View
		}
	}
	out := make([]api.ConnectionWithNode, len(incoming))
	for i, c := range incoming {
		if c.View == nil {
			if v, ok := known[c.Identity()]; ok {
				c = c.WithView(v)
			}
		}
		out[i] = c
	}
	return out
}

// dedupe drops repeated identities, keeping the first.
func dedupe(conns []api.ConnectionWithNode) []api.ConnectionWithNode {
	seen := make(map[api.ConnectionIdentity]struct{}, len(conns))
	out := make([]api.ConnectionWithNode, 0, len(conns))
	for _, c := range conns {
		id := c.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, c)
	}
	return out
}
