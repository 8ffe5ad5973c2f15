package resolve

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/future"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Stats summarises every revision the orchestrator has seen.
type Stats struct {
	Revisions []RevisionStats `json:"revisions"`
	Completed int             `json:"completed"`
}

// Orchestrator fronts one RevisionCache per model revision and bulk-loads
// revisions on request. Caches live for the lifetime of the orchestrator.
type Orchestrator struct {
	ancestors AncestorProvider
	conns     ConnectionProvider
	opts      Options
	log       *slog.Logger

	mu        sync.Mutex
	revisions map[api.ModelRevisionKey]*RevisionCache
}

// NewOrchestrator creates an orchestrator over the given providers.
func NewOrchestrator(ancestors AncestorProvider, conns ConnectionProvider, opts ...Option) *Orchestrator {
	o := buildOptions(opts)
	return &Orchestrator{
		ancestors: ancestors,
		conns:     conns,
		opts:      o,
		log:       o.Logger,
		revisions: make(map[api.ModelRevisionKey]*RevisionCache),
	}
}

// Revision returns the cache for key, creating it on first use.
func (o *Orchestrator) Revision(key api.ModelRevisionKey) *RevisionCache {
	o.mu.Lock()
	defer o.mu.Unlock()
	rc, ok := o.revisions[key]
	if !ok {
		rc = newRevisionCache(key, o.ancestors, o.conns, o.opts)
		o.revisions[key] = rc
	}
	return rc
}

// ClosestParentMapping resolves treeIndex in one revision.
func (o *Orchestrator) ClosestParentMapping(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndex api.TreeIndex) (*Mapping, error) {
	return o.Revision(api.ModelRevisionKey{ModelID: modelID, RevisionID: revisionID}).ClosestMapping(ctx, treeIndex)
}

// AllMappingEdges returns every connection attached directly to a node, per
// revision. Revisions not yet complete are bulk-loaded first with a single
// batched query. With fetchViews, edges are enriched with views; enrichment
// failures are logged and the edges returned without views.
func (o *Orchestrator) AllMappingEdges(ctx context.Context, keys []api.ModelRevisionKey, fetchViews bool) (map[api.ModelRevisionKey][]api.ConnectionWithNode, error) {
	keys = api.UniqueKeys(keys)
	out := make(map[api.ModelRevisionKey][]api.ConnectionWithNode, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := o.ensureLoaded(ctx, keys); err != nil {
		return nil, err
	}

	if fetchViews {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.InspectConcurrency)
		for _, k := range keys {
			rc := o.Revision(k)
			g.Go(func() error {
				if err := rc.EnrichAll(gctx); err != nil {
					o.log.Warn("edge enrichment failed", "model_revision", k.String(), "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, k := range keys {
		out[k] = o.Revision(k).Edges()
	}
	return out, nil
}

// Mappings returns, for each revision in input order, the nodes each of the
// requested instances is attached to. An empty instance list returns an empty
// result without any network call.
func (o *Orchestrator) Mappings(ctx context.Context, instances []api.GraphInstanceRef, keys []api.ModelRevisionKey) ([]api.ModelMapping, error) {
	if len(instances) == 0 {
		return []api.ModelMapping{}, nil
	}
	keys = api.UniqueKeys(keys)
	if err := o.ensureLoaded(ctx, keys); err != nil {
		return nil, err
	}

	want := make(map[api.GraphInstanceRef]struct{}, len(instances))
	for _, ref := range instances {
		want[ref] = struct{}{}
	}

	out := make([]api.ModelMapping, 0, len(keys))
	for _, k := range keys {
		mm := api.ModelMapping{
			ModelID:    k.ModelID,
			RevisionID: k.RevisionID,
			Mappings:   make(map[api.GraphInstanceRef][]api.Node),
		}
		for _, c := range o.Revision(k).Edges() {
			if _, ok := want[c.Connection.Instance]; ok {
				mm.Mappings[c.Connection.Instance] = append(mm.Mappings[c.Connection.Instance], c.Node)
			}
		}
		out = append(out, mm)
	}
	return out, nil
}

// ensureLoaded bulk-loads every key not yet complete. Keys this call starts
// are fetched in one ConnectionsForRevisions call; keys another caller is
// already loading are awaited.
func (o *Orchestrator) ensureLoaded(ctx context.Context, keys []api.ModelRevisionKey) error {
	var (
		started []*RevisionCache
		futs    []*future.Future[struct{}]
		waits   []*future.Future[struct{}]
	)
	for _, k := range keys {
		rc := o.Revision(k)
		f, isNew := rc.beginBulk()
		switch {
		case f == nil:
		case isNew:
			started = append(started, rc)
			futs = append(futs, f)
		default:
			waits = append(waits, f)
		}
	}

	if len(started) > 0 {
		o.log.Debug("bulk loading revisions", "started", len(started), "joined", len(waits))
		go o.bulkLoad(context.WithoutCancel(ctx), started, futs)
		waits = append(waits, futs...)
	}

	for _, f := range waits {
		if _, err := f.Await(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) bulkLoad(ctx context.Context, caches []*RevisionCache, futs []*future.Future[struct{}]) {
	ctx, span := tracer.Start(ctx, "resolve.Orchestrator.bulkLoad", trace.WithAttributes(
		attribute.Int("cadlink.revisions", len(caches)),
	))
	defer span.End()

	err := o.load(ctx, caches)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk load failed")
		bulkLoads.WithLabelValues(resultError).Inc()
		o.log.Warn("bulk load failed", "revisions", len(caches), "error", err)
	} else {
		bulkLoads.WithLabelValues(resultOK).Inc()
	}
	for i, rc := range caches {
		rc.finishBulk(futs[i], err)
	}
}

func (o *Orchestrator) load(ctx context.Context, caches []*RevisionCache) error {
	keys := make([]api.ModelRevisionKey, len(caches))
	grouped := make(map[api.ModelRevisionKey]map[api.TreeIndex][]api.Connection, len(caches))
	for i, rc := range caches {
		keys[i] = rc.key
		grouped[rc.key] = make(map[api.TreeIndex][]api.Connection)
	}

	providerCalls.WithLabelValues(opConnsForRevs).Inc()
	conns, err := o.conns.ConnectionsForRevisions(ctx, keys)
	if err != nil {
		return fmt.Errorf("connections for %d revisions: %w", len(keys), err)
	}
	for _, c := range conns {
		byTI, ok := grouped[c.Key()]
		invariant(ok, "connection %s belongs to %s, which was not requested", c.Instance, c.Key())
		byTI[c.TreeIndex] = append(byTI[c.TreeIndex], c)
	}

	nodes := make([]map[api.TreeIndex]api.Node, len(caches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.InspectConcurrency)
	for i, rc := range caches {
		byTI := grouped[rc.key]
		if len(byTI) == 0 {
			continue
		}
		treeIndices := make([]api.TreeIndex, 0, len(byTI))
		for ti := range byTI {
			treeIndices = append(treeIndices, ti)
		}
		slices.Sort(treeIndices)

		g.Go(func() error {
			found := make(map[api.TreeIndex]api.Node, len(treeIndices))
			for _, batch := range chunks(treeIndices, o.opts.NodeBatchSize) {
				providerCalls.WithLabelValues(opNodes).Inc()
				ns, err := o.ancestors.NodesByTreeIndex(gctx, rc.key.ModelID, rc.key.RevisionID, batch)
				if err != nil {
					return fmt.Errorf("nodes of %s: %w", rc.key, err)
				}
				for _, n := range ns {
					found[n.TreeIndex] = n
				}
			}
			nodes[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, rc := range caches {
		for ti, cs := range grouped[rc.key] {
			n, ok := nodes[i][ti]
			invariant(ok, "no node for connected tree index %d in %s", ti, rc.key)
			rc.Insert(ti, withNode(cs, n))
		}
		o.log.Debug("revision loaded", "model_revision", rc.key.String(), "mapped_nodes", len(grouped[rc.key]))
	}
	return nil
}

// Stats reports per-revision cache statistics ordered by key.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	caches := make([]*RevisionCache, 0, len(o.revisions))
	for _, rc := range o.revisions {
		caches = append(caches, rc)
	}
	o.mu.Unlock()

	slices.SortFunc(caches, func(a, b *RevisionCache) int {
		return cmp.Or(
			cmp.Compare(a.key.ModelID, b.key.ModelID),
			cmp.Compare(a.key.RevisionID, b.key.RevisionID),
		)
	})

	var s Stats
	for _, rc := range caches {
		rs := rc.Stats()
		if rs.Complete {
			s.Completed++
		}
		s.Revisions = append(s.Revisions, rs)
	}
	return s
}
