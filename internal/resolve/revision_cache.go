package resolve

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/future"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Mapping is the answer for one tree index.
type Mapping struct {
	// Connections is what the node inherits: its own mapping, else its
	// nearest mapped ancestor's. Empty when nothing in the chain is mapped.
	Connections []api.ConnectionWithNode
	// Views settles with Connections enriched with their views. It is already
	// settled when there is nothing left to enrich.
	Views *future.Future[[]api.ConnectionWithNode]
}

// entry is one cache slot. Every tree index in a resolved ancestor range
// points at the same entry, so enrichment started from any of them is shared.
type entry struct {
	conns *future.Future[[]api.ConnectionWithNode]
	views *future.Future[[]api.ConnectionWithNode] // guarded by RevisionCache.mu
}

func newEntry() *entry {
	return &entry{conns: future.New[[]api.ConnectionWithNode]()}
}

// RevisionStats summarises one RevisionCache.
type RevisionStats struct {
	Key      api.ModelRevisionKey `json:"key"`
	Entries  int                  `json:"entries"`
	Mapped   int                  `json:"mapped"`
	Pending  int                  `json:"pending"`
	Complete bool                 `json:"complete"`
}

// RevisionCache owns the tree index -> connections map of one model revision.
//
// An absent key means "not resolved yet"; an empty list means "resolved, no
// mapping anywhere in the ancestor chain". Entries are only ever added or
// overwritten by bulk inserts carrying the same answer.
type RevisionCache struct {
	key       api.ModelRevisionKey
	ancestors AncestorProvider
	conns     ConnectionProvider
	opts      Options
	log       *slog.Logger

	mu       sync.Mutex
	entries  map[api.TreeIndex]*entry
	bulk     *future.Future[struct{}] // pending or last successful bulk load
	complete bool                     // bulk load populated every own mapping
}

// NewRevisionCache creates an empty cache for one model revision.
func NewRevisionCache(key api.ModelRevisionKey, ancestors AncestorProvider, conns ConnectionProvider, opts ...Option) *RevisionCache {
	return newRevisionCache(key, ancestors, conns, buildOptions(opts))
}

func newRevisionCache(key api.ModelRevisionKey, ancestors AncestorProvider, conns ConnectionProvider, o Options) *RevisionCache {
	return &RevisionCache{
		key:       key,
		ancestors: ancestors,
		conns:     conns,
		opts:      o,
		log:       o.Logger.With("model_revision", key.String()),
		entries:   make(map[api.TreeIndex]*entry),
	}
}

// Key returns the model revision this cache serves.
func (rc *RevisionCache) Key() api.ModelRevisionKey { return rc.key }

// ClosestMapping returns the connections treeIndex inherits.
//
// The first caller for a key stores a pending future and starts resolution;
// concurrent callers for the same key wait on that future. Resolution runs
// detached from ctx, which only bounds this caller's wait. Failed resolutions
// leave nothing cached.
func (rc *RevisionCache) ClosestMapping(ctx context.Context, treeIndex api.TreeIndex) (*Mapping, error) {
	rc.mu.Lock()
	e, ok := rc.entries[treeIndex]
	if !ok {
		e = newEntry()
		rc.entries[treeIndex] = e
	}
	rc.mu.Unlock()

	switch {
	case !ok:
		lookupsTotal.WithLabelValues(resultMiss).Inc()
		go rc.resolve(context.WithoutCancel(ctx), treeIndex, e)
	case e.conns.Pending():
		lookupsTotal.WithLabelValues(resultJoined).Inc()
	default:
		lookupsTotal.WithLabelValues(resultHit).Inc()
	}

	conns, err := e.conns.Await(ctx)
	if err != nil {
		return nil, err
	}
	return rc.mapping(ctx, e, conns), nil
}

func (rc *RevisionCache) resolve(ctx context.Context, treeIndex api.TreeIndex, e *entry) {
	ctx, span := tracer.Start(ctx, "resolve.RevisionCache.resolve", trace.WithAttributes(
		attribute.String(attrModelRevision, rc.key.String()),
		attribute.Int64(attrTreeIndex, int64(treeIndex)),
	))
	defer span.End()

	conns, err := rc.lookup(ctx, treeIndex, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "closest mapping failed")
		rc.mu.Lock()
		if rc.entries[treeIndex] == e {
			delete(rc.entries, treeIndex)
		}
		rc.mu.Unlock()
		rc.log.Debug("closest mapping failed", "tree_index", treeIndex, "error", err)
		e.conns.Reject(err)
		return
	}
	span.SetAttributes(attribute.Int("cadlink.connections", len(conns)))
	e.conns.Resolve(conns)
}

func (rc *RevisionCache) lookup(ctx context.Context, treeIndex api.TreeIndex, e *entry) ([]api.ConnectionWithNode, error) {
	if pending := rc.pendingBulk(); pending != nil {
		// A failed bulk load just means the revision is still incomplete.
		_, _ = pending.Await(ctx)
	}

	rc.mu.Lock()
	if cur, ok := rc.entries[treeIndex]; ok && cur != e {
		// Overwritten by a bulk insert while we waited.
		rc.mu.Unlock()
		return cur.conns.Await(ctx)
	}
	rc.mu.Unlock()

	providerCalls.WithLabelValues(opAncestors).Inc()
	chain, err := rc.ancestors.Ancestors(ctx, rc.key.ModelID, rc.key.RevisionID, treeIndex)
	if err != nil {
		return nil, fmt.Errorf("ancestors of tree index %d in %s: %w", treeIndex, rc.key, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("tree index %d in %s: %w", treeIndex, rc.key, ErrNodeNotFound)
	}
	invariant(chain[len(chain)-1].TreeIndex == treeIndex,
		"ancestor chain for tree index %d ends at %d", treeIndex, chain[len(chain)-1].TreeIndex)
	chainLength.Observe(float64(len(chain)))

	rc.mu.Lock()
	complete := rc.complete
	cachedPos := -1
	var cached *entry
	for i := len(chain) - 2; i >= 0; i-- {
		if ce, ok := rc.entries[chain[i].TreeIndex]; ok {
			cachedPos, cached = i, ce
			break
		}
	}
	rc.mu.Unlock()

	result := []api.ConnectionWithNode{}
	if cached != nil {
		inherited, err := cached.conns.Await(ctx)
		if err != nil {
			return nil, fmt.Errorf("ancestor tree index %d: %w", chain[cachedPos].TreeIndex, err)
		}
		result = inherited
	}

	// Nodes below the deepest cached ancestor may carry their own mapping.
	// A complete revision has every own mapping cached already.
	from := cachedPos + 1
	if !complete {
		unresolved := chain[from:]
		providerCalls.WithLabelValues(opConnsForNodes).Inc()
		found, err := rc.conns.ConnectionsForNodeIDs(ctx, rc.key.ModelID, rc.key.RevisionID, nodeIDs(unresolved))
		if err != nil {
			return nil, fmt.Errorf("connections for %d ancestors of tree index %d in %s: %w",
				len(unresolved), treeIndex, rc.key, err)
		}
		if winner, conns := closestMapped(rc.key, unresolved, found); winner >= 0 {
			result = conns
			from += winner
		}
	}

	rc.log.Debug("closest mapping resolved",
		"tree_index", treeIndex,
		"chain", len(chain),
		"cached_ancestor", cachedPos >= 0,
		"connections", len(result),
		"complete", complete)

	rc.fill(chain[from:len(chain)-1], e)
	return result, nil
}

// closestMapped picks, among nodes, the one with the largest tree index that
// received a connection and returns its position and connections, or -1.
func closestMapped(key api.ModelRevisionKey, nodes []api.Node, conns []api.Connection) (int, []api.ConnectionWithNode) {
	pos := make(map[api.TreeIndex]int, len(nodes))
	for i, n := range nodes {
		pos[n.TreeIndex] = i
	}

	byPos := make(map[int][]api.Connection)
	best := -1
	for _, c := range conns {
		invariant(c.Key() == key, "connection %s belongs to %s, queried %s", c.Instance, c.Key(), key)
		i, ok := pos[c.TreeIndex]
		invariant(ok, "connection %s points at tree index %d outside the queried ancestors", c.Instance, c.TreeIndex)
		byPos[i] = append(byPos[i], c)
		if best < 0 || nodes[i].TreeIndex > nodes[best].TreeIndex {
			best = i
		}
	}
	if best < 0 {
		return -1, nil
	}
	return best, withNode(byPos[best], nodes[best])
}

// withNode attaches node to each connection, dropping duplicate instances.
func withNode(conns []api.Connection, node api.Node) []api.ConnectionWithNode {
	out := make([]api.ConnectionWithNode, 0, len(conns))
	seen := make(map[api.GraphInstanceRef]struct{}, len(conns))
	for _, c := range conns {
		if _, dup := seen[c.Instance]; dup {
			continue
		}
		seen[c.Instance] = struct{}{}
		out = append(out, api.ConnectionWithNode{Connection: c, Node: node})
	}
	return out
}

func nodeIDs(nodes []api.Node) []api.NodeID {
	ids := make([]api.NodeID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// fill points every node without an entry at e.
func (rc *RevisionCache) fill(nodes []api.Node, e *entry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, n := range nodes {
		if _, ok := rc.entries[n.TreeIndex]; !ok {
			rc.entries[n.TreeIndex] = e
		}
	}
}

func (rc *RevisionCache) mapping(ctx context.Context, e *entry, conns []api.ConnectionWithNode) *Mapping {
	rc.mu.Lock()
	views := e.views
	rc.mu.Unlock()
	if views != nil {
		if enriched, ok, err := views.Peek(); ok && err == nil {
			conns = enriched
		}
	}
	return &Mapping{Connections: conns, Views: rc.viewsFor(ctx, e, conns)}
}

// viewsFor returns the entry's enrichment future, starting enrichment if no
// caller has yet.
func (rc *RevisionCache) viewsFor(ctx context.Context, e *entry, conns []api.ConnectionWithNode) *future.Future[[]api.ConnectionWithNode] {
	if api.HasView(conns) {
		return future.Resolved(conns)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if e.views != nil {
		return e.views
	}
	f := future.New[[]api.ConnectionWithNode]()
	e.views = f
	go rc.enrichEntry(context.WithoutCancel(ctx), e, conns, f)
	return f
}

func (rc *RevisionCache) enrichEntry(ctx context.Context, e *entry, conns []api.ConnectionWithNode, f *future.Future[[]api.ConnectionWithNode]) {
	ctx, span := tracer.Start(ctx, "resolve.RevisionCache.enrich", trace.WithAttributes(
		attribute.String(attrModelRevision, rc.key.String()),
		attribute.Int("cadlink.connections", len(conns)),
	))
	defer span.End()

	enriched, err := enrich(ctx, rc.conns, rc.opts, conns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "view enrichment failed")
		rc.log.Warn("view enrichment failed", "connections", len(conns), "error", err)
		rc.mu.Lock()
		if e.views == f {
			e.views = nil
		}
		rc.mu.Unlock()
		f.Reject(err)
		return
	}
	f.Resolve(enriched)
}

// Insert writes connections for treeIndex, as the bulk path does. Views
// already known for the same connection identity are carried over.
func (rc *RevisionCache) Insert(treeIndex api.TreeIndex, conns []api.ConnectionWithNode) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	merged := conns
	if cur, ok := rc.entries[treeIndex]; ok {
		if existing, ok := settled(cur); ok {
			merged = mergeViews(conns, existing)
		}
	}
	rc.entries[treeIndex] = &entry{conns: future.Resolved(dedupe(merged))}
}

// settled returns the entry's best known list: enriched if available.
// Must be called with rc.mu held.
func settled(e *entry) ([]api.ConnectionWithNode, bool) {
	conns, ok, err := e.conns.Peek()
	if !ok || err != nil {
		return nil, false
	}
	if e.views != nil {
		if enriched, ok, err := e.views.Peek(); ok && err == nil {
			return enriched, true
		}
	}
	return conns, true
}

// AllConnections returns every settled entry. No network access.
func (rc *RevisionCache) AllConnections() map[api.TreeIndex][]api.ConnectionWithNode {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[api.TreeIndex][]api.ConnectionWithNode, len(rc.entries))
	for ti, e := range rc.entries {
		if conns, ok := settled(e); ok {
			out[ti] = conns
		}
	}
	return out
}

// Edges returns the connections attached directly to a node (not inherited),
// ordered by tree index then instance.
func (rc *RevisionCache) Edges() []api.ConnectionWithNode {
	var out []api.ConnectionWithNode
	for ti, conns := range rc.AllConnections() {
		for _, c := range conns {
			if c.Node.TreeIndex == ti {
				out = append(out, c)
			}
		}
	}
	slices.SortFunc(out, compareConnections)
	return out
}

func compareConnections(a, b api.ConnectionWithNode) int {
	return cmp.Or(
		cmp.Compare(a.Node.TreeIndex, b.Node.TreeIndex),
		cmp.Compare(a.Connection.Instance.Space, b.Connection.Instance.Space),
		cmp.Compare(a.Connection.Instance.ExternalID, b.Connection.Instance.ExternalID),
	)
}

// MappedTreeIndices returns the tree indices whose resolved list is non-empty.
func (rc *RevisionCache) MappedTreeIndices() *roaring.Bitmap {
	bm := roaring.New()
	for ti, conns := range rc.AllConnections() {
		if len(conns) == 0 || ti < 0 || ti > math.MaxUint32 {
			continue
		}
		bm.Add(uint32(ti))
	}
	return bm
}

// EnrichAll fills views for every settled entry that lacks them, using one
// chunked inspect pass over all their instances. In-flight enrichments
// started by lookups are awaited instead of repeated.
func (rc *RevisionCache) EnrichAll(ctx context.Context) error {
	type job struct {
		e     *entry
		conns []api.ConnectionWithNode
		f     *future.Future[[]api.ConnectionWithNode]
	}

	var jobs []job
	var inflight []*future.Future[[]api.ConnectionWithNode]
	seen := make(map[*entry]struct{})

	rc.mu.Lock()
	for _, e := range rc.entries {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		conns, ok, err := e.conns.Peek()
		if !ok || err != nil || api.HasView(conns) {
			continue
		}
		if e.views != nil {
			inflight = append(inflight, e.views)
			continue
		}
		f := future.New[[]api.ConnectionWithNode]()
		e.views = f
		jobs = append(jobs, job{e: e, conns: conns, f: f})
	}
	rc.mu.Unlock()

	var enrichErr error
	if len(jobs) > 0 {
		ctx, span := tracer.Start(ctx, "resolve.RevisionCache.EnrichAll", trace.WithAttributes(
			attribute.String(attrModelRevision, rc.key.String()),
			attribute.Int("cadlink.entries", len(jobs)),
		))
		var all []api.ConnectionWithNode
		for _, j := range jobs {
			all = append(all, j.conns...)
		}
		views, err := inspectViews(ctx, rc.conns, rc.opts, missingViewRefs(all))
		for _, j := range jobs {
			if err != nil {
				rc.mu.Lock()
				if j.e.views == j.f {
					j.e.views = nil
				}
				rc.mu.Unlock()
				j.f.Reject(err)
				continue
			}
			j.f.Resolve(applyViews(j.conns, views))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "view enrichment failed")
			enrichErr = fmt.Errorf("enrich %s: %w", rc.key, err)
		}
		span.End()
	}

	for _, f := range inflight {
		if _, err := f.Await(ctx); err != nil && enrichErr == nil {
			enrichErr = fmt.Errorf("enrich %s: %w", rc.key, err)
		}
	}
	return enrichErr
}

// Complete reports whether a bulk load has populated this revision.
func (rc *RevisionCache) Complete() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.complete
}

func (rc *RevisionCache) pendingBulk() *future.Future[struct{}] {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.bulk != nil && rc.bulk.Pending() {
		return rc.bulk
	}
	return nil
}

// beginBulk marks the revision as loading. It returns nil once the revision
// is complete, the in-flight load if there is one, or a new future the
// caller must settle through finishBulk (started is true).
func (rc *RevisionCache) beginBulk() (f *future.Future[struct{}], started bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.complete {
		return nil, false
	}
	if rc.bulk != nil && rc.bulk.Pending() {
		return rc.bulk, false
	}
	rc.bulk = future.New[struct{}]()
	return rc.bulk, true
}

func (rc *RevisionCache) finishBulk(f *future.Future[struct{}], err error) {
	rc.mu.Lock()
	if err != nil {
		if rc.bulk == f {
			rc.bulk = nil
		}
	} else {
		rc.complete = true
	}
	rc.mu.Unlock()

	if err != nil {
		f.Reject(err)
		return
	}
	f.Resolve(struct{}{})
}

// Stats reports entry counts. Tree indices sharing one range entry count once each.
func (rc *RevisionCache) Stats() RevisionStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := RevisionStats{Key: rc.key, Entries: len(rc.entries), Complete: rc.complete}
	for _, e := range rc.entries {
		conns, ok, err := e.conns.Peek()
		switch {
		case !ok:
			s.Pending++
		case err == nil && len(conns) > 0:
			s.Mapped++
		}
	}
	return s
}
