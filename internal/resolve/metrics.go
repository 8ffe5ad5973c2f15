package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("cadlink/resolve")

var (
	// lookupsTotal counts ClosestMapping calls by how the cache answered.
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadlink_cache_lookups_total",
		Help: "Closest-mapping lookups by result (hit, miss, joined)",
	}, []string{"result"})

	// providerCalls counts outbound calls by operation.
	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadlink_provider_calls_total",
		Help: "Calls to the hierarchy and graph-query services by operation",
	}, []string{"operation"})

	bulkLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadlink_bulk_loads_total",
		Help: "Bulk revision loads by result",
	}, []string{"result"})

	chainLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadlink_ancestor_chain_length",
		Help:    "Length of ancestor chains fetched on cache misses",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
)

const (
	opAncestors       = "ancestors"
	opNodes           = "nodes_by_tree_index"
	opConnsForNodes   = "connections_for_node_ids"
	opConnsForRevs    = "connections_for_revisions"
	opInspect         = "inspect"
	resultHit         = "hit"
	resultMiss        = "miss"
	resultJoined      = "joined"
	resultOK          = "ok"
	resultError       = "error"
	attrModelRevision = "cadlink.model_revision"
	attrTreeIndex     = "cadlink.tree_index"
)
