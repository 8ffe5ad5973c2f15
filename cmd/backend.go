package cmd

import (
	"fmt"
	"net/http"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/config"
	"github.com/agentic-research/cadlink/internal/dms"
	"github.com/agentic-research/cadlink/internal/logging"
	"github.com/agentic-research/cadlink/internal/query"
	"github.com/agentic-research/cadlink/internal/remote"
	"github.com/agentic-research/cadlink/internal/resolve"
	"github.com/agentic-research/cadlink/internal/store"
)

// backend is whatever serves the hierarchy, the instance query and
// inspection for one process.
type backend interface {
	resolve.AncestorProvider
	query.Executor
	dms.Inspector
}

func layoutFor(cfg *config.Config) (dms.Layout, error) {
	layout, err := dms.LayoutByName(cfg.Layout)
	if err != nil {
		return dms.Layout{}, err
	}
	if cfg.EdgeTypeSpace != "" {
		layout = layout.WithType(api.GraphInstanceRef{Space: cfg.EdgeTypeSpace, ExternalID: cfg.EdgeTypeExternalID})
	}
	return layout, nil
}

// openBackend returns the configured backend and a closer for it.
func (a *app) openBackend(layout dms.Layout) (backend, func() error, error) {
	cfg := a.cfg
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		fx, err := store.LoadFixture(cfg.Fixture)
		if err != nil {
			return nil, nil, err
		}
		mem := store.NewMemoryStore()
		mem.SetLayout(layout)
		if err := fx.Populate(mem); err != nil {
			return nil, nil, err
		}
		return mem, noop, nil
	case "sqlite":
		s, err := store.OpenSQLiteStore(cfg.DB, layout)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "http":
		c := remote.NewClient(cfg.BaseURL,
			remote.WithAPIKey(cfg.APIKey),
			remote.WithRateLimit(cfg.RPS, cfg.Burst),
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			remote.WithLogger(a.log.With(logging.Scope("remote"))),
		)
		return c, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// orchestrator wires the configured backend into a fresh Orchestrator.
func (a *app) orchestrator() (*resolve.Orchestrator, func() error, error) {
	layout, err := layoutFor(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	b, closeFn, err := a.openBackend(layout)
	if err != nil {
		return nil, nil, err
	}
	p, err := dms.NewProvider(b, b, layout,
		dms.WithPageLimit(a.cfg.PageLimit),
		dms.WithInspectCacheSize(a.cfg.InspectCacheSize),
		dms.WithLogger(a.log.With(logging.Scope("dms"))),
	)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	o := resolve.NewOrchestrator(b, p,
		resolve.WithLogger(a.log.With(logging.Scope("resolve"))),
		resolve.WithInspectBatchSize(a.cfg.InspectBatchSize),
		resolve.WithNodeBatchSize(a.cfg.NodeBatchSize),
		resolve.WithInspectConcurrency(a.cfg.InspectConcurrency),
	)
	return o, closeFn, nil
}
