package resolve

import (
	"io"
	"log/slog"
)

// Batch limits imposed by the remote services' request-size caps.
const (
	DefaultInspectBatchSize   = 100
	DefaultNodeBatchSize      = 1000
	DefaultInspectConcurrency = 4
)

// Options tunes batching and logging.
type Options struct {
	InspectBatchSize   int
	NodeBatchSize      int
	InspectConcurrency int
	Logger             *slog.Logger
}

// Option configures Options.
type Option func(*Options)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithInspectBatchSize caps instances per inspect call.
func WithInspectBatchSize(n int) Option {
	return func(o *Options) { o.InspectBatchSize = n }
}

// WithNodeBatchSize caps tree indices per node lookup call.
func WithNodeBatchSize(n int) Option {
	return func(o *Options) { o.NodeBatchSize = n }
}

// WithInspectConcurrency caps concurrent inspect calls.
func WithInspectConcurrency(n int) Option {
	return func(o *Options) { o.InspectConcurrency = n }
}

func buildOptions(opts []Option) Options {
	o := Options{
		InspectBatchSize:   DefaultInspectBatchSize,
		NodeBatchSize:      DefaultNodeBatchSize,
		InspectConcurrency: DefaultInspectConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.InspectBatchSize <= 0 {
		o.InspectBatchSize = DefaultInspectBatchSize
	}
	if o.NodeBatchSize <= 0 {
		o.NodeBatchSize = DefaultNodeBatchSize
	}
	if o.InspectConcurrency <= 0 {
		o.InspectConcurrency = DefaultInspectConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// chunks splits s into consecutive slices of at most size elements.
func chunks[T any](s []T, size int) [][]T {
	var out [][]T
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}
