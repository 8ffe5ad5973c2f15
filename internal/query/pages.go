package query

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

type pageOptions struct {
	paginated map[string]struct{}
}

// PageOption configures AllPages.
type PageOption func(*pageOptions)

// OnlyCursors restricts which result sets may drive further pagination.
// Cursors reported for any other set are ignored, so an unrelated set cannot
// force extra round trips.
func OnlyCursors(names ...string) PageOption {
	return func(o *pageOptions) {
		if o.paginated == nil {
			o.paginated = make(map[string]struct{}, len(names))
		}
		for _, n := range names {
			o.paginated[n] = struct{}{}
		}
	}
}

// AllPages runs req and keeps following continuation cursors until none
// remain, concatenating each named item array in page order.
// Any page failure aborts the whole operation.
func AllPages(ctx context.Context, exec Executor, req Request, opts ...PageOption) (*Response, error) {
	var o pageOptions
	for _, opt := range opts {
		opt(&o)
	}

	first, err := exec.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query page 1: %w", err)
	}

	merged := &Response{Items: make(map[string][]Item, len(req.With))}
	mergeItems(merged, first)

	cursors := o.next(first.NextCursor)
	for page := 2; len(cursors) > 0; page++ {
		resp, err := exec.Query(ctx, req.WithCursors(cursors))
		if err != nil {
			return nil, fmt.Errorf("query page %d: %w", page, err)
		}
		mergeItems(merged, resp)
		cursors = o.next(resp.NextCursor)
	}
	return merged, nil
}

func mergeItems(dst, page *Response) {
	if page == nil {
		return
	}
	// Sorted for a deterministic merge order across names.
	for _, name := range slices.Sorted(maps.Keys(page.Items)) {
		dst.Items[name] = append(dst.Items[name], page.Items[name]...)
	}
}

func (o pageOptions) next(cursors map[string]string) map[string]string {
	out := make(map[string]string, len(cursors))
	for name, c := range cursors {
		if c == "" {
			continue
		}
		if o.paginated != nil {
			if _, ok := o.paginated[name]; !ok {
				continue
			}
		}
		out[name] = c
	}
	return out
}
