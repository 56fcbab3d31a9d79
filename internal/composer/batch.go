package composer

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBatch runs reqs with at most limit in flight and returns their
// results in request order. Each request gets its own supervisor; one
// failing does not stop the others. A limit below 1 runs them one at a
// time.
func (c *Composer) RunBatch(ctx context.Context, reqs []Request, limit int) []Result {
	if limit < 1 {
		limit = 1
	}
	results := make([]Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = c.ComposeAndSubmit(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
