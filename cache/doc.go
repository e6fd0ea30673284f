// Package cache provides a bounded, in-memory key/value cache with per-entry
// expiry, least-recently-used eviction and compute-once semantics.
//
// GetOrCompute is the primary entry point: concurrent callers asking for the
// same missing key share a single computation.
//
//	c, err := cache.New[string](cache.DefaultConfig("plans"))
//	plan, err := c.GetOrCompute(ctx, cache.Key("plan", query), 0, func(ctx context.Context) (string, error) {
//	    return planner.Plan(ctx, query)
//	})
package cache
