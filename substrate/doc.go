// Package substrate assembles the cache, progress broker, resilience guard
// and rate limiter into one explicitly constructed unit with a shared
// configuration, logger and lifecycle.
//
// # Usage
//
//	cfg, err := substrate.Load("research")
//	s, err := substrate.New[string](cfg)
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Stop(context.Background())
//
//	report, err := s.Cache.GetOrCompute(ctx, cache.Key("plan", query), 0,
//	    func(ctx context.Context) (string, error) {
//	        return resilience.Call(ctx, s.Guard, "planner", -1, 0, plan)
//	    })
package substrate
