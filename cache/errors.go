package cache

import "errors"

// ErrInvalidTTL is returned when a caller passes a negative TTL.
var ErrInvalidTTL = errors.New("cache: ttl must not be negative")

// ErrComputePanicked wraps the value recovered from a panicking compute.
var ErrComputePanicked = errors.New("cache: compute panicked")
