// Package logger provides structured logging for pipeguard components
// using zerolog.
//
// Every component resolves its logger by name through the registry, so a
// service can swap the logger of a single component (for example to raise
// the cache to debug) without touching the others.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.Get("guard")
//	log.Warn("retrying call", logger.Fields(logger.FieldResource, "planner", logger.FieldAttempt, 2))
package logger
