// Package component defines the lifecycle contract shared by pipeguard's
// background workers (cache sweeper, rate-limit sweeper, progress reaper)
// and the Registry that starts them in order and stops them in reverse.
//
// Periodic is the common building block: a named job run on a fixed
// interval between Start and Stop.
package component
