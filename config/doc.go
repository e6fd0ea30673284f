// Package config loads pipeguard configuration from a YAML file, an optional
// .env file and environment variables.
//
// Files are resolved from standard locations unless given explicitly:
//
//	var cfg substrate.Config
//	err := config.LoadConfig("pipeguard", &cfg, config.WithConfigFile("config.yml"))
//
// Environment variables carrying the PIPEGUARD_ prefix override file values;
// underscores may stand for either nesting or a literal underscore, so
// PIPEGUARD_CACHE_MAX_SIZE sets cache.max_size. Durations are written as Go
// duration strings ("30s", "1m").
package config
