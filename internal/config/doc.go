// Package config loads, normalizes, and validates dispatcher configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the DISPATCHER_SOCKET environment
// override. The Config type centralizes the well-known socket address, the
// client naming scheme, and the server's worker and size limits so the daemon
// and every client agree on them.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
