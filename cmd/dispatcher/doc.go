// Package main hosts the dispatcher CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the dispatcher in the foreground, starts
// and stops a detached instance, sends one-off requests through a client
// endpoint, lists the command table, and scaffolds configuration. Subcommands
// share a commandContext that loads configuration once and applies the
// --socket override.
package main
