// Package main hosts the veilctl CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into RPC
// calls against a running veil daemon: session inspection, raw method
// invocation, proxy listener discovery, and interactive stream bridging.
// It centralizes connect-descriptor resolution and logging setup so
// subcommands can focus on user experience instead of wiring.
package main
