// Package logging assembles the structured slog loggers used across the
// veilrpc library and CLI.
//
// It centralizes handler construction and attribute helpers so every
// component emits data with the same shape, and provides a no-op logger for
// library callers and tests that do not wire one up.
package logging
