// Package mockdaemon is an in-process stand-in for the veil daemon, used by
// tests across this module.
//
// It speaks the real wire protocol over a unix or tcp listener: the
// authentication handshake (inherent and cookie schemes), jsonlines request
// envelopes, update/result/error responses, and a companion SOCKS5 listener
// that accepts proxied streams and echoes their bytes back. Circuit
// assignment is keyed by the SOCKS credential pair so tests can observe
// isolation behavior, and cancellation and connection counters support
// idempotence tests. A file lock enforces one daemon per directory, the
// same way the real daemon guards its runtime directory.
package mockdaemon
