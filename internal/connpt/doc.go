// Package connpt resolves connect descriptors into concrete daemon
// endpoints.
//
// A descriptor is either an inline endpoint ("unix:<path>" or
// "tcp:<host:port>") or the path of a TOML connect file describing the
// endpoint and its authentication scheme. Resolution of an empty descriptor
// consults the VEILRPC_CONNECT environment variable before falling back to
// the platform default socket, so programs can be repointed at another
// daemon without code changes.
package connpt
