// Package veilrpc is the client for the veil daemon's RPC protocol.
//
// It owns connection establishment and the authentication handshake, object
// and session addressing, correlated request/response/update delivery over
// request handles, and bridging of anonymized outbound data streams to
// native sockets. Requests and responses are generic JSON envelopes; the
// daemon owns the semantics of individual methods, and typed APIs are built
// on top of this package rather than inside it.
//
// A session starts with Connect, which resolves a connect descriptor, dials
// the daemon, authenticates, and retrieves the session's root object id:
//
//	conn, err := veilrpc.Connect("unix:/run/veil/rpc.sock")
//	if err != nil { ... }
//	defer conn.Close()
//	result, err := conn.Session().Invoke("veil:status", nil)
//
// All failures surface as *Error values carrying a Status; there are no
// timeouts at this layer, and an in-flight Execute or Wait is aborted by
// closing the handle or the connection.
package veilrpc
