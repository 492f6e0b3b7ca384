// Package wire defines the request and response envelopes exchanged with the
// veil daemon and a jsonlines codec for moving them over a stream transport.
//
// It owns envelope validation: outgoing requests are checked for the required
// obj/method/params shape before they reach the daemon, and incoming frames
// are checked for a correlating id and exactly one of the result, update, or
// error discriminants. Anything above this package works with validated
// envelopes and never touches raw frames.
package wire
