package veilrpc

import (
	"encoding/json"
	"sync"

	"veilrpc/internal/wire"
)

// ResponseKind discriminates the messages delivered by Handle.Wait. Exactly
// one terminal kind (KindResult or KindError) ends each request; any number
// of KindUpdate messages may precede it.
type ResponseKind = wire.ResponseKind

const (
	KindResult = wire.KindResult
	KindUpdate = wire.KindUpdate
	KindError  = wire.KindError
)

// Handle represents one in-flight asynchronous request. Wait is
// single-caller; Close may be called from another goroutine at any point,
// including while a Wait is blocked, and aborts it.
type Handle struct {
	conn *Conn
	id   string

	mu     sync.Mutex
	done   bool
	closed bool
}

// Wait blocks until the next message for this request arrives and returns
// its kind and the full raw response frame. For KindError the payload is the
// daemon's error response; RemoteError converts it to an *Error when the
// caller wants one. Calling Wait again after a terminal kind fails with
// invalid-request, as does calling it on a closed handle; a Wait aborted by
// Close returns a request-cancelled error, and a Wait that failed with the
// connection keeps returning the connection's close error.
func (h *Handle) Wait() (ResponseKind, json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, nil, errorf(StatusInvalidRequest, "wait called on closed request handle")
	}
	if h.done {
		h.mu.Unlock()
		return 0, nil, errorf(StatusInvalidRequest, "wait called on finished request handle")
	}
	h.mu.Unlock()

	// The mutex is not held across the blocking receive so a concurrent
	// Close can abort it.
	d, err := h.conn.receive(h.id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		// Connection-level failures do not finish the handle; repeated
		// waits keep reporting what happened to the connection.
		return 0, nil, err
	}
	if d.err != nil {
		h.done = true
		return 0, nil, d.err
	}
	kind, kindErr := d.resp.Kind()
	if kindErr != nil {
		h.done = true
		return 0, nil, errorf(StatusInternal, "undelivered malformed response: %v", kindErr)
	}
	if kind != KindUpdate {
		h.done = true
	}
	return kind, d.resp.Raw, nil
}

// Close releases the handle. If the request has not reached a terminal
// response, an in-flight Wait is aborted with a request-cancelled error, a
// best-effort cancellation is signalled to the daemon, and any late
// responses are discarded. Close is idempotent and safe at any point in the
// request's lifetime.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	done := h.done
	h.mu.Unlock()
	if done {
		return nil
	}
	h.conn.release(h.id)
	h.conn.notify(&wire.Request{
		Obj:    "connection",
		Method: "rpc:cancel",
		Params: map[string]any{"request_id": json.RawMessage(h.id)},
	})
	return nil
}

// RemoteError converts a KindError response frame, as returned by Wait, into
// the *Error the same response would have produced from Execute.
func RemoteError(frame json.RawMessage) (*Error, error) {
	var resp wire.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, errorf(StatusInvalidRequest, "not a response frame: %v", err)
	}
	if len(resp.Error) == 0 {
		return nil, errorf(StatusInvalidRequest, "frame is not an error response")
	}
	return remoteError(resp.Error), nil
}
