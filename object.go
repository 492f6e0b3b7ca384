package veilrpc

import (
	"encoding/json"

	"veilrpc/internal/wire"
)

// Object is a reference to one addressable object on a connection: an
// immutable (id, connection) pair. It is a weak reference; the daemon
// governs the underlying object's lifetime. Objects are safe to copy and
// share freely.
type Object struct {
	id   string
	conn *Conn
}

// ID returns the daemon-minted object id.
func (o *Object) ID() string {
	return o.id
}

// Invoke calls method on this object, waits for the terminal response, and
// returns the payload of its result field. A remote error response
// propagates as *Error; a success response without a result field is a
// protocol violation.
func (o *Object) Invoke(method string, params map[string]any) (json.RawMessage, error) {
	resp, err := o.conn.execute(&wire.Request{
		Obj:    o.id,
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, errorf(StatusProtocolViolation, "response to %s carries no result field", method)
	}
	return resp.Result, nil
}

// InvokeWithHandle calls method on this object and returns a handle for
// polling its updates and terminal response.
func (o *Object) InvokeWithHandle(method string, params map[string]any) (*Handle, error) {
	return o.conn.executeWithHandle(&wire.Request{
		Obj:    o.id,
		Method: method,
		Params: params,
	})
}
