package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is the envelope sent to the daemon: a target object, a
// dot-qualified method name, a parameter map, and an optional id used to
// correlate responses. A nil ID means the connection will assign one.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Obj    string          `json:"obj"`
	Method string          `json:"method"`
	Params map[string]any  `json:"params"`
}

// ParseRequest validates a caller-supplied JSON request envelope.
// Unknown fields, missing obj/method, and non-object params are rejected
// before anything is sent to the daemon.
func ParseRequest(msg []byte) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("parse request envelope: %w", err)
	}
	if dec.More() {
		return nil, errors.New("parse request envelope: trailing data after request")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the envelope invariants shared by parsed and
// programmatically built requests.
func (r *Request) Validate() error {
	if r.Obj == "" {
		return errors.New("request envelope: missing obj field")
	}
	if r.Method == "" {
		return errors.New("request envelope: missing method field")
	}
	if len(r.ID) > 0 && !validID(r.ID) {
		return fmt.Errorf("request envelope: id must be a JSON string or number, got %s", r.ID)
	}
	return nil
}

// ResponseKind discriminates the three response shapes the daemon may send
// for one request. The numeric values are part of the client API contract.
type ResponseKind int

const (
	KindResult ResponseKind = 1
	KindUpdate ResponseKind = 2
	KindError  ResponseKind = 3
)

func (k ResponseKind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindUpdate:
		return "update"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Response is one frame received from the daemon. Raw preserves the full
// frame exactly as received; exactly one of Result, Update, or Error is
// populated on a well-formed response.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Update json.RawMessage `json:"update,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Kind returns the discriminant of the response, or an error when the frame
// does not carry exactly one of result, update, or error.
func (r *Response) Kind() (ResponseKind, error) {
	var kind ResponseKind
	count := 0
	if len(r.Result) > 0 {
		kind = KindResult
		count++
	}
	if len(r.Update) > 0 {
		kind = KindUpdate
		count++
	}
	if len(r.Error) > 0 {
		kind = KindError
		count++
	}
	switch count {
	case 1:
		return kind, nil
	case 0:
		return 0, errors.New("response carries no result, update, or error field")
	default:
		return 0, errors.New("response carries more than one discriminant field")
	}
}

// Body returns the payload under the response's discriminant field.
func (r *Response) Body() json.RawMessage {
	switch {
	case len(r.Result) > 0:
		return r.Result
	case len(r.Update) > 0:
		return r.Update
	default:
		return r.Error
	}
}

// ErrorBody is the structured payload of an error response. The daemon
// owns the exact shape; these are the fields the client interprets.
type ErrorBody struct {
	Status  string   `json:"status,omitempty"`
	Code    int      `json:"code,omitempty"`
	Message string   `json:"message,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
}

// IDKey renders a response or request id as a map key. Ids are kept as raw
// JSON so that string and numeric ids round-trip without normalization.
func IDKey(id json.RawMessage) string {
	return string(id)
}

// StringID encodes a plain string as a JSON id value.
func StringID(id string) json.RawMessage {
	encoded, err := json.Marshal(id)
	if err != nil {
		// Marshaling a string cannot fail.
		panic(err)
	}
	return json.RawMessage(encoded)
}

func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '"':
		var s string
		return json.Unmarshal(trimmed, &s) == nil
	case '{', '[', 't', 'f', 'n':
		return false
	default:
		var n json.Number
		return json.Unmarshal(trimmed, &n) == nil
	}
}
