package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// FrameError reports an incoming frame that could not be decoded into a
// well-formed response envelope. It is distinct from transport errors so the
// connection can classify it as a protocol violation rather than an IO
// failure.
type FrameError struct {
	Detail string
}

func (e *FrameError) Error() string {
	return "malformed response frame: " + e.Detail
}

// Codec frames request and response envelopes as jsonlines over a single
// stream connection. WriteRequest and ReadResponse may run concurrently with
// each other, but each is single-caller: the owning connection serializes
// writers and hands the read side to one goroutine at a time.
type Codec struct {
	conn net.Conn
	w    *bufio.Writer
	dec  *json.Decoder
}

// NewCodec wraps an open transport connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn: conn,
		w:    bufio.NewWriter(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
	}
}

// WriteRequest sends one request envelope followed by a newline.
func (c *Codec) WriteRequest(req *Request) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.w.Write(encoded); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadResponse blocks until the next frame arrives and validates its
// envelope. Transport failures surface unchanged; undecodable frames and
// frames without a usable id surface as *FrameError.
func (c *Codec) ReadResponse() (*Response, error) {
	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		if _, ok := err.(*json.SyntaxError); ok {
			return nil, &FrameError{Detail: err.Error()}
		}
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &FrameError{Detail: err.Error()}
	}
	if !validID(resp.ID) {
		return nil, &FrameError{Detail: "response has no usable id"}
	}
	resp.Raw = raw
	return &resp, nil
}

// SetReadDeadline forwards to the underlying transport. Deadline timeouts
// surface from ReadResponse as the transport's net.Error; the decoder keeps
// any partially buffered frame and resumes on the next call.
func (c *Codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying transport. Safe to call more than once and
// while a read or write is in flight; blocked calls return with an error.
func (c *Codec) Close() error {
	return c.conn.Close()
}
