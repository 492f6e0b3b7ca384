package veilrpc

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/net/proxy"

	"veilrpc/internal/connpt"
	"veilrpc/internal/logging"
)

// StreamOptions tune OpenStream. The zero value opens an unregistered
// stream on the session root with the empty isolation tag.
type StreamOptions struct {
	// OnObject names the client-like object told to open the stream.
	// Empty means the session root.
	OnObject string
	// Isolation partitions streams: two streams with different isolation
	// tags never share an anonymizing circuit.
	Isolation string
	// WantObjectID also registers the stream as an addressable object, so
	// the caller can invoke methods on it afterwards.
	WantObjectID bool
}

// Stream is an anonymized byte stream bridged to an ordinary socket. It
// carries no protocol framing of its own.
type Stream struct {
	net.Conn

	conn     *Conn
	objectID string
}

// ObjectID returns the stream's object id, or "" when registration was not
// requested.
func (s *Stream) ObjectID() string {
	return s.objectID
}

// Object returns a reference for invoking methods on the registered stream,
// or nil when registration was not requested.
func (s *Stream) Object() *Object {
	if s.objectID == "" {
		return nil
	}
	return s.conn.Object(s.objectID)
}

// Descriptor duplicates the stream's underlying socket and returns the new
// raw descriptor, validated against the platform's invalid-socket sentinel.
// The caller owns the returned descriptor; the Stream remains usable and
// must still be closed.
func (s *Stream) Descriptor() (int, error) {
	sc, ok := s.Conn.(syscall.Conn)
	if !ok {
		return -1, errorf(StatusNotSupported, "stream transport exposes no raw socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, transportError("raw socket access", err)
	}
	fd := -1
	ctrlErr := raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if ctrlErr != nil {
		return -1, transportError("raw socket access", ctrlErr)
	}
	if !socketValid(fd) {
		return -1, errorf(StatusProtocolViolation, "stream yielded no usable socket descriptor")
	}
	return dupSocket(fd)
}

// OpenStream opens an anonymized connection to host:port through the
// daemon's proxy listener and returns it bridged to a native socket. The
// proxy listener address is fetched from the daemon once per connection and
// cached. A success reply carrying no usable listener is a protocol
// violation, never a silent failure.
func (c *Conn) OpenStream(host string, port int, opts *StreamOptions) (*Stream, error) {
	if opts == nil {
		opts = &StreamOptions{}
	}
	if host == "" {
		return nil, errorf(StatusInvalidRequest, "stream target host is empty")
	}
	if port < 1 || port > 0xFFFF {
		return nil, errorf(StatusInvalidRequest, "stream target port %d out of range", port)
	}

	target := opts.OnObject
	if target == "" {
		target = c.sessionID
	}

	// The SOCKS username names the object that owns the stream; a
	// registered stream gets its own id first so the daemon can bind the
	// incoming proxy connection to it.
	username := target
	objectID := ""
	if opts.WantObjectID {
		result, err := c.Object(target).Invoke("veil:new_stream_handle", nil)
		if err != nil {
			return nil, err
		}
		var handle struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(result, &handle); err != nil || handle.ID == "" {
			return nil, errorf(StatusProtocolViolation, "stream handle result carries no id")
		}
		username = handle.ID
		objectID = handle.ID
	}

	point, err := c.proxyPoint()
	if err != nil {
		return nil, err
	}
	// SOCKS5 with username/password subnegotiation: the username names the
	// object owning the stream, the password carries the isolation tag.
	dialer, err := proxy.SOCKS5(point.Network, point.Address, &proxy.Auth{
		User:     username,
		Password: opts.Isolation,
	}, &net.Dialer{Timeout: c.dialTimeout})
	if err != nil {
		return nil, errorf(StatusInternal, "building proxy dialer: %v", err)
	}
	transport, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, proxyFailure(err)
	}

	c.logger.Debug("stream established",
		logging.String("target", net.JoinHostPort(host, strconv.Itoa(port))),
		logging.String("isolation", opts.Isolation),
		logging.Bool("registered", objectID != ""))
	return &Stream{Conn: transport, conn: c, objectID: objectID}, nil
}

// proxyPoint returns the daemon's proxy listener endpoint, fetching it on
// first use.
func (c *Conn) proxyPoint() (*connpt.Point, error) {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	if c.proxyAddr != nil {
		return c.proxyAddr, nil
	}

	result, err := c.Session().Invoke("veil:proxy_info", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Proxies []struct {
			Listen string `json:"listen"`
		} `json:"proxies"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, errorf(StatusProtocolViolation, "malformed proxy info: %v", err)
	}
	for _, proxy := range info.Proxies {
		point, err := connpt.ParseEndpoint(proxy.Listen)
		if err != nil {
			continue
		}
		c.proxyAddr = point
		return point, nil
	}
	return nil, errorf(StatusProtocolViolation, "daemon reported no usable proxy listener")
}

// proxyFailure classifies errors from the SOCKS dial. The proxy package
// reports rejected credentials and daemon-side connect failures as plain
// message strings, so classification goes by message and errno.
func proxyFailure(err error) *Error {
	msg := err.Error()
	if strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "invalid username/password") {
		return &Error{Status: StatusNotAuthorized, Message: msg, cause: err}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return transportError("connect to proxy", err)
	}
	return &Error{Status: StatusRequestFailed, Message: msg, cause: err}
}
