package veilrpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"veilrpc/internal/connpt"
	"veilrpc/internal/logging"
	"veilrpc/internal/wire"
)

const defaultDialTimeout = 5 * time.Second

// Option configures a connection at Connect time.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	dialTimeout time.Duration
}

// WithLogger attaches a structured logger to the connection. The default
// discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialTimeout bounds the transport dial during Connect and OpenStream.
// It does not bound Execute or Wait; those are aborted by closing the
// connection or handle.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *options) { o.dialTimeout = timeout }
}

// Conn is one logical session with the daemon. It owns exactly one
// transport; once the transport fails or Close is called, every further
// operation on the connection and on objects, handles, and streams derived
// from it fails with a shutting-down error.
//
// Conn is safe for concurrent use. Multiple requests may be pending at
// once: writes are serialized internally, and responses are routed to their
// requests by id, with exactly one waiting goroutine reading the transport
// at any moment.
type Conn struct {
	logger      *slog.Logger
	codec       *wire.Codec
	dialTimeout time.Duration
	sessionID   string

	writeMu sync.Mutex

	mu          sync.Mutex
	cond        *sync.Cond
	reading     bool
	interrupted bool
	pending     map[string]*pendingRequest
	closed      bool
	closeErr    *Error

	proxyMu   sync.Mutex
	proxyAddr *connpt.Point
}

// pendingRequest tracks one outstanding request id.
type pendingRequest struct {
	queue []delivery
	// abandoned requests drop incoming messages; the entry is removed
	// once the daemon's terminal response arrives.
	abandoned bool
	// violated requests had a malformed response attributed to them; the
	// entry is retained until the daemon's terminal response arrives so
	// stray follow-ups cannot poison the connection.
	violated bool
	// finished marks a violated entry whose daemon terminal arrived while
	// the synthetic error was still queued; the entry is removed when
	// that error is consumed.
	finished bool
	// released aborts the in-flight wait of a handle closed mid-wait.
	released *Error
}

// delivery is one message routed to a waiter: either a validated response
// or a call-level failure.
type delivery struct {
	resp     *wire.Response
	err      *Error
	terminal bool
}

// Connect establishes a session with the daemon named by descriptor.
// An empty descriptor resolves through the VEILRPC_CONNECT environment
// variable and then the platform default endpoint. On success the session's
// root object id has been retrieved and is immediately usable.
func Connect(descriptor string, opts ...Option) (*Conn, error) {
	o := options{dialTimeout: defaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.NewComponentLogger(o.logger, "rpcconn")

	point, err := connpt.Resolve(descriptor)
	if err != nil {
		if errors.Is(err, connpt.ErrUnsupportedScheme) {
			return nil, &Error{Status: StatusNotSupported, Message: err.Error(), cause: err}
		}
		return nil, &Error{Status: StatusInvalidRequest, Message: err.Error(), cause: err}
	}

	authParams, err := authParams(point)
	if err != nil {
		return nil, err
	}

	transport, err := net.DialTimeout(point.Network, point.Address, o.dialTimeout)
	if err != nil {
		return nil, transportError("connect to daemon", err)
	}

	c := &Conn{
		logger:      logger,
		codec:       wire.NewCodec(transport),
		dialTimeout: o.dialTimeout,
		pending:     make(map[string]*pendingRequest),
	}
	c.cond = sync.NewCond(&c.mu)

	sessionID, err := c.handshake(authParams)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.sessionID = sessionID
	logger.Debug("session established",
		logging.String("endpoint", point.Network+":"+point.Address),
		logging.String("session", sessionID))
	return c, nil
}

// authParams builds the handshake parameters for a resolved connect point.
func authParams(point *connpt.Point) (map[string]any, error) {
	switch point.Auth {
	case connpt.AuthInherent:
		return map[string]any{"scheme": "inherent:unix_path"}, nil
	case connpt.AuthCookie:
		cookie, err := point.ReadCookie()
		if err != nil {
			return nil, &Error{Status: StatusInvalidRequest, Message: err.Error(), cause: err}
		}
		return map[string]any{"scheme": "auth:cookie", "cookie": cookie}, nil
	default:
		return nil, errorf(StatusNotSupported, "auth scheme %q not supported", point.Auth)
	}
}

// handshake authenticates and retrieves the session's root object id.
func (c *Conn) handshake(params map[string]any) (string, error) {
	resp, err := c.execute(&wire.Request{
		Obj:    "connection",
		Method: "auth:authenticate",
		Params: params,
	})
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Response != nil {
			// Any error response to the handshake is an
			// authentication rejection.
			rejected := *e
			rejected.Status = StatusNotAuthorized
			return "", &rejected
		}
		return "", err
	}
	var result struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", errorf(StatusProtocolViolation, "malformed handshake result: %v", err)
	}
	if result.Session == "" {
		return "", errorf(StatusProtocolViolation, "handshake result carries no session id")
	}
	return result.Session, nil
}

// SessionID returns the root object id assigned by the daemon at handshake
// time. The token is opaque.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Session returns an object reference bound to the session root. No network
// IO is performed.
func (c *Conn) Session() *Object {
	return c.Object(c.sessionID)
}

// Object returns a reference to any object id minted by the daemon on this
// connection. Holding a reference does not keep the daemon-side object
// alive.
func (c *Conn) Object(id string) *Object {
	return &Object{id: id, conn: c}
}

// Execute sends a request envelope and blocks until its terminal response
// arrives, returning the full raw success response. Update messages received
// for the request are discarded. If the envelope omits an id, one is
// generated; supplying the id of a still-pending request fails with
// invalid-request.
func (c *Conn) Execute(msg []byte) (json.RawMessage, error) {
	req, err := wire.ParseRequest(msg)
	if err != nil {
		return nil, &Error{Status: StatusInvalidRequest, Message: err.Error(), cause: err}
	}
	resp, err := c.execute(req)
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

// ExecuteWithHandle sends a request envelope and returns immediately with a
// handle for polling updates and the terminal response.
func (c *Conn) ExecuteWithHandle(msg []byte) (*Handle, error) {
	req, err := wire.ParseRequest(msg)
	if err != nil {
		return nil, &Error{Status: StatusInvalidRequest, Message: err.Error(), cause: err}
	}
	return c.executeWithHandle(req)
}

// Close releases the transport. All pending waits abort with a
// shutting-down error, and all objects, handles, and streams derived from
// the connection become unusable. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.failLocked(&Error{Status: StatusShuttingDown, Message: "connection closed"})
	return nil
}

// execute runs one validated request to its terminal response.
func (c *Conn) execute(req *wire.Request) (*wire.Response, error) {
	id, err := c.start(req)
	if err != nil {
		return nil, err
	}
	for {
		d, err := c.receive(id)
		if err != nil {
			return nil, err
		}
		if d.err != nil {
			return nil, d.err
		}
		kind, kindErr := d.resp.Kind()
		if kindErr != nil {
			// receive only delivers validated responses.
			return nil, errorf(StatusInternal, "undelivered malformed response: %v", kindErr)
		}
		switch kind {
		case wire.KindUpdate:
			continue
		case wire.KindResult:
			return d.resp, nil
		default:
			return nil, remoteError(d.resp.Error)
		}
	}
}

func (c *Conn) executeWithHandle(req *wire.Request) (*Handle, error) {
	id, err := c.start(req)
	if err != nil {
		return nil, err
	}
	return &Handle{conn: c, id: id}, nil
}

// start validates the id, registers the request, and writes it out.
func (c *Conn) start(req *wire.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &Error{Status: StatusInvalidRequest, Message: err.Error(), cause: err}
	}
	if len(req.ID) == 0 {
		req.ID = wire.StringID(uuid.NewString())
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	id := wire.IDKey(req.ID)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return "", err
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return "", errorf(StatusInvalidRequest, "request id %s is already pending", id)
	}
	c.pending[id] = &pendingRequest{}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.codec.WriteRequest(req)
	c.writeMu.Unlock()
	if err != nil {
		failure := transportError("send request", err)
		c.mu.Lock()
		delete(c.pending, id)
		c.failLocked(failure)
		c.mu.Unlock()
		return "", failure
	}
	c.logger.Debug("request sent",
		logging.String("obj", req.Obj),
		logging.String("method", req.Method),
		logging.String("request_id", id))
	return id, nil
}

// notify fire-and-forgets a request whose response nobody will read. The
// request is registered as abandoned so its terminal response is dropped.
func (c *Conn) notify(req *wire.Request) {
	req.ID = wire.StringID(uuid.NewString())
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	id := wire.IDKey(req.ID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending[id] = &pendingRequest{abandoned: true}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.codec.WriteRequest(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.failLocked(transportError("send request", err))
		c.mu.Unlock()
	}
}

// receive blocks until the next message for id is available. At most one
// goroutine reads the transport at a time; whoever needs a message next and
// finds the decoder free takes a turn reading and routing frames, then hands
// the decoder off.
func (c *Conn) receive(id string) (delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		p, ok := c.pending[id]
		if !ok {
			return delivery{}, errorf(StatusInternal, "request %s is not registered", id)
		}
		if p.released != nil {
			return delivery{}, p.released
		}
		if len(p.queue) > 0 {
			d := p.queue[0]
			p.queue = p.queue[1:]
			if d.terminal && (!p.violated || p.finished) {
				delete(c.pending, id)
			}
			return d, nil
		}
		if c.closed {
			return delivery{}, c.closeErr
		}
		if !c.reading {
			c.reading = true
			c.mu.Unlock()
			resp, err := c.codec.ReadResponse()
			c.mu.Lock()
			c.reading = false
			if err != nil && c.interrupted && isTimeout(err) {
				// release nudged this goroutine off the blocking read
				// with a transient deadline; hand the decoder back.
				c.interrupted = false
				c.codec.SetReadDeadline(time.Time{})
				c.cond.Broadcast()
				continue
			}
			if err != nil {
				c.failLocked(readFailure(err))
			} else {
				c.dispatchLocked(resp)
			}
			c.cond.Broadcast()
			continue
		}
		c.cond.Wait()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// dispatchLocked routes one validated frame to its pending request.
// Callers hold c.mu.
func (c *Conn) dispatchLocked(resp *wire.Response) {
	id := wire.IDKey(resp.ID)
	p, ok := c.pending[id]
	if !ok {
		// Correlation is lost; nothing on this transport can be
		// trusted anymore.
		c.failLocked(errorf(StatusProtocolViolation, "response for unknown request id %s", id))
		return
	}

	kind, err := resp.Kind()
	if err != nil {
		if p.abandoned || p.violated {
			return
		}
		// Attributable to one call: fail that call only, and keep the
		// entry so stray follow-ups for this id stay harmless.
		p.violated = true
		p.queue = append(p.queue, delivery{
			err:      &Error{Status: StatusProtocolViolation, Message: err.Error()},
			terminal: true,
		})
		return
	}

	terminal := kind != wire.KindUpdate
	if p.abandoned || p.violated {
		// The daemon's terminal retires the id. A violated entry whose
		// synthetic error is still queued stays until that error is
		// consumed.
		if terminal {
			if len(p.queue) == 0 {
				delete(c.pending, id)
			} else {
				p.finished = true
			}
		}
		return
	}
	p.queue = append(p.queue, delivery{resp: resp, terminal: terminal})
}

// release aborts the wait of a handle closed mid-flight: the waiter gets a
// request-cancelled error, and late messages are dropped until the daemon's
// terminal response retires the id. If the waiting goroutine currently owns
// the transport read, a transient read deadline nudges it off the blocking
// read.
func (c *Conn) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || c.closed {
		return
	}
	p.abandoned = true
	p.queue = nil
	p.released = errorf(StatusRequestCancelled, "request handle closed")
	if c.reading && !c.interrupted {
		c.interrupted = true
		c.codec.SetReadDeadline(time.Now())
	}
	c.cond.Broadcast()
}

// failLocked poisons the connection with the first fatal error. Callers
// hold c.mu.
func (c *Conn) failLocked(err *Error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	c.codec.Close()
	c.cond.Broadcast()
	if err.Status != StatusShuttingDown || err.Response != nil {
		c.logger.Warn("connection failed", logging.Error(err))
	}
}
