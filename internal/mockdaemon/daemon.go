package mockdaemon

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"veilrpc/internal/logging"
)

// Call is a single decoded request handed to a Handler.
type Call struct {
	Obj    string
	Method string
	Params json.RawMessage
}

// Outcome tells the daemon how to answer a call. Updates are sent first.
// Frame bypasses the normal response shape (the request id is injected) so
// tests can make the daemon misbehave on purpose; when Result or Err is
// also set, it is sent after the injected frame as the real terminal.
// Otherwise exactly one of Result or Err ends the call, defaulting to an
// empty result.
type Outcome struct {
	Updates []any
	Result  any
	Err     any
	Frame   map[string]any
}

// Handler answers calls for one registered method.
type Handler func(call Call) Outcome

// Config controls daemon startup. Dir is required and holds the unix
// socket and the lock file. A non-nil Cookie switches the handshake to
// cookie authentication. TCP listens on loopback instead of a unix socket.
type Config struct {
	Dir       string
	SessionID string
	Cookie    []byte
	TCP       bool
	ProxyInfo any
	Logger    *slog.Logger
}

// Daemon is a running mock daemon. Create one with New and stop it with
// Close.
type Daemon struct {
	cfg     Config
	logger  *slog.Logger
	lock    *flock.Flock
	rpcLn   net.Listener
	socksLn net.Listener

	mu        sync.Mutex
	methods   map[string]Handler
	conns     map[net.Conn]struct{}
	circuits  map[string]int
	streams   map[string]int
	handleSeq int
	cancels   int
	closed    bool

	wg sync.WaitGroup
}

// New starts listeners and acquires the directory lock. The caller must
// Close the returned daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Dir == "" {
		return nil, errors.New("mockdaemon: Dir is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "session-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	lock := flock.New(filepath.Join(cfg.Dir, "veild.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return nil, errors.New("mockdaemon: another daemon holds the lock")
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   cfg.Logger.With(logging.String(logging.FieldComponent, "mockdaemon")),
		lock:     lock,
		methods:  make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
		circuits: make(map[string]int),
		streams:  make(map[string]int),
	}

	if cfg.TCP {
		d.rpcLn, err = net.Listen("tcp", "127.0.0.1:0")
	} else {
		d.rpcLn, err = net.Listen("unix", d.SocketPath())
	}
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("starting rpc listener: %w", err)
	}
	d.socksLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		d.rpcLn.Close()
		lock.Unlock()
		return nil, fmt.Errorf("starting socks listener: %w", err)
	}

	d.registerBuiltins()

	d.wg.Add(2)
	go d.acceptRPC()
	go d.acceptSOCKS()
	return d, nil
}

// SocketPath returns the unix socket path inside Dir.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.cfg.Dir, "rpc.sock")
}

// Addr returns the rpc listener address.
func (d *Daemon) Addr() string {
	return d.rpcLn.Addr().String()
}

// SocksAddr returns the SOCKS listener address.
func (d *Daemon) SocksAddr() string {
	return d.socksLn.Addr().String()
}

// ConnectString returns a connect descriptor for a unix daemon. TCP
// daemons need a connect file; use WriteConnectFile instead.
func (d *Daemon) ConnectString() string {
	return "unix:" + d.SocketPath()
}

// WriteConnectFile writes a cookie file and a TOML connect file into Dir
// and returns a file: descriptor pointing at it.
func (d *Daemon) WriteConnectFile() (string, error) {
	cookiePath := filepath.Join(d.cfg.Dir, "rpc.cookie")
	if err := os.WriteFile(cookiePath, d.cfg.Cookie, 0o600); err != nil {
		return "", err
	}
	var socket string
	if d.cfg.TCP {
		socket = "tcp:" + d.Addr()
	} else {
		socket = "unix:" + d.SocketPath()
	}
	body := fmt.Sprintf("[connect]\nsocket = %q\nauth = \"cookie\"\ncookie_path = %q\n", socket, cookiePath)
	path := filepath.Join(d.cfg.Dir, "connect.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", err
	}
	return "file:" + path, nil
}

// Register installs or replaces a method handler.
func (d *Daemon) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[method] = h
}

// CancelCount reports how many rpc:cancel calls the daemon has received.
func (d *Daemon) CancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

// CircuitCount reports how many distinct circuits the SOCKS listener has
// assigned.
func (d *Daemon) CircuitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.circuits)
}

// CircuitFor returns the circuit assigned to a credential pair, or zero
// when none exists. Circuits are numbered from one.
func (d *Daemon) CircuitFor(username, password string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.circuits[username+"\x00"+password]
}

// Close stops both listeners, drops every open connection, and releases
// the directory lock. It is safe to call more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for c := range d.conns {
		c.Close()
	}
	d.mu.Unlock()

	d.rpcLn.Close()
	d.socksLn.Close()
	d.wg.Wait()
	return d.lock.Unlock()
}

func (d *Daemon) registerBuiltins() {
	d.methods["echo"] = func(call Call) Outcome {
		result := call.Params
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		return Outcome{Result: result}
	}
	d.methods["veil:proxy_info"] = func(call Call) Outcome {
		if d.cfg.ProxyInfo != nil {
			return Outcome{Result: d.cfg.ProxyInfo}
		}
		return Outcome{Result: map[string]any{
			"proxies": []map[string]any{{"listen": "tcp:" + d.SocksAddr()}},
		}}
	}
	d.methods["veil:new_stream_handle"] = func(call Call) Outcome {
		d.mu.Lock()
		d.handleSeq++
		id := fmt.Sprintf("stream-%d", d.handleSeq)
		d.streams[id] = 0
		d.mu.Unlock()
		return Outcome{Result: map[string]any{"id": id}}
	}
	d.methods["veil:stream_info"] = func(call Call) Outcome {
		d.mu.Lock()
		circuit, ok := d.streams[call.Obj]
		d.mu.Unlock()
		if !ok {
			return Outcome{Err: map[string]any{
				"status":  "request-failed",
				"message": "no such stream handle",
			}}
		}
		return Outcome{Result: map[string]any{"circuit": circuit}}
	}
	d.methods["rpc:cancel"] = func(call Call) Outcome {
		d.mu.Lock()
		d.cancels++
		d.mu.Unlock()
		return Outcome{Result: map[string]any{}}
	}
}

func (d *Daemon) track(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.conns[conn] = struct{}{}
	return true
}

func (d *Daemon) untrack(conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
	conn.Close()
}

func (d *Daemon) acceptRPC() {
	defer d.wg.Done()
	for {
		conn, err := d.rpcLn.Accept()
		if err != nil {
			return
		}
		if !d.track(conn) {
			conn.Close()
			return
		}
		d.wg.Add(1)
		go d.serveRPC(conn)
	}
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Obj    string          `json:"obj"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcConn serializes response writes from concurrent handler goroutines.
type rpcConn struct {
	mu  sync.Mutex
	w   *bufio.Writer
	err error
}

func (c *rpcConn) writeFrame(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic("mockdaemon: unencodable response frame: " + err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if _, c.err = c.w.Write(append(data, '\n')); c.err == nil {
		c.err = c.w.Flush()
	}
}

func (d *Daemon) serveRPC(conn net.Conn) {
	defer d.wg.Done()
	defer d.untrack(conn)

	out := &rpcConn{w: bufio.NewWriter(conn)}
	dec := json.NewDecoder(conn)
	authed := false
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Debug("rpc connection read failed", logging.Error(err))
			}
			return
		}
		if !authed {
			if !d.handleAuth(out, req) {
				return
			}
			authed = true
			continue
		}
		d.mu.Lock()
		h, ok := d.methods[req.Method]
		d.mu.Unlock()
		if !ok {
			out.writeFrame(map[string]any{
				"id": req.ID,
				"error": map[string]any{
					"status":  "invalid-method",
					"code":    -32601,
					"message": "no such method: " + req.Method,
				},
			})
			continue
		}
		handlers.Add(1)
		go func(req rpcRequest) {
			defer handlers.Done()
			d.answer(out, req, h(Call{Obj: req.Obj, Method: req.Method, Params: req.Params}))
		}(req)
	}
}

func (d *Daemon) handleAuth(out *rpcConn, req rpcRequest) bool {
	var params struct {
		Scheme string `json:"scheme"`
		Cookie string `json:"cookie"`
	}
	ok := req.Method == "auth:authenticate" && req.Obj == "connection" &&
		json.Unmarshal(req.Params, &params) == nil
	if ok {
		if len(d.cfg.Cookie) > 0 {
			ok = params.Scheme == "auth:cookie" &&
				params.Cookie == hex.EncodeToString(d.cfg.Cookie)
		} else {
			ok = params.Scheme == "inherent:unix_path"
		}
	}
	if !ok {
		out.writeFrame(map[string]any{
			"id": req.ID,
			"error": map[string]any{
				"status":  "not-authorized",
				"message": "authentication rejected",
			},
		})
		return false
	}
	out.writeFrame(map[string]any{
		"id":     req.ID,
		"result": map[string]any{"session": d.cfg.SessionID},
	})
	return true
}

func (d *Daemon) answer(out *rpcConn, req rpcRequest, outcome Outcome) {
	for _, update := range outcome.Updates {
		out.writeFrame(map[string]any{"id": req.ID, "update": update})
	}
	if outcome.Frame != nil {
		frame := make(map[string]any, len(outcome.Frame)+1)
		for k, v := range outcome.Frame {
			frame[k] = v
		}
		if _, ok := frame["id"]; !ok {
			frame["id"] = req.ID
		}
		out.writeFrame(frame)
		if outcome.Err == nil && outcome.Result == nil {
			return
		}
	}
	if outcome.Err != nil {
		out.writeFrame(map[string]any{"id": req.ID, "error": outcome.Err})
		return
	}
	result := outcome.Result
	if result == nil {
		result = map[string]any{}
	}
	out.writeFrame(map[string]any{"id": req.ID, "result": result})
}
