package veilrpc_test

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"veilrpc"
	"veilrpc/internal/mockdaemon"
)

func openTestStream(t *testing.T, conn *veilrpc.Conn, opts *veilrpc.StreamOptions) *veilrpc.Stream {
	t.Helper()
	stream, err := conn.OpenStream("example.com", 443, opts)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	t.Cleanup(func() {
		stream.Close()
	})
	return stream
}

func TestOpenStreamEchoesBytes(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	conn := dialTestDaemon(t, d)
	stream := openTestStream(t, conn, nil)

	sent := []byte("hello through the proxy")
	if _, err := stream.Write(sent); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(sent))
	if _, err := io.ReadFull(stream, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatalf("stream echoed %q, want %q", got, sent)
	}
	if stream.ObjectID() != "" {
		t.Fatalf("unregistered stream has object id %q", stream.ObjectID())
	}
	if stream.Object() != nil {
		t.Fatal("unregistered stream returned an object reference")
	}
}

func TestStreamIsolation(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	conn := dialTestDaemon(t, d)

	openTestStream(t, conn, &veilrpc.StreamOptions{Isolation: "a"})
	openTestStream(t, conn, &veilrpc.StreamOptions{Isolation: "b"})
	openTestStream(t, conn, &veilrpc.StreamOptions{Isolation: "a"})

	if got := d.CircuitCount(); got != 2 {
		t.Fatalf("CircuitCount = %d, want 2", got)
	}
	circuitA := d.CircuitFor(conn.SessionID(), "a")
	circuitB := d.CircuitFor(conn.SessionID(), "b")
	if circuitA == 0 || circuitB == 0 {
		t.Fatalf("missing circuit assignment: a=%d b=%d", circuitA, circuitB)
	}
	if circuitA == circuitB {
		t.Fatalf("isolation tags a and b share circuit %d", circuitA)
	}
}

func TestStreamRegistration(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	conn := dialTestDaemon(t, d)

	stream := openTestStream(t, conn, &veilrpc.StreamOptions{WantObjectID: true})
	if stream.ObjectID() == "" {
		t.Fatal("registered stream has no object id")
	}

	result, err := stream.Object().Invoke("veil:stream_info", nil)
	if err != nil {
		t.Fatalf("veil:stream_info: %v", err)
	}
	var info struct {
		Circuit int `json:"circuit"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		t.Fatalf("unmarshal stream info %s: %v", result, err)
	}
	if info.Circuit == 0 {
		t.Fatal("registered stream was never bound to a circuit")
	}
}

func TestOpenStreamWithoutProxies(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{
		ProxyInfo: map[string]any{"proxies": []any{}},
	})
	conn := dialTestDaemon(t, d)

	_, err := conn.OpenStream("example.com", 443, nil)
	if veilrpc.StatusOf(err) != veilrpc.StatusProtocolViolation {
		t.Fatalf("status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusProtocolViolation)
	}
}

func TestOpenStreamValidatesTarget(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	conn := dialTestDaemon(t, d)

	if _, err := conn.OpenStream("", 443, nil); veilrpc.StatusOf(err) != veilrpc.StatusInvalidRequest {
		t.Fatalf("empty host: status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusInvalidRequest)
	}
	if _, err := conn.OpenStream("example.com", 0, nil); veilrpc.StatusOf(err) != veilrpc.StatusInvalidRequest {
		t.Fatalf("port 0: status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusInvalidRequest)
	}
	if _, err := conn.OpenStream("example.com", 70000, nil); veilrpc.StatusOf(err) != veilrpc.StatusInvalidRequest {
		t.Fatalf("port 70000: status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusInvalidRequest)
	}
}
