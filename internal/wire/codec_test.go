package wire_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"

	"veilrpc/internal/wire"
)

func TestCodecWriteFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	codec := wire.NewCodec(client)
	go func() {
		codec.WriteRequest(&wire.Request{
			ID:     wire.StringID("r1"),
			Obj:    "session",
			Method: "echo",
			Params: map[string]any{"a": 1},
		})
	}()

	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	want := `{"id":"r1","obj":"session","method":"echo","params":{"a":1}}` + "\n"
	if line != want {
		t.Fatalf("frame = %q, want %q", line, want)
	}
}

func TestCodecReadResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte(`{"id":"r1","result":{"ok":true}}` + "\n"))
	}()

	codec := wire.NewCodec(client)
	resp, err := codec.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if wire.IDKey(resp.ID) != `"r1"` {
		t.Fatalf("response id = %s", resp.ID)
	}
	kind, err := resp.Kind()
	if err != nil || kind != wire.KindResult {
		t.Fatalf("Kind = (%v, %v), want result", kind, err)
	}
	if string(resp.Raw) != `{"id":"r1","result":{"ok":true}}` {
		t.Fatalf("Raw = %s", resp.Raw)
	}
}

func TestCodecReadMalformedFrame(t *testing.T) {
	cases := map[string]string{
		"not json":  "this is not json\n",
		"no id":     `{"result":{}}` + "\n",
		"array id":  `{"id":[1],"result":{}}` + "\n",
		"non frame": `"just a string"` + "\n",
	}
	for name, payload := range cases {
		client, server := net.Pipe()
		go func() {
			server.Write([]byte(payload))
			server.Close()
		}()

		codec := wire.NewCodec(client)
		_, err := codec.ReadResponse()
		var frameErr *wire.FrameError
		if !errors.As(err, &frameErr) {
			t.Errorf("%s: ReadResponse error = %v, want *FrameError", name, err)
		}
		client.Close()
	}
}

func TestCodecReadEOF(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	codec := wire.NewCodec(client)
	_, err := codec.ReadResponse()
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("ReadResponse on closed peer = %v", err)
	}
	client.Close()
}
