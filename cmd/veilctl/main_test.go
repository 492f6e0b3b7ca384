package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"veilrpc/internal/mockdaemon"
)

func startDaemon(t *testing.T) *mockdaemon.Daemon {
	t.Helper()
	d, err := mockdaemon.New(mockdaemon.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("mockdaemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionCommand(t *testing.T) {
	d := startDaemon(t)

	out, err := runCommand(t, "--connect", d.ConnectString(), "session")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if strings.TrimSpace(out) != "session-1" {
		t.Fatalf("session output = %q, want session-1", out)
	}
}

func TestSessionCommandJSON(t *testing.T) {
	d := startDaemon(t)

	out, err := runCommand(t, "--connect", d.ConnectString(), "session", "--json")
	if err != nil {
		t.Fatalf("session --json: %v", err)
	}
	var payload struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if payload.Session != "session-1" {
		t.Fatalf("session = %q, want session-1", payload.Session)
	}
}

func TestInvokeCommand(t *testing.T) {
	d := startDaemon(t)

	out, err := runCommand(t, "--connect", d.ConnectString(), "invoke", "echo", `{"x":1}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var payload struct {
		X int `json:"x"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if payload.X != 1 {
		t.Fatalf("x = %d, want 1", payload.X)
	}
}

func TestInvokeCommandWithUpdates(t *testing.T) {
	d := startDaemon(t)
	d.Register("mock:progress", func(call mockdaemon.Call) mockdaemon.Outcome {
		return mockdaemon.Outcome{
			Updates: []any{map[string]any{"n": 1}},
			Result:  map[string]any{"done": true},
		}
	})

	out, err := runCommand(t, "--connect", d.ConnectString(), "invoke", "--updates", "mock:progress")
	if err != nil {
		t.Fatalf("invoke --updates: %v", err)
	}
	if !strings.Contains(out, `"n": 1`) {
		t.Fatalf("output missing update payload:\n%s", out)
	}
	if !strings.Contains(out, `"done": true`) {
		t.Fatalf("output missing result payload:\n%s", out)
	}
}

func TestInvokeCommandRemoteError(t *testing.T) {
	d := startDaemon(t)

	_, err := runCommand(t, "--connect", d.ConnectString(), "invoke", "veil:bogus")
	if err == nil {
		t.Fatal("invoke of unknown method succeeded")
	}
	if !strings.Contains(err.Error(), "invalid-method") {
		t.Fatalf("error %q does not carry the status name", err)
	}
}

func TestProxiesCommandJSON(t *testing.T) {
	d := startDaemon(t)

	out, err := runCommand(t, "--connect", d.ConnectString(), "proxies", "--json")
	if err != nil {
		t.Fatalf("proxies --json: %v", err)
	}
	var payload struct {
		Proxies []struct {
			Listen string `json:"listen"`
		} `json:"proxies"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(payload.Proxies) != 1 || !strings.HasPrefix(payload.Proxies[0].Listen, "tcp:") {
		t.Fatalf("proxies = %+v", payload.Proxies)
	}
}

func TestProxiesCommandTable(t *testing.T) {
	d := startDaemon(t)

	out, err := runCommand(t, "--connect", d.ConnectString(), "proxies")
	if err != nil {
		t.Fatalf("proxies: %v", err)
	}
	if !strings.Contains(out, d.SocksAddr()) {
		t.Fatalf("table output missing listener address:\n%s", out)
	}
}

func TestConnectFailureMessage(t *testing.T) {
	_, err := runCommand(t, "--connect", "unix:/nonexistent/veil.sock", "session")
	if err == nil {
		t.Fatal("session against a missing socket succeeded")
	}
	if !strings.Contains(err.Error(), "verify the daemon is running") {
		t.Fatalf("error %q lacks dial guidance", err)
	}
}
