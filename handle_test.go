package veilrpc_test

import (
	"encoding/json"
	"testing"
	"time"

	"veilrpc"
	"veilrpc/internal/mockdaemon"
)

func TestHandleDeliversUpdatesThenResult(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	d.Register("mock:progress", func(call mockdaemon.Call) mockdaemon.Outcome {
		return mockdaemon.Outcome{
			Updates: []any{map[string]any{"n": 1}, map[string]any{"n": 2}},
			Result:  map[string]any{"done": true},
		}
	})
	conn := dialTestDaemon(t, d)

	handle, err := conn.Session().InvokeWithHandle("mock:progress", nil)
	if err != nil {
		t.Fatalf("InvokeWithHandle: %v", err)
	}
	defer handle.Close()

	for want := 1; want <= 2; want++ {
		kind, frame, err := handle.Wait()
		if err != nil {
			t.Fatalf("Wait #%d: %v", want, err)
		}
		if kind != veilrpc.KindUpdate {
			t.Fatalf("Wait #%d kind = %v, want %v", want, kind, veilrpc.KindUpdate)
		}
		var body struct {
			Update struct {
				N int `json:"n"`
			} `json:"update"`
		}
		if err := json.Unmarshal(frame, &body); err != nil {
			t.Fatalf("unmarshal update frame %s: %v", frame, err)
		}
		if body.Update.N != want {
			t.Fatalf("update n = %d, want %d", body.Update.N, want)
		}
	}

	kind, frame, err := handle.Wait()
	if err != nil {
		t.Fatalf("terminal Wait: %v", err)
	}
	if kind != veilrpc.KindResult {
		t.Fatalf("terminal kind = %v, want %v", kind, veilrpc.KindResult)
	}
	var body struct {
		Result struct {
			Done bool `json:"done"`
		} `json:"result"`
	}
	if err := json.Unmarshal(frame, &body); err != nil || !body.Result.Done {
		t.Fatalf("terminal frame %s, want done=true", frame)
	}

	_, _, err = handle.Wait()
	if veilrpc.StatusOf(err) != veilrpc.StatusInvalidRequest {
		t.Fatalf("Wait after terminal: status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusInvalidRequest)
	}
}

func TestHandleDeliversErrorResponse(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	d.Register("mock:fail", func(call mockdaemon.Call) mockdaemon.Outcome {
		return mockdaemon.Outcome{Err: map[string]any{
			"status":  "request-failed",
			"message": "boom",
		}}
	})
	conn := dialTestDaemon(t, d)

	handle, err := conn.Session().InvokeWithHandle("mock:fail", nil)
	if err != nil {
		t.Fatalf("InvokeWithHandle: %v", err)
	}
	defer handle.Close()

	kind, frame, err := handle.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if kind != veilrpc.KindError {
		t.Fatalf("kind = %v, want %v", kind, veilrpc.KindError)
	}
	remoteErr, err := veilrpc.RemoteError(frame)
	if err != nil {
		t.Fatalf("RemoteError: %v", err)
	}
	if remoteErr.Status != veilrpc.StatusRequestFailed {
		t.Fatalf("Status = %v, want %v", remoteErr.Status, veilrpc.StatusRequestFailed)
	}
	if remoteErr.Message != "boom" {
		t.Fatalf("Message = %q, want boom", remoteErr.Message)
	}
}

func TestHandleCloseCancelsOnce(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	release := make(chan struct{})
	defer close(release)
	d.Register("mock:block", func(call mockdaemon.Call) mockdaemon.Outcome {
		<-release
		return mockdaemon.Outcome{Result: map[string]any{}}
	})
	conn := dialTestDaemon(t, d)

	handle, err := conn.Session().InvokeWithHandle("mock:block", nil)
	if err != nil {
		t.Fatalf("InvokeWithHandle: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.CancelCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("daemon never received a cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := d.CancelCount(); got != 1 {
		t.Fatalf("CancelCount = %d, want 1", got)
	}

	_, _, err = handle.Wait()
	if veilrpc.StatusOf(err) != veilrpc.StatusInvalidRequest {
		t.Fatalf("Wait on closed handle: status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusInvalidRequest)
	}

	// The connection keeps working after the handle is gone.
	if _, err := conn.Session().Invoke("echo", nil); err != nil {
		t.Fatalf("Invoke after handle Close: %v", err)
	}
}

func TestHandleCloseAbortsBlockedWait(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	release := make(chan struct{})
	defer close(release)
	d.Register("mock:block", func(call mockdaemon.Call) mockdaemon.Outcome {
		<-release
		return mockdaemon.Outcome{Result: map[string]any{}}
	})
	conn := dialTestDaemon(t, d)

	handle, err := conn.Session().InvokeWithHandle("mock:block", nil)
	if err != nil {
		t.Fatalf("InvokeWithHandle: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, _, err := handle.Wait()
		waitErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		handle.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind the in-flight Wait")
	}
	select {
	case err := <-waitErr:
		if veilrpc.StatusOf(err) != veilrpc.StatusRequestCancelled {
			t.Fatalf("aborted Wait status = %v, want %v", veilrpc.StatusOf(err), veilrpc.StatusRequestCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not abort after Close")
	}

	// The connection is unaffected by the aborted wait.
	if _, err := conn.Session().Invoke("echo", nil); err != nil {
		t.Fatalf("Invoke after aborted wait: %v", err)
	}
}

func TestWaitAfterConnCloseRepeatsError(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	release := make(chan struct{})
	defer close(release)
	d.Register("mock:block", func(call mockdaemon.Call) mockdaemon.Outcome {
		<-release
		return mockdaemon.Outcome{Result: map[string]any{}}
	})
	conn := dialTestDaemon(t, d)

	handle, err := conn.Session().InvokeWithHandle("mock:block", nil)
	if err != nil {
		t.Fatalf("InvokeWithHandle: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, _, err := handle.Wait()
		if veilrpc.StatusOf(err) != veilrpc.StatusShuttingDown {
			t.Fatalf("Wait #%d status = %v, want %v", i+1, veilrpc.StatusOf(err), veilrpc.StatusShuttingDown)
		}
	}
}

func TestHandleCloseAfterTerminalSendsNoCancel(t *testing.T) {
	d := newTestDaemon(t, mockdaemon.Config{})
	conn := dialTestDaemon(t, d)

	handle, err := conn.Session().InvokeWithHandle("echo", nil)
	if err != nil {
		t.Fatalf("InvokeWithHandle: %v", err)
	}
	if kind, _, err := handle.Wait(); err != nil || kind != veilrpc.KindResult {
		t.Fatalf("Wait = (%v, %v), want result", kind, err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.CancelCount(); got != 0 {
		t.Fatalf("CancelCount = %d, want 0", got)
	}
}
