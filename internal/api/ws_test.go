// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilocode/cloudagent/internal/protocol"
	"github.com/kilocode/cloudagent/internal/session/model"
)

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestIngestToStreamFlow(t *testing.T) {
	ts, registry := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/sess_ws/executions", testAPIToken,
		map[string]any{"userId": "user_alice", "executionId": "exc_ws1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start execution status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	client := dialWS(t, wsURL(ts.URL, "/api/v1/sessions/sess_ws/stream"), testAPIToken)
	worker := dialWS(t, wsURL(ts.URL, "/api/v1/executions/exc_ws1/ingest"), testWorkerToken)

	// The subscriber attaches asynchronously; give the hub a moment before
	// the first broadcast.
	time.Sleep(100 * time.Millisecond)

	frames := []string{
		`{"streamEventType":"started","timestamp":"2026-08-26T00:00:00Z"}`,
		`plain worker output`,
		`{"streamEventType":"complete","timestamp":"2026-08-26T00:00:01Z","data":{"exitCode":0,"currentBranch":"agent/task-1"}}`,
	}
	for _, f := range frames {
		if err := worker.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("worker write: %v", err)
		}
	}

	want := []protocol.EventType{protocol.EventStarted, protocol.EventOutput, protocol.EventComplete}
	for _, wt := range want {
		ev := readEvent(t, client)
		if ev.Type != wt {
			t.Fatalf("stream event = %q, want %q", ev.Type, wt)
		}
	}

	ctx := context.Background()
	sess, err := registry.Get(ctx, "sess_ws")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	waitFor(t, func() bool {
		exec, err := sess.Execution(ctx, "exc_ws1")
		return err == nil && exec.Status == model.StatusCompleted
	})
	rec, _, err := sess.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.UpstreamBranch != "agent/task-1" {
		t.Fatalf("UpstreamBranch = %q", rec.UpstreamBranch)
	}
	if rec.ActiveExecutionID != "" {
		t.Fatalf("ActiveExecutionID = %q, want cleared", rec.ActiveExecutionID)
	}
}

func TestStreamFilter(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/sess_wf/executions", testAPIToken,
		map[string]any{"userId": "user_alice", "executionId": "exc_wf1"})
	resp.Body.Close()

	client := dialWS(t, wsURL(ts.URL, "/api/v1/sessions/sess_wf/stream?types=complete"), testAPIToken)
	worker := dialWS(t, wsURL(ts.URL, "/api/v1/executions/exc_wf1/ingest"), testWorkerToken)
	time.Sleep(100 * time.Millisecond)

	frames := []string{
		`{"streamEventType":"started","timestamp":"2026-08-26T00:00:00Z"}`,
		`noise line`,
		`{"streamEventType":"complete","timestamp":"2026-08-26T00:00:01Z","data":{"exitCode":0}}`,
	}
	for _, f := range frames {
		if err := worker.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("worker write: %v", err)
		}
	}

	ev := readEvent(t, client)
	if ev.Type != protocol.EventComplete {
		t.Fatalf("filtered stream got %q, want complete only", ev.Type)
	}
}

func TestIngestRejectsUnknownExecution(t *testing.T) {
	ts, _ := newTestServer(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testWorkerToken)
	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL, "/api/v1/executions/exc_nope/ingest"), header)
	if err == nil {
		t.Fatal("dial succeeded for unknown execution")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v, want 404", resp)
	}
	resp.Body.Close()
}

func TestIngestRejectsAPIToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/sess_wt/executions", testAPIToken,
		map[string]any{"userId": "user_alice", "executionId": "exc_wt1"})
	resp.Body.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testAPIToken)
	_, wsResp, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL, "/api/v1/executions/exc_wt1/ingest"), header)
	if err == nil {
		t.Fatal("dial succeeded with the wrong token class")
	}
	if wsResp == nil || wsResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", wsResp)
	}
	wsResp.Body.Close()
}

func TestInterruptSignalsWorker(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/sess_wk/executions", testAPIToken,
		map[string]any{"userId": "user_alice", "executionId": "exc_wk1"})
	resp.Body.Close()

	worker := dialWS(t, wsURL(ts.URL, "/api/v1/executions/exc_wk1/ingest"), testWorkerToken)
	time.Sleep(100 * time.Millisecond)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/executions/exc_wk1/interrupt", testAPIToken,
		map[string]any{"signal": "SIGKILL"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("interrupt status = %d, want 202", resp.StatusCode)
	}

	// The worker receives the advisory kill as a command frame. A ping
	// command may arrive first.
	worker.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var cmd protocol.Command
		if err := worker.ReadJSON(&cmd); err != nil {
			t.Fatalf("worker read: %v", err)
		}
		if cmd.Type == protocol.CommandPing {
			continue
		}
		if cmd.Type != protocol.CommandKill || cmd.Signal != protocol.SignalKill {
			t.Fatalf("command = %+v, want kill SIGKILL", cmd)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
