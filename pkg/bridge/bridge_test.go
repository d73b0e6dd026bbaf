package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uaserver/uabot/pkg/agent"
	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/providers"
)

func newTestBridge(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Replies == nil {
		opts.Replies = correlator.New(correlator.Options{Timeout: 2 * time.Second, Fallback: "fallback"})
	}
	s := NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		ts.Close()
	})
	return s, ts
}

func dialWorker(t *testing.T, s *Server, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for s.Workers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestSubmit_RoundTripThroughWorker(t *testing.T) {
	t.Parallel()

	replies := correlator.New(correlator.Options{Timeout: 2 * time.Second})
	s, ts := newTestBridge(t, Options{Replies: replies})
	conn := dialWorker(t, s, ts, "")

	req := agent.GenerateRequest{
		RequestID: "req-1",
		Channel:   "telegram",
		ChatID:    "42",
		Messages:  providers.BuildMessages("", "ping"),
		Deadline:  time.UnixMilli(1_700_000_000_000),
	}
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("worker ReadJSON() error = %v", err)
	}
	if got.Type != FrameRequest || got.RequestID != "req-1" || got.ChatID != "42" || got.DeadlineMS != 1_700_000_000_000 {
		t.Fatalf("request frame = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "ping" {
		t.Fatalf("request messages = %+v", got.Messages)
	}

	if err := conn.WriteJSON(Frame{Type: FrameReply, RequestID: "req-1", ReplyText: "pong"}); err != nil {
		t.Fatalf("worker WriteJSON() error = %v", err)
	}
	if text := replies.Await(context.Background(), "req-1"); text != "pong" {
		t.Fatalf("Await() = %q, want pong", text)
	}
}

func TestWorkerErrorFrameYieldsFallback(t *testing.T) {
	t.Parallel()

	replies := correlator.New(correlator.Options{Timeout: 2 * time.Second, Fallback: "fallback"})
	s, ts := newTestBridge(t, Options{Replies: replies})
	conn := dialWorker(t, s, ts, "")

	if err := conn.WriteJSON(Frame{Type: FrameError, RequestID: "req-err", Error: "script failed"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if text := replies.Await(context.Background(), "req-err"); text != "fallback" {
		t.Fatalf("Await() = %q, want fallback", text)
	}
}

func TestSubmit_NoWorker(t *testing.T) {
	t.Parallel()

	s, _ := newTestBridge(t, Options{})
	err := s.Submit(context.Background(), agent.GenerateRequest{RequestID: "x"})
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Submit() error = %v, want ErrNoWorker", err)
	}
}

func TestHandleReply_HTTP(t *testing.T) {
	t.Parallel()

	replies := correlator.New(correlator.Options{})
	_, ts := newTestBridge(t, Options{Replies: replies, AuthToken: "secret"})

	post := func(body string, token string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/bridge/reply", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(`{"request_id":"42","reply_text":"hello"}`, ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated POST status = %d", code)
	}
	if code := post(`{"request_id":"42","reply_text":"hello"}`, "secret"); code != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", code)
	}
	if code := post(`{"request_id":"42","reply_text":"again"}`, "secret"); code != http.StatusConflict {
		t.Fatalf("duplicate POST status = %d, want 409", code)
	}
	if code := post(`{"reply_text":"no id"}`, "secret"); code != http.StatusBadRequest {
		t.Fatalf("empty id POST status = %d, want 400", code)
	}

	rec, err := replies.Wait(context.Background(), "42", time.Second)
	if err != nil || rec.ReplyText != "hello" {
		t.Fatalf("Wait() = (%+v, %v)", rec, err)
	}
}

func TestHandleWS_RequiresToken(t *testing.T) {
	t.Parallel()

	_, ts := newTestBridge(t, Options{AuthToken: "secret"})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() response = %v, want 401", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
	if err != nil {
		t.Fatalf("Dial() with token error = %v", err)
	}
	_ = conn.Close()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, ts := newTestBridge(t, Options{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["workers"] != float64(0) {
		t.Fatalf("healthz = %v", body)
	}
}

func TestWorkerDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	s, ts := newTestBridge(t, Options{})
	conn := dialWorker(t, s, ts, "")
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Workers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Workers() = %d after disconnect", s.Workers())
		}
		time.Sleep(time.Millisecond)
	}
}
