package botwire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// startEndpoint runs a fake control endpoint. handler owns the upgraded
// connection; the returned channel carries each connection's request headers.
func startEndpoint(t *testing.T, handler func(conn *websocket.Conn)) (string, <-chan http.Header) {
	t.Helper()
	headers := make(chan http.Header, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), headers
}

// echoResponder answers every request with a success response carrying the
// same echo token.
func echoResponder(echoes chan<- string) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if echoes != nil {
				echoes <- req.Echo
			}
			resp := map[string]any{
				"status":  "ok",
				"retcode": 0,
				"data":    map[string]any{"ok": true},
				"echo":    req.Echo,
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func dialTestClient(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	if cfg.EchoSeed == 0 {
		cfg.EchoSeed = 1000
	}
	client, err := Dial(context.Background(), url, cfg)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSendResolvesByEchoToken(t *testing.T) {
	echoes := make(chan string, 4)
	url, _ := startEndpoint(t, echoResponder(echoes))
	client := dialTestClient(t, url, Config{})

	resp, err := client.Send(context.Background(), "get_login_info", nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if resp.Status != "ok" || resp.Failed() {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := <-echoes; got != "repro_1000_0" {
		t.Fatalf("first echo token = %q, want repro_1000_0", got)
	}
	if n := client.pendingCount(); n != 0 {
		t.Fatalf("pending entries after resolution = %d, want 0", n)
	}

	// The counter is monotonic across calls on the same client.
	if _, err := client.Send(context.Background(), "get_version_info", nil); err != nil {
		t.Fatalf("second Send returned error: %v", err)
	}
	if got := <-echoes; got != "repro_1000_1" {
		t.Fatalf("second echo token = %q, want repro_1000_1", got)
	}
}

func TestSendTimeoutNamesActionAndToken(t *testing.T) {
	url, _ := startEndpoint(t, func(conn *websocket.Conn) {
		// Swallow requests without ever answering.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	client := dialTestClient(t, url, Config{})

	_, err := client.SendWithTimeout(context.Background(), "get_login_info", nil, 100*time.Millisecond)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if timeoutErr.Action != "get_login_info" {
		t.Fatalf("TimeoutError.Action = %q, want get_login_info", timeoutErr.Action)
	}
	if timeoutErr.Echo != "repro_1000_0" {
		t.Fatalf("TimeoutError.Echo = %q, want repro_1000_0", timeoutErr.Echo)
	}
	if !strings.Contains(err.Error(), "get_login_info") || !strings.Contains(err.Error(), "repro_1000_0") {
		t.Fatalf("error text %q should name the action and token", err.Error())
	}
	if n := client.pendingCount(); n != 0 {
		t.Fatalf("pending entries after timeout = %d, want 0", n)
	}
}

func TestMalformedFramesAreDiscarded(t *testing.T) {
	url, _ := startEndpoint(t, func(conn *websocket.Conn) {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// Garbage first; the real response must still get through.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": req.Echo})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	client := dialTestClient(t, url, Config{})

	resp, err := client.Send(context.Background(), "get_status", nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if resp.Failed() {
		t.Fatalf("unexpected failed response: %+v", resp)
	}
}

func TestEventAndUnmatchedFramesAreIgnored(t *testing.T) {
	url, _ := startEndpoint(t, func(conn *websocket.Conn) {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// An event push (no echo) and a stranger's response come first.
		_ = conn.WriteJSON(map[string]any{"post_type": "message", "raw_message": "hi"})
		_ = conn.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": "repro_9999_7"})
		_ = conn.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": req.Echo})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	client := dialTestClient(t, url, Config{})

	resp, err := client.Send(context.Background(), "get_status", nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if resp.Echo != "repro_1000_0" {
		t.Fatalf("resolved echo = %q, want repro_1000_0", resp.Echo)
	}
}

func TestDialSendsBearerHeader(t *testing.T) {
	url, headers := startEndpoint(t, echoResponder(nil))
	dialTestClient(t, url, Config{Token: "sekrit"})

	got := <-headers
	if auth := got.Get("Authorization"); auth != "Bearer sekrit" {
		t.Fatalf("Authorization header = %q, want %q", auth, "Bearer sekrit")
	}
}

func TestDialWithoutTokenOmitsHeader(t *testing.T) {
	url, headers := startEndpoint(t, echoResponder(nil))
	dialTestClient(t, url, Config{})

	got := <-headers
	if auth := got.Get("Authorization"); auth != "" {
		t.Fatalf("Authorization header = %q, want empty", auth)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	url, _ := startEndpoint(t, echoResponder(nil))
	client := dialTestClient(t, url, Config{})

	if err := client.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := client.Send(context.Background(), "get_status", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := client.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestConnectionLossFailsPendingCall(t *testing.T) {
	url, _ := startEndpoint(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.Close()
	})
	client := dialTestClient(t, url, Config{})

	start := time.Now()
	_, err := client.SendWithTimeout(context.Background(), "get_status", nil, 10*time.Second)
	if err == nil {
		t.Fatal("Send returned nil error after connection loss")
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want transport failure rather than timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Send took %v, want prompt failure on connection loss", elapsed)
	}
	if n := client.pendingCount(); n != 0 {
		t.Fatalf("pending entries after connection loss = %d, want 0", n)
	}
}

func TestDialRejectsEmptyURL(t *testing.T) {
	if _, err := Dial(context.Background(), "   ", Config{}); err == nil {
		t.Fatal("Dial accepted an empty url")
	}
}

func TestResponseFailed(t *testing.T) {
	tests := []struct {
		status  string
		retcode int
		want    bool
	}{
		{"ok", 0, false},
		{"OK", 0, false},
		{"failed", 100, true},
		{"failed", 0, true},
		{"ok", 1, true},
		{"async", 1, true},
	}
	for _, tt := range tests {
		resp := &Response{Status: tt.status, RetCode: tt.retcode}
		if got := resp.Failed(); got != tt.want {
			t.Fatalf("Failed() with status=%q retcode=%d = %v, want %v", tt.status, tt.retcode, got, tt.want)
		}
	}
}
