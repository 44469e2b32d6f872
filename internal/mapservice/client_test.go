package mapservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func startServer(t *testing.T, handle func(req rpcRequest) rpcResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(handle(req)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDetectFeatures(t *testing.T) {
	srv := startServer(t, func(req rpcRequest) rpcResponse {
		if req.Method != "detect_features" {
			return rpcResponse{ID: req.ID, Error: "unexpected method " + req.Method}
		}
		var params map[string]string
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcResponse{ID: req.ID, Error: err.Error()}
		}
		if params["map_key"] != "maps/plasmid/p1.dna" {
			return rpcResponse{ID: req.ID, Error: "wrong key"}
		}
		result, _ := json.Marshal(map[string]any{
			"features": []Feature{{Name: "AmpR", Start: 10, End: 870}, {Name: "ori"}},
		})
		return rpcResponse{ID: req.ID, Result: result}
	})

	client := NewWSClient(wsURL(srv))
	defer func() { _ = client.Close() }()

	features, err := client.DetectFeatures(context.Background(), "maps/plasmid/p1.dna")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(features) != 2 || features[0].Name != "AmpR" || features[1].Name != "ori" {
		t.Fatalf("unexpected features %+v", features)
	}
}

func TestRemoteErrorIsRetriedUntilSuccess(t *testing.T) {
	var calls int32
	srv := startServer(t, func(req rpcRequest) rpcResponse {
		if atomic.AddInt32(&calls, 1) < 3 {
			return rpcResponse{ID: req.ID, Error: "converter busy"}
		}
		return rpcResponse{ID: req.ID}
	})

	client := NewWSClient(wsURL(srv))
	defer func() { _ = client.Close() }()

	if err := client.GeneratePreview(context.Background(), "k", "p", RenderOptions{ShowFeatures: true}); err != nil {
		t.Fatalf("transient remote failure should be retried away: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRemoteErrorExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := startServer(t, func(req rpcRequest) rpcResponse {
		atomic.AddInt32(&calls, 1)
		return rpcResponse{ID: req.ID, Error: "corrupt map file"}
	})

	client := NewWSClient(wsURL(srv))
	defer func() { _ = client.Close() }()

	err := client.GeneratePreview(context.Background(), "k", "p", RenderOptions{ShowFeatures: true})
	if err == nil || !strings.Contains(err.Error(), "corrupt map file") {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "attempt 3") {
		t.Fatalf("error should list the final attempt: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("remote failure tried %d times, want 3", got)
	}
}

func TestTransportFailureRetriesAndAlerts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Accept the request, then hang up without answering.
		var req rpcRequest
		_ = conn.ReadJSON(&req)
		_ = conn.Close()
	}))
	defer srv.Close()

	var alerted atomic.Bool
	client := NewWSClient(wsURL(srv),
		WithCallTimeout(200*time.Millisecond),
		WithAttempts(2),
		WithAlertFunc(func(subject, body string) { alerted.Store(true) }))
	defer func() { _ = client.Close() }()

	err := client.ExportGenBank(context.Background(), "k.dna", "k.gbk")
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "attempt 1") || !strings.Contains(err.Error(), "attempt 2") {
		t.Fatalf("error should list every attempt: %v", err)
	}
	if !alerted.Load() {
		t.Fatal("alert callback not invoked")
	}
}

func TestStaleResponsesAreSkipped(t *testing.T) {
	srv := startServer(t, func(req rpcRequest) rpcResponse {
		return rpcResponse{ID: req.ID}
	})

	client := NewWSClient(wsURL(srv))
	defer func() { _ = client.Close() }()

	// Two sequential calls over the same connection must correlate by ID.
	for i := 0; i < 2; i++ {
		if err := client.ImportGenBank(context.Background(), "a.gbk", "a.dna"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}
