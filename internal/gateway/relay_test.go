package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifyPostsEnvelope(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var envelope map[string]any
		_ = json.Unmarshal(body, &envelope)
		received <- envelope
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	relay := NewRelay(server.URL, time.Second)
	relay.Notify(map[string]string{"type": "new_message", "thread_id": "thr_1"})

	select {
	case envelope := <-received:
		if envelope["type"] != "new_message" {
			t.Errorf("expected new_message envelope, got %v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the envelope")
	}
}

func TestNotifyUnconfiguredIsNoOp(t *testing.T) {
	relay := NewRelay("", time.Second)
	if relay.IsConfigured() {
		t.Fatal("empty url should leave the relay unconfigured")
	}
	relay.Notify(map[string]string{"type": "new_message"})
}

func TestNotifyToleratesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	relay := NewRelay(server.URL, time.Second)
	// failure is logged only; nothing to assert beyond not panicking
	relay.Notify(map[string]string{"type": "new_message"})
	time.Sleep(50 * time.Millisecond)
}
