package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSendToUnregisteredUserIsSilentNoOp(t *testing.T) {
	r := NewRegistry()
	if delivered := r.SendTo("nobody", map[string]string{"type": "new_message"}); delivered {
		t.Fatal("expected delivery to report false for unregistered user")
	}
}

func TestSendToRegisteredUser(t *testing.T) {
	r := NewRegistry()
	client := NewClient(nil, "user-1", false)
	r.Register(client)

	if delivered := r.SendTo("user-1", map[string]string{"type": "new_message"}); !delivered {
		t.Fatal("expected delivery to succeed")
	}

	select {
	case payload := <-client.send:
		var frame map[string]string
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame["type"] != "new_message" {
			t.Errorf("expected new_message frame, got %v", frame)
		}
	default:
		t.Fatal("expected payload in send channel")
	}
}

func TestBroadcastReachesOnlyAdmins(t *testing.T) {
	r := NewRegistry()
	admin1 := NewClient(nil, "admin-1", true)
	admin2 := NewClient(nil, "admin-2", true)
	user := NewClient(nil, "user-1", false)
	r.Register(admin1)
	r.Register(admin2)
	r.Register(user)

	count := r.BroadcastToAdmins(map[string]string{"type": "new_message"})
	if count != 2 {
		t.Fatalf("expected 2 deliveries, got %d", count)
	}
	if len(user.send) != 0 {
		t.Error("regular user should not receive admin broadcast")
	}
}

func TestBroadcastSkipsSlowAdmin(t *testing.T) {
	r := NewRegistry()
	slow := NewClient(nil, "admin-slow", true)
	// fill the buffer so the next enqueue fails
	for i := 0; i < sendBuffer; i++ {
		slow.send <- []byte("{}")
	}
	healthy := NewClient(nil, "admin-ok", true)
	r.Register(slow)
	r.Register(healthy)

	count := r.BroadcastToAdmins(map[string]string{"type": "new_message"})
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if r.Connected("admin-slow") {
		t.Error("slow admin channel should have been dropped")
	}
}

func TestReregisterReplacesChannel(t *testing.T) {
	r := NewRegistry()
	first := NewClient(nil, "user-1", false)
	second := NewClient(nil, "user-1", false)
	r.Register(first)
	r.Register(second)

	if !r.SendTo("user-1", map[string]string{"type": "new_message"}) {
		t.Fatal("expected delivery to succeed")
	}
	if len(first.send) != 0 {
		t.Error("stale channel should not receive payloads")
	}
	if len(second.send) != 1 {
		t.Error("replacement channel should receive the payload")
	}

	// the stale client's unregister must not evict the replacement
	r.Unregister(first)
	if !r.Connected("user-1") {
		t.Error("unregistering the stale channel evicted the live one")
	}
}

func TestUnregisterRemovesFromBothMaps(t *testing.T) {
	r := NewRegistry()
	admin := NewClient(nil, "admin-1", true)
	r.Register(admin)
	r.Unregister(admin)

	if r.Connected("admin-1") {
		t.Error("expected admin to be unregistered")
	}
	if count := r.BroadcastToAdmins(map[string]string{"type": "x"}); count != 0 {
		t.Errorf("expected no admin deliveries, got %d", count)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			c := NewClient(nil, id, n%2 == 0)
			r.Register(c)
			r.SendTo(id, map[string]string{"type": "x"})
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
}

func TestPingPongOverRealConnection(t *testing.T) {
	r := NewRegistry()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client := NewClient(conn, "user-1", false)
		r.Register(client)
		client.Run(r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var frame map[string]string
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
}
