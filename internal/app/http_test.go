package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"atelier/api/internal/auth"
	"atelier/api/internal/store"
	"atelier/api/internal/ws"
)

func newTestServer(st *fakeStore) *httptest.Server {
	svc := newTestService(st, &fakeHub{}, &fakeRelay{})
	httpServer := NewHTTPServer(svc, ws.NewRegistry(), "*")
	return httptest.NewServer(httpServer.Handler())
}

func issueTestToken(t *testing.T, claim auth.Claim) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, claim, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func knownUserStore() *fakeStore {
	return &fakeStore{
		getUserBySubjectFn: func(_ context.Context, subjectID string) (store.User, error) {
			switch subjectID {
			case "sub-1":
				return store.User{ID: "usr_1", SubjectID: subjectID, Email: "jane@example.com", DisplayName: "Jane Doe", Role: "user"}, nil
			case "sub-admin":
				return store.User{ID: "usr_admin", SubjectID: subjectID, Email: "boss@example.com", DisplayName: "Boss", Role: "admin"}, nil
			}
			return store.User{}, store.ErrNotFound
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok true, got %v", payload)
	}
}

func TestChatRoutesRequireBearer(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/chat/threads", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %v", payload)
	}
}

func TestChatRoutesRejectGarbageToken(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, _ := doRequest(t, http.MethodGet, server.URL+"/api/chat/threads", "garbage", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestListThreadsOverHTTP(t *testing.T) {
	st := knownUserStore()
	st.listByUserFn = func(_ context.Context, userID string) ([]store.ChatThread, error) {
		return []store.ChatThread{ownThread()}, nil
	}
	server := newTestServer(st)
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-1"})
	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/chat/threads", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	threads := payload["threads"].([]any)
	if len(threads) != 1 {
		t.Fatalf("expected one thread, got %d", len(threads))
	}
}

func TestCreateThreadAdminGets400(t *testing.T) {
	server := newTestServer(knownUserStore())
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-admin", Role: "admin"})
	resp, payload := doRequest(t, http.MethodPost, server.URL+"/api/chat/thread", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if payload["code"] != "INVALID_ROLE" {
		t.Errorf("expected INVALID_ROLE, got %v", payload)
	}
}

func TestFetchThreadRejectsBadBefore(t *testing.T) {
	st := knownUserStore()
	st.getThreadFn = func(_ context.Context, threadID string) (store.ChatThread, error) {
		return ownThread(), nil
	}
	server := newTestServer(st)
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-1"})
	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/chat/thread/thr_1?before=yesterday", token, "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", payload)
	}
}

func TestFetchThreadAcceptsZonelessBefore(t *testing.T) {
	var gotBefore *time.Time
	st := knownUserStore()
	st.getThreadFn = func(_ context.Context, threadID string) (store.ChatThread, error) {
		return ownThread(), nil
	}
	st.listMessagesFn = func(_ context.Context, threadID string, before *time.Time, limit int) ([]store.Message, error) {
		gotBefore = before
		return nil, nil
	}
	server := newTestServer(st)
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-1"})
	resp, _ := doRequest(t, http.MethodGet, server.URL+"/api/chat/thread/thr_1?before=2026-08-30T12:00:00", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotBefore == nil || gotBefore.Hour() != 12 {
		t.Errorf("expected parsed cutoff, got %v", gotBefore)
	}
}

func TestPostMessageOverHTTP(t *testing.T) {
	st := knownUserStore()
	st.getThreadFn = func(_ context.Context, threadID string) (store.ChatThread, error) {
		return ownThread(), nil
	}
	server := newTestServer(st)
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-1"})
	resp, payload := doRequest(t, http.MethodPost, server.URL+"/api/chat/thread/thr_1/message", token,
		`{"content":"Is the jacket ready?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["status"] != "sent" || payload["thread_id"] != "thr_1" {
		t.Errorf("unexpected envelope %v", payload)
	}
	message := payload["message"].(map[string]any)
	if message["content"] != "Is the jacket ready?" {
		t.Errorf("unexpected message %v", message)
	}
}

func TestMissingThreadIs404(t *testing.T) {
	st := knownUserStore()
	st.getThreadFn = func(_ context.Context, threadID string) (store.ChatThread, error) {
		return store.ChatThread{}, store.ErrNotFound
	}
	server := newTestServer(st)
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-1"})
	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/chat/thread/thr_missing", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestServer(knownUserStore())
	defer server.Close()

	token := issueTestToken(t, auth.Claim{SubjectID: "sub-1"})
	resp, _ := doRequest(t, http.MethodGet, server.URL+"/api/chat/nonsense", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOptionsPreflights(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, _ := doRequest(t, http.MethodOptions, server.URL+"/api/chat/threads", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") != "trace-123" {
		t.Errorf("expected echoed request id, got %q", resp.Header.Get("X-Request-ID"))
	}
}
