package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"atelier/api/internal/files"
	"atelier/api/internal/store"
	"atelier/api/internal/ws"
)

type HTTPServer struct {
	service    *Service
	registry   *ws.Registry
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, registry *ws.Registry, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		registry:   registry,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/ws/chat/") {
		s.handleChatSocket(w, r)
		return
	}

	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chat/threads" {
		payload, err := s.service.ListThreads(r.Context(), ident)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/thread" {
		payload, err := s.service.GetOrCreateThread(r.Context(), ident)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chat/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.SearchMessages(r.Context(), ident, q, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) >= 3 && parts[0] == "api" && parts[1] == "chat" && parts[2] == "thread" {
		s.handleThreadRoutes(w, r, ident, parts[3:])
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) >= 2 && parts[0] == "api" && parts[1] == "files" {
		s.handleFileRoutes(w, r, ident, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleThreadRoutes(w http.ResponseWriter, r *http.Request, ident Identity, rest []string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	threadID := rest[0]

	if len(rest) == 1 && r.Method == http.MethodGet {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		var before *time.Time
		if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
			parsed, err := parseBefore(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "before must be an RFC 3339 timestamp", nil)
				return
			}
			before = &parsed
		}
		payload, err := s.service.FetchThread(r.Context(), ident, threadID, before, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 2 && rest[1] == "read" && r.Method == http.MethodPost {
		payload, err := s.service.MarkThreadRead(r.Context(), ident, threadID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 2 && rest[1] == "message" && r.Method == http.MethodPost {
		var body struct {
			Content string      `json:"content"`
			Files   []files.Ref `json:"files"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AppendMessage(r.Context(), ident, threadID, body.Content, body.Files)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFileRoutes(w http.ResponseWriter, r *http.Request, ident Identity, rest []string) {
	if len(rest) == 1 && rest[0] == "upload" && r.Method == http.MethodPost {
		s.handleFileUpload(w, r, ident)
		return
	}

	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	fileID := rest[0]

	if len(rest) == 1 && r.Method == http.MethodGet {
		s.serveFile(w, r, fileID, false)
		return
	}

	if len(rest) == 2 && rest[1] == "thumbnail" && r.Method == http.MethodGet {
		s.serveFile(w, r, fileID, true)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.DeleteFile(r.Context(), ident, fileID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFileUpload(w http.ResponseWriter, r *http.Request, ident Identity) {
	if !s.service.FilesEnabled() {
		writeError(w, http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
		return
	}

	maxMemory := s.service.cfg.MaxFileSizeBytes
	if maxMemory <= 0 {
		maxMemory = 10 << 20
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected multipart form data", nil)
		return
	}

	var uploads []Upload
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			part, err := header.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "Unreadable file part", nil)
				return
			}
			data, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "Unreadable file part", nil)
				return
			}
			uploads = append(uploads, Upload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}

	payload, err := s.service.UploadFiles(r.Context(), ident, uploads)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) serveFile(w http.ResponseWriter, r *http.Request, fileID string, thumbnail bool) {
	fileService := s.service.FileService()
	if fileService == nil {
		writeError(w, http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
		return
	}

	var (
		file store.ChatFile
		blob io.ReadCloser
		err  error
	)
	if thumbnail {
		file, blob, err = fileService.GetThumbnail(r.Context(), fileID)
	} else {
		file, blob, err = fileService.Get(r.Context(), fileID)
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer blob.Close()

	contentType := file.ContentType
	if thumbnail {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", file.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, blob)
}

// ── WebSocket ──

// handleChatSocket upgrades /ws/chat/{user_id}. The credential arrives
// as a query parameter because browsers cannot set headers on WebSocket
// dials. A resolved identity that does not match the path, or a claimed
// admin role the store does not back, closes with policy violation.
func (s *HTTPServer) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	pathUserID := parts[2]

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	claimedRole := strings.TrimSpace(r.URL.Query().Get("role"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ident, err := s.service.ResolveIdentity(r.Context(), token)
	if err != nil {
		closeSocket(conn, "authentication failed")
		return
	}
	if ident.UserID != pathUserID {
		closeSocket(conn, "identity does not match path")
		return
	}
	if claimedRole == "admin" && !ident.IsAdmin() {
		closeSocket(conn, "admin role not granted")
		return
	}

	client := ws.NewClient(conn, ident.UserID, ident.IsAdmin())
	s.registry.Register(client)

	welcome, _ := json.Marshal(map[string]any{
		"type":    "connection_established",
		"user_id": ident.UserID,
		"role":    ident.Role,
	})
	_ = conn.WriteMessage(websocket.TextMessage, welcome)

	client.Run(s.registry)
}

func closeSocket(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}

// ── Plumbing ──

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	ident, err := s.service.ResolveIdentity(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Identity{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Identity lookup failed", nil)
		return Identity{}, false
	}
	return ident, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades need the raw ResponseWriter for hijacking
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

var beforeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseBefore accepts the timestamp shapes clients echo back from
// message payloads, with or without a zone suffix.
func parseBefore(raw string) (time.Time, error) {
	for _, format := range beforeFormats {
		if parsed, err := time.Parse(format, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
