package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"atelier/api/internal/config"
	"atelier/api/internal/files"
	"atelier/api/internal/search"
	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

type dataStore interface {
	GetUserBySubject(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertUser(context.Context, store.User) (store.User, error)
	UpdateUserRole(context.Context, string, string) error
	GetOrCreateThread(context.Context, store.User) (store.ChatThread, bool, error)
	GetThread(context.Context, string) (store.ChatThread, error)
	ListAllThreads(context.Context) ([]store.ChatThread, error)
	ListThreadsByUser(context.Context, string) ([]store.ChatThread, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, *time.Time, int) ([]store.Message, error)
	MarkMessagesRead(context.Context, string, string) (int64, error)
	Ping(ctx context.Context) error
}

type connectionHub interface {
	SendTo(userID string, payload any) bool
	BroadcastToAdmins(payload any) int
}

type eventRelay interface {
	Notify(envelope any)
}

type messageSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
}

const defaultMessageLimit = 30

type Service struct {
	cfg       config.Config
	store     dataStore
	verifiers []Verifier
	hub       connectionHub
	relay     eventRelay
	files     *files.Service // nil when no blob store is configured
	search    messageSearch  // nil when search is not configured
}

func New(cfg config.Config, dataStore *store.PostgresStore, verifiers []Verifier, hub connectionHub, relay eventRelay, fileService *files.Service, searchService *search.Service) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		verifiers: verifiers,
		hub:       hub,
		relay:     relay,
		files:     fileService,
	}
	if searchService != nil {
		s.search = searchService
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) FilesEnabled() bool {
	return s.files != nil
}

// ── Threads ──

// GetOrCreateThread returns the caller's thread, creating it on first
// contact. Admins respond in user threads; they never own one.
func (s *Service) GetOrCreateThread(ctx context.Context, ident Identity) (map[string]any, error) {
	if ident.IsAdmin() {
		return nil, domainError(http.StatusBadRequest, "INVALID_ROLE", "Admins do not own chat threads", nil)
	}

	owner := store.User{ID: ident.UserID, Email: ident.Email, DisplayName: ident.Name}
	thread, _, err := s.store.GetOrCreateThread(ctx, owner)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, thread.ID, nil, defaultMessageLimit)
	if err != nil {
		return nil, err
	}
	return threadPayload(thread, messagePayloads(messages)), nil
}

// ListThreads returns every thread for admins and the caller's own
// thread for everyone else.
func (s *Service) ListThreads(ctx context.Context, ident Identity) (map[string]any, error) {
	var threads []store.ChatThread
	var err error
	if ident.IsAdmin() {
		threads, err = s.store.ListAllThreads(ctx)
	} else {
		threads, err = s.store.ListThreadsByUser(ctx, ident.UserID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, threadPayload(thread, nil))
	}
	return map[string]any{"threads": items}, nil
}

// FetchThread returns a page of messages and, as a side effect, marks
// messages from the other party as read. The caller saw them by loading
// the thread.
func (s *Service) FetchThread(ctx context.Context, ident Identity, threadID string, before *time.Time, limit int) (map[string]any, error) {
	thread, err := s.authorizeThread(ctx, ident, threadID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}
	messages, err := s.store.ListMessages(ctx, threadID, before, limit)
	if err != nil {
		return nil, err
	}

	flipped, err := s.store.MarkMessagesRead(ctx, threadID, ident.UserID)
	if err != nil {
		return nil, err
	}
	if flipped > 0 {
		// reflect the flip in the page being returned
		for i := range messages {
			if messages[i].SenderID != ident.UserID {
				messages[i].IsRead = true
			}
		}
	}

	return threadPayload(thread, messagePayloads(messages)), nil
}

// MarkThreadRead flips unread messages without fetching a page.
func (s *Service) MarkThreadRead(ctx context.Context, ident Identity, threadID string) (map[string]any, error) {
	if _, err := s.authorizeThread(ctx, ident, threadID); err != nil {
		return nil, err
	}
	flipped, err := s.store.MarkMessagesRead(ctx, threadID, ident.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "marked_read": flipped}, nil
}

// AppendMessage validates, resolves file references, persists the
// message, and then notifies the other party. Persistence is the
// commit point; delivery failures never fail the append.
func (s *Service) AppendMessage(ctx context.Context, ident Identity, threadID, content string, refs []files.Ref) (map[string]any, error) {
	if strings.TrimSpace(content) == "" && len(refs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Message needs content or files", nil)
	}
	if s.cfg.MaxFilesPerMessage > 0 && len(refs) > s.cfg.MaxFilesPerMessage {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("At most %d files per message", s.cfg.MaxFilesPerMessage), nil)
	}

	thread, err := s.authorizeThread(ctx, ident, threadID)
	if err != nil {
		return nil, err
	}
	if ident.IsAdmin() {
		owner, err := s.store.GetUserByID(ctx, thread.UserID)
		if err != nil {
			return nil, err
		}
		if owner.Role == "admin" {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Admins cannot message admin-owned threads", nil)
		}
	}

	// the append must outlive the request: a sender disconnecting after
	// validation does not abort persistence
	ctx = context.WithoutCancel(ctx)

	msg := store.Message{
		ID:         util.NewID("msg"),
		ThreadID:   thread.ID,
		SenderID:   ident.UserID,
		SenderName: ident.Name,
		SenderRole: ident.Role,
		Content:    content,
		Files:      s.resolveAttachments(ctx, refs),
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:         msg.ID,
			ThreadID:   msg.ThreadID,
			SenderName: msg.SenderName,
			Content:    msg.Content,
			SentAtUnix: msg.Timestamp.Unix(),
		})
	}

	payload := messagePayload(msg)
	s.notifyNewMessage(thread, ident, payload)

	return map[string]any{
		"status":    "sent",
		"thread_id": thread.ID,
		"message":   payload,
	}, nil
}

// resolveAttachments maps client references to stored files, silently
// dropping the ones that resolve to nothing.
func (s *Service) resolveAttachments(ctx context.Context, refs []files.Ref) []store.FileAttachment {
	if s.files == nil || len(refs) == 0 {
		return nil
	}
	var attachments []store.FileAttachment
	for _, ref := range refs {
		file, ok := s.files.Resolve(ctx, ref)
		if !ok {
			continue
		}
		attachments = append(attachments, store.FileAttachment{
			FileID:      file.ID,
			Filename:    file.Filename,
			ContentType: file.ContentType,
			Size:        file.Size,
			StorageID:   file.StorageID,
		})
	}
	return attachments
}

// authorizeThread loads the thread and checks the caller may act on it:
// admins reach any user thread, users only their own.
func (s *Service) authorizeThread(ctx context.Context, ident Identity, threadID string) (store.ChatThread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.ChatThread{}, err
	}
	if ident.IsAdmin() {
		return thread, nil
	}
	if thread.UserID != ident.UserID {
		return store.ChatThread{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return thread, nil
}

// ── Search ──

// SearchMessages scopes the query to what the caller may see: admins
// search everything, users only their own thread.
func (s *Service) SearchMessages(ctx context.Context, ident Identity, text string, limit int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	q := search.Query{Text: text, Limit: limit}
	if !ident.IsAdmin() {
		threads, err := s.store.ListThreadsByUser(ctx, ident.UserID)
		if err != nil {
			return search.Response{}, err
		}
		if len(threads) == 0 {
			return search.Response{Results: []search.Result{}, Query: text}, nil
		}
		q.ThreadID = threads[0].ID
	}
	return s.search.Search(ctx, q), nil
}

// ── Files ──

// UploadFiles validates the whole batch before storing anything.
func (s *Service) UploadFiles(ctx context.Context, ident Identity, uploads []Upload) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
	}
	if len(uploads) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "No files in request", nil)
	}
	limits := s.files.Limits()
	if limits.MaxFilesPerMessage > 0 && len(uploads) > limits.MaxFilesPerMessage {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("At most %d files per upload", limits.MaxFilesPerMessage), nil)
	}
	for _, upload := range uploads {
		if limits.MaxFileSizeBytes > 0 && int64(len(upload.Data)) > limits.MaxFileSizeBytes {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("File %s exceeds the %d byte limit", upload.Filename, limits.MaxFileSizeBytes), nil)
		}
	}

	stored := make([]map[string]any, 0, len(uploads))
	for _, upload := range uploads {
		file, err := s.files.Upload(ctx, upload.Filename, upload.ContentType, upload.Data, ident.UserID)
		if err != nil {
			return nil, err
		}
		stored = append(stored, chatFilePayload(file))
	}
	return map[string]any{"files": stored}, nil
}

// Upload is one file in an upload batch.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (s *Service) FileService() *files.Service {
	return s.files
}

// DeleteFile removes a file if the caller uploaded it or is an admin.
func (s *Service) DeleteFile(ctx context.Context, ident Identity, fileID string) error {
	if s.files == nil {
		return domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
	}
	file, err := s.files.Metadata(ctx, fileID)
	if err != nil {
		return err
	}
	if file.UploadedBy != ident.UserID && !ident.IsAdmin() {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the uploader or an admin can delete a file", nil)
	}
	return s.files.Delete(ctx, fileID)
}

// ── Payload shaping ──

func threadPayload(thread store.ChatThread, messages []map[string]any) map[string]any {
	payload := map[string]any{
		"id":         thread.ID,
		"user_id":    thread.UserID,
		"user_email": thread.UserEmail,
		"user_name":  thread.UserName,
		"admin_id":   thread.AdminID,
		"created_at": thread.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": thread.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if messages != nil {
		payload["messages"] = messages
	}
	return payload
}

func messagePayloads(messages []store.Message) []map[string]any {
	payloads := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		payloads = append(payloads, messagePayload(msg))
	}
	return payloads
}

func messagePayload(msg store.Message) map[string]any {
	attachments := make([]map[string]any, 0, len(msg.Files))
	for _, file := range msg.Files {
		attachments = append(attachments, map[string]any{
			"file_id":      file.FileID,
			"filename":     file.Filename,
			"content_type": file.ContentType,
			"size":         file.Size,
			"storage_id":   file.StorageID,
		})
	}
	return map[string]any{
		"id":          msg.ID,
		"thread_id":   msg.ThreadID,
		"sender_id":   msg.SenderID,
		"sender_name": msg.SenderName,
		"sender_role": msg.SenderRole,
		"content":     msg.Content,
		"files":       attachments,
		"timestamp":   msg.Timestamp.UTC().Format(time.RFC3339Nano),
		"is_read":     msg.IsRead,
	}
}

func chatFilePayload(file store.ChatFile) map[string]any {
	return map[string]any{
		"id":            file.ID,
		"filename":      file.Filename,
		"content_type":  file.ContentType,
		"size":          file.Size,
		"storage_id":    file.StorageID,
		"has_thumbnail": file.ThumbnailID != nil,
		"uploaded_by":   file.UploadedBy,
		"upload_date":   file.UploadDate.UTC().Format(time.RFC3339Nano),
	}
}
