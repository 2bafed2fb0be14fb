package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"atelier/api/internal/auth"
	"atelier/api/internal/tokens"
	"atelier/api/internal/util"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) GetUserBySubject(ctx context.Context, subjectID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, email, display_name, role, created_at
		FROM users WHERE subject_id = $1
	`, subjectID).Scan(&user.ID, &user.SubjectID, &user.Email, &user.DisplayName, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by subject: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, email, display_name, role, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.SubjectID, &user.Email, &user.DisplayName, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// InsertUser provisions a user record on first sight of a subject. A
// concurrent insert for the same subject loses the unique race and the
// winner's row is returned instead.
func (s *PostgresStore) InsertUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, subject_id, email, display_name, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO NOTHING
	`, user.ID, user.SubjectID, user.Email, user.DisplayName, user.Role)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetUserBySubject(ctx, user.SubjectID)
	}
	return s.GetUserBySubject(ctx, user.SubjectID)
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role = $2 WHERE id = $1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

// ── Threads ──

const threadColumns = `id, user_id, user_email, user_name, admin_id, created_at, updated_at`

func scanThread(row *sql.Row) (ChatThread, error) {
	var t ChatThread
	err := row.Scan(&t.ID, &t.UserID, &t.UserEmail, &t.UserName, &t.AdminID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatThread{}, ErrNotFound
	}
	if err != nil {
		return ChatThread{}, fmt.Errorf("scan thread: %w", err)
	}
	return t, nil
}

// GetOrCreateThread finds the owner's thread or creates it. The unique
// index on user_id plus ON CONFLICT DO NOTHING makes concurrent first
// contacts converge on a single row.
func (s *PostgresStore) GetOrCreateThread(ctx context.Context, owner User) (ChatThread, bool, error) {
	id := util.NewID("thr")
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_threads (id, user_id, user_email, user_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, id, owner.ID, owner.Email, owner.DisplayName)
	if err != nil {
		return ChatThread{}, false, fmt.Errorf("insert thread: %w", err)
	}
	created := false
	if n, _ := res.RowsAffected(); n > 0 {
		created = true
	}
	thread, err := scanThread(s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM chat_threads WHERE user_id = $1`, owner.ID))
	if err != nil {
		return ChatThread{}, false, err
	}
	return thread, created, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (ChatThread, error) {
	return scanThread(s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM chat_threads WHERE id = $1`, threadID))
}

func (s *PostgresStore) ListAllThreads(ctx context.Context) ([]ChatThread, error) {
	return s.listThreads(ctx, `SELECT `+threadColumns+` FROM chat_threads ORDER BY updated_at DESC`)
}

func (s *PostgresStore) ListThreadsByUser(ctx context.Context, userID string) ([]ChatThread, error) {
	return s.listThreads(ctx,
		`SELECT `+threadColumns+` FROM chat_threads WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
}

func (s *PostgresStore) listThreads(ctx context.Context, query string, args ...any) ([]ChatThread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []ChatThread
	for rows.Next() {
		var t ChatThread
		if err := rows.Scan(&t.ID, &t.UserID, &t.UserEmail, &t.UserName, &t.AdminID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ── Messages ──

// InsertMessage appends a message and its attachment copies in one
// transaction, bumping the thread's updated_at. Appends are atomic row
// inserts, so concurrent appends to one thread never clobber each other.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, thread_id, sender_id, sender_name, sender_role, content, sent_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`, msg.ID, msg.ThreadID, msg.SenderID, msg.SenderName, msg.SenderRole, msg.Content, msg.Timestamp); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert message: %w", err)
	}

	for _, file := range msg.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_message_files (message_id, file_id, filename, content_type, size, storage_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, file.FileID, file.Filename, file.ContentType, file.Size, file.StorageID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert message file: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_threads SET updated_at = $2 WHERE id = $1`, msg.ThreadID, msg.Timestamp); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// ListMessages returns the last `limit` messages strictly before the
// cutoff, in ascending timestamp order. A nil before means no cutoff; a
// limit <= 0 means no cap.
func (s *PostgresStore) ListMessages(ctx context.Context, threadID string, before *time.Time, limit int) ([]Message, error) {
	query := `
		SELECT id, thread_id, sender_id, sender_name, sender_role, content, sent_at, is_read
		FROM chat_messages WHERE thread_id = $1`
	args := []any{threadID}
	if before != nil {
		query += ` AND sent_at < $2`
		args = append(args, *before)
	}
	query += ` ORDER BY sent_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.SenderName, &m.SenderRole, &m.Content, &m.Timestamp, &m.IsRead); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// fetched newest-first; flip to ascending
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	for i := range messages {
		files, err := s.listMessageFiles(ctx, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].Files = files
	}
	return messages, nil
}

func (s *PostgresStore) listMessageFiles(ctx context.Context, messageID string) ([]FileAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, filename, content_type, size, storage_id
		FROM chat_message_files WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message files: %w", err)
	}
	defer rows.Close()

	var files []FileAttachment
	for rows.Next() {
		var f FileAttachment
		if err := rows.Scan(&f.FileID, &f.Filename, &f.ContentType, &f.Size, &f.StorageID); err != nil {
			return nil, fmt.Errorf("scan message file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// MarkMessagesRead flips unread messages not sent by the reader. The
// filter makes the transition one-way and idempotent, and keeps it from
// touching messages appended concurrently by the reader.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, threadID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET is_read = TRUE
		WHERE thread_id = $1 AND is_read = FALSE AND sender_id <> $2
	`, threadID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	flipped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return flipped, nil
}

// ── Chat files ──

func (s *PostgresStore) InsertChatFile(ctx context.Context, file ChatFile) (ChatFile, error) {
	if file.ID == "" {
		file.ID = util.NewID("file")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_files (id, filename, content_type, size, storage_id, thumbnail_id, uploaded_by, upload_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, file.ID, file.Filename, file.ContentType, file.Size, file.StorageID, file.ThumbnailID, file.UploadedBy, file.UploadDate)
	if err != nil {
		return ChatFile{}, fmt.Errorf("insert chat file: %w", err)
	}
	return file, nil
}

const chatFileColumns = `id, filename, content_type, size, storage_id, thumbnail_id, uploaded_by, upload_date`

func scanChatFile(row *sql.Row) (ChatFile, error) {
	var f ChatFile
	err := row.Scan(&f.ID, &f.Filename, &f.ContentType, &f.Size, &f.StorageID, &f.ThumbnailID, &f.UploadedBy, &f.UploadDate)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatFile{}, ErrNotFound
	}
	if err != nil {
		return ChatFile{}, fmt.Errorf("scan chat file: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) GetChatFile(ctx context.Context, fileID string) (ChatFile, error) {
	return scanChatFile(s.db.QueryRowContext(ctx,
		`SELECT `+chatFileColumns+` FROM chat_files WHERE id = $1`, fileID))
}

func (s *PostgresStore) GetChatFileByStorageID(ctx context.Context, storageID string) (ChatFile, error) {
	return scanChatFile(s.db.QueryRowContext(ctx,
		`SELECT `+chatFileColumns+` FROM chat_files WHERE storage_id = $1`, storageID))
}

func (s *PostgresStore) DeleteChatFile(ctx context.Context, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_files WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete chat file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Token records (secondary verifier, Postgres fallback when Redis is
// not configured) ──

func (s *PostgresStore) SaveToken(ctx context.Context, tokenHash string, claim auth.Claim, expiresAt time.Time) error {
	if !expiresAt.After(time.Now()) {
		return fmt.Errorf("token record already expired")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token_hash, subject_id, email, name, role, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, tokenHash, claim.SubjectID, claim.Email, claim.Name, claim.Role, expiresAt)
	if err != nil {
		return fmt.Errorf("save token record: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupToken(ctx context.Context, tokenHash string) (auth.Claim, error) {
	var claim auth.Claim
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, email, name, role, expires_at
		FROM auth_tokens WHERE token_hash = $1
	`, tokenHash).Scan(&claim.SubjectID, &claim.Email, &claim.Name, &claim.Role, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Claim{}, tokens.ErrNotFound
	}
	if err != nil {
		return auth.Claim{}, fmt.Errorf("lookup token record: %w", err)
	}
	if !expiresAt.After(time.Now()) {
		return auth.Claim{}, tokens.ErrNotFound
	}
	return claim, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("revoke token record: %w", err)
	}
	return nil
}
