package store

import "time"

type User struct {
	ID          string
	SubjectID   string
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// ChatThread is the single conversation between one customer and the
// admin pool. AdminID is a persisted placeholder and always NULL: no
// single admin owns a thread.
type ChatThread struct {
	ID        string
	UserID    string
	UserEmail string
	UserName  string
	AdminID   *string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID         string
	ThreadID   string
	SenderID   string
	SenderName string
	SenderRole string
	Content    string
	Files      []FileAttachment
	Timestamp  time.Time
	IsRead     bool
}

// FileAttachment is a denormalized copy of ChatFile metadata fixed at
// message-append time; it is not re-synced if the file record changes.
type FileAttachment struct {
	FileID      string
	Filename    string
	ContentType string
	Size        int64
	StorageID   string
}

type ChatFile struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	StorageID   string
	ThumbnailID *string
	UploadedBy  string
	UploadDate  time.Time
}
