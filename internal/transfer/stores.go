package transfer

import (
	"context"
	"io"
	"time"

	"github.com/sharexpress/sharexpress/internal/models"
)

// Identity is the already-authenticated sharing-session context the
// middleware resolves. The core never establishes or validates it.
type Identity struct {
	SenderID   string
	SenderKind string // "user" or "guest-session"
	SessionID  string
}

// ObjectInfo is the object store's view of a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// ObjectStore is the presigned-URL object storage collaborator. Transient
// faults must surface as KindStorageUnavailable errors and missing objects
// as KindNotFound so the retry policy can classify them.
type ObjectStore interface {
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
}

// RecordStore is the document-store collaborator holding file metadata.
type RecordStore interface {
	// InsertMany persists records unordered, continuing past individual
	// document errors. It returns the file IDs confirmed inserted.
	InsertMany(ctx context.Context, records []models.FileRecord) ([]string, error)
	FindByID(ctx context.Context, fileID, sessionID string) (models.FileRecord, error)
	ListBySession(ctx context.Context, sessionID string, includeDeleted bool) ([]models.FileRecord, error)
	// UsageSince sums sizes of non-deleted records for sender+session
	// created at or after since.
	UsageSince(ctx context.Context, senderID, sessionID string, since time.Time) (int64, error)
	FindOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.FileRecord, error)
	SoftDeleteMany(ctx context.Context, fileIDs []string) (int64, error)
	Ping(ctx context.Context) error
}
