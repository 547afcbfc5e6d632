package models

import "time"

// UploadManifestEntry is one file declared by the client in an init-upload
// request. Untrusted input; never persisted.
type UploadManifestEntry struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// PendingUpload is one issued presigned upload slot. It lives only as long
// as the presigned URL does.
type PendingUpload struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	StorageKey  string `json:"storage_key"`
	UploadURL   string `json:"upload_url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// CompleteUploadEntry references a previously issued upload slot in a
// complete-upload request.
type CompleteUploadEntry struct {
	FileID      string `json:"file_id"`
	StorageKey  string `json:"storage_key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

// FileRecord is the persisted metadata document. A record exists only
// after its backing object was confirmed present in storage; Size is the
// storage-reported value, not the client's claim.
type FileRecord struct {
	FileID     string    `bson:"file_id" json:"file_id"`
	SessionID  string    `bson:"sharing_session_id" json:"sharing_session_id"`
	SenderID   string    `bson:"sender_id" json:"sender_id"`
	SenderKind string    `bson:"sender_kind" json:"sender_kind"`
	StorageKey string    `bson:"storage_key" json:"storage_key"`
	Size       int64     `bson:"size" json:"size"`
	MimeType   string    `bson:"mime_type" json:"mime_type"`
	Filename   string    `bson:"filename" json:"filename"`
	ETag       string    `bson:"etag,omitempty" json:"etag,omitempty"`
	Checksum   string    `bson:"checksum,omitempty" json:"checksum,omitempty"`
	IsDeleted  bool      `bson:"is_deleted" json:"is_deleted"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}
