package transfer

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharexpress/sharexpress/internal/models"
)

// --- fakes ---

type fakeObjectStore struct {
	mu              sync.Mutex
	presignPutCalls int
	headCalls       int
	putCalls        int
	deleted         []string

	failPresignFor string // substring of key; "*" fails everything
	headErr        map[string]error
	headSize       int64
	deleteErr      map[string]error
	listErr        error
	putErr         error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		headErr:   map[string]error{},
		deleteErr: map[string]error{},
		headSize:  4096,
	}
}

func (f *fakeObjectStore) PresignPut(ctx context.Context, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presignPutCalls++
	if f.failPresignFor == "*" || (f.failPresignFor != "" && strings.Contains(key, f.failPresignFor)) {
		return "", E(KindStorageUnavailable, "presign failed")
	}
	return "https://storage.test/upload/" + key, nil
}

func (f *fakeObjectStore) PresignGet(ctx context.Context, key string) (string, error) {
	return "https://storage.test/download/" + key, nil
}

func (f *fakeObjectStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if err, ok := f.headErr[key]; ok {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: f.headSize, ETag: "etag-" + key}, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	if err, ok := f.deleteErr[key]; ok {
		return err
	}
	return nil
}

func (f *fakeObjectStore) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	return nil, f.listErr
}

func (f *fakeObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return ObjectInfo{}, f.putErr
	}
	return ObjectInfo{Key: key, Size: size, ETag: "etag-" + key}, nil
}

type fakeRecordStore struct {
	mu          sync.Mutex
	inserted    []models.FileRecord
	insertErr   error
	rejectAll   bool
	records     map[string]models.FileRecord
	usage       int64
	expired     []models.FileRecord
	softDeleted []string
	pingErr     error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: map[string]models.FileRecord{}}
}

func (f *fakeRecordStore) InsertMany(ctx context.Context, records []models.FileRecord) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return nil, f.insertErr
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		f.inserted = append(f.inserted, r)
		f.records[r.FileID] = r
		ids = append(ids, r.FileID)
	}
	return ids, f.insertErr
}

func (f *fakeRecordStore) FindByID(ctx context.Context, fileID, sessionID string) (models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[fileID]
	if !ok || rec.IsDeleted || (sessionID != "" && rec.SessionID != sessionID) {
		return models.FileRecord{}, E(KindNotFound, "file not found")
	}
	return rec, nil
}

func (f *fakeRecordStore) ListBySession(ctx context.Context, sessionID string, includeDeleted bool) ([]models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.FileRecord
	for _, rec := range f.records {
		if rec.SessionID != sessionID {
			continue
		}
		if rec.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRecordStore) UsageSince(ctx context.Context, senderID, sessionID string, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeRecordStore) FindOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, nil
}

func (f *fakeRecordStore) SoftDeleteMany(ctx context.Context, fileIDs []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.softDeleted = append(f.softDeleted, fileIDs...)
	for _, id := range fileIDs {
		if rec, ok := f.records[id]; ok {
			rec.IsDeleted = true
			f.records[id] = rec
		}
	}
	return int64(len(fileIDs)), nil
}

func (f *fakeRecordStore) Ping(ctx context.Context) error { return f.pingErr }

func newTestController(t *testing.T) (*Controller, *fakeObjectStore, *fakeRecordStore) {
	t.Helper()
	objects := newFakeObjectStore()
	records := newFakeRecordStore()
	ctrl := NewController(objects, records, Options{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
		PresignExpiry: 600 * time.Second,
	}, nil, nil)
	return ctrl, objects, records
}

func manifest(n int) []models.UploadManifestEntry {
	entries := make([]models.UploadManifestEntry, n)
	for i := range entries {
		entries[i] = models.UploadManifestEntry{
			Filename:    "document.pdf",
			ContentType: "application/pdf",
			Size:        1024,
		}
	}
	return entries
}

// --- init phase ---

func TestInitUploadRejectsOversizedBatch(t *testing.T) {
	ctrl, objects, _ := newTestController(t)

	result, err := ctrl.InitUpload(context.Background(), testIdentity(), manifest(31))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, objects.presignPutCalls, "no storage calls for an invalid batch")
}

func TestInitUploadIssuesPresignedURLs(t *testing.T) {
	ctrl, objects, _ := newTestController(t)
	id := testIdentity()

	result, err := ctrl.InitUpload(context.Background(), id, manifest(2))
	require.NoError(t, err)
	require.Len(t, result.Issued, 2)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 600, result.ExpiresIn)
	assert.Equal(t, 2, objects.presignPutCalls)

	seen := map[string]bool{}
	for _, issued := range result.Issued {
		assert.NotEmpty(t, issued.FileID)
		assert.False(t, seen[issued.FileID], "file identifiers must be unique")
		seen[issued.FileID] = true
		assert.Equal(t, "document.pdf", issued.Filename)
		assert.True(t, strings.HasPrefix(issued.StorageKey, "sessions/"+id.SessionID+"/"))
		assert.Contains(t, issued.UploadURL, issued.StorageKey)
	}
}

func TestInitUploadSanitizesFilenames(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	result, err := ctrl.InitUpload(context.Background(), testIdentity(), []models.UploadManifestEntry{
		{Filename: "../../etc/secret.txt", ContentType: "text/plain", Size: 10},
	})
	require.NoError(t, err)
	require.Len(t, result.Issued, 1)
	assert.Equal(t, "secret.txt", result.Issued[0].Filename)
	assert.NotContains(t, result.Issued[0].StorageKey, "..")
}

func TestInitUploadRejectsDangerousFilenameBatchWide(t *testing.T) {
	ctrl, objects, _ := newTestController(t)

	entries := manifest(2)
	entries[1].Filename = "payload.exe"

	_, err := ctrl.InitUpload(context.Background(), testIdentity(), entries)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, objects.presignPutCalls, "fail-fast, no partial issuance")
}

func TestInitUploadIsolatesPerFileFailures(t *testing.T) {
	ctrl, objects, _ := newTestController(t)
	objects.failPresignFor = "flaky.pdf"

	entries := []models.UploadManifestEntry{
		{Filename: "good.pdf", ContentType: "application/pdf", Size: 100},
		{Filename: "flaky.pdf", ContentType: "application/pdf", Size: 100},
		{Filename: "fine.pdf", ContentType: "application/pdf", Size: 100},
	}

	result, err := ctrl.InitUpload(context.Background(), testIdentity(), entries)
	require.NoError(t, err, "partial failure is not a call failure")
	assert.Len(t, result.Issued, 2)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "flaky.pdf", result.Errors[0].Filename)
}

func TestInitUploadFailsWhenAllEntriesFail(t *testing.T) {
	ctrl, objects, _ := newTestController(t)
	objects.failPresignFor = "*"

	_, err := ctrl.InitUpload(context.Background(), testIdentity(), manifest(3))
	require.Error(t, err)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
}

func TestInitUploadRateLimited(t *testing.T) {
	objects := newFakeObjectStore()
	records := newFakeRecordStore()
	ctrl := NewController(objects, records, Options{
		RateLimit:     1,
		RateWindow:    time.Minute,
		RetryAttempts: 1,
	}, nil, nil)

	_, err := ctrl.InitUpload(context.Background(), testIdentity(), manifest(1))
	require.NoError(t, err)

	_, err = ctrl.InitUpload(context.Background(), testIdentity(), manifest(1))
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestInitUploadQuotaExceeded(t *testing.T) {
	objects := newFakeObjectStore()
	records := newFakeRecordStore()
	records.usage = 900 * mib
	ctrl := NewController(objects, records, Options{
		MaxFileSize:   1 << 30,
		RetryAttempts: 1,
	}, nil, nil)

	_, err := ctrl.InitUpload(context.Background(), testIdentity(), []models.UploadManifestEntry{
		{Filename: "big.bin", ContentType: "application/octet-stream", Size: 200 * mib},
	})
	require.Error(t, err)
	assert.Equal(t, KindQuotaExceeded, KindOf(err))
	assert.Zero(t, objects.presignPutCalls)
}

// --- complete phase ---

func completeRefs(keys ...string) []models.CompleteUploadEntry {
	refs := make([]models.CompleteUploadEntry, len(keys))
	for i, key := range keys {
		refs[i] = models.CompleteUploadEntry{
			FileID:      "file-" + key,
			StorageKey:  "sessions/session-1/" + key,
			Size:        50, // client claim, must not be trusted
			ContentType: "application/pdf",
			Filename:    key + ".pdf",
		}
	}
	return refs
}

func TestCompleteUploadPartialVerification(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	objects.headErr["sessions/session-1/k2"] = E(KindNotFound, "object not found")
	objects.headErr["sessions/session-1/k4"] = E(KindNotFound, "object not found")

	result, err := ctrl.CompleteUpload(context.Background(), testIdentity(), completeRefs("k1", "k2", "k3", "k4", "k5"))
	require.NoError(t, err, "partial verification failure must not escalate")
	assert.Equal(t, 3, result.Saved)
	assert.Len(t, result.Failed, 2)
	assert.Len(t, records.inserted, 3)

	failedIDs := []string{result.Failed[0].FileID, result.Failed[1].FileID}
	assert.ElementsMatch(t, []string{"file-k2", "file-k4"}, failedIDs)
}

func TestCompleteUploadUsesStorageReportedSize(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	objects.headSize = 8192

	result, err := ctrl.CompleteUpload(context.Background(), testIdentity(), completeRefs("k1"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, int64(8192), result.TotalSize)

	require.Len(t, records.inserted, 1)
	rec := records.inserted[0]
	assert.Equal(t, int64(8192), rec.Size, "size comes from storage, not the client claim")
	assert.Equal(t, "etag-sessions/session-1/k1", rec.ETag)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, "sender-1", rec.SenderID)
}

func TestCompleteUploadCompensatesOnPersistFailure(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	records.rejectAll = true
	records.insertErr = E(KindStorageUnavailable, "bulk write failed")

	result, err := ctrl.CompleteUpload(context.Background(), testIdentity(), completeRefs("k1", "k2", "k3"))
	require.Error(t, err, "persistence failure surfaces to the caller")
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
	assert.Equal(t, 0, result.Saved)

	// Every verified-but-unpersisted object is targeted for deletion.
	assert.ElementsMatch(t, []string{
		"sessions/session-1/k1",
		"sessions/session-1/k2",
		"sessions/session-1/k3",
	}, objects.deleted)
}

func TestCompleteUploadRejectsForeignSessionKey(t *testing.T) {
	ctrl, objects, records := newTestController(t)

	refs := []models.CompleteUploadEntry{{
		FileID:      "file-x",
		StorageKey:  "sessions/other-session/victim.pdf",
		Size:        50,
		ContentType: "application/pdf",
		Filename:    "victim.pdf",
	}}

	result, err := ctrl.CompleteUpload(context.Background(), testIdentity(), refs)
	require.Error(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "file-x", result.Failed[0].FileID)
	assert.Zero(t, objects.headCalls, "foreign keys are rejected before any storage call")
	assert.Empty(t, records.inserted)
	assert.Empty(t, objects.deleted, "a foreign key must never reach the compensation path")
}

func TestCompleteUploadForeignKeyDoesNotBlockSiblings(t *testing.T) {
	ctrl, _, records := newTestController(t)

	refs := completeRefs("k1")
	refs = append(refs, models.CompleteUploadEntry{
		FileID:     "file-x",
		StorageKey: "sessions/other-session/victim.pdf",
		Filename:   "victim.pdf",
	})

	result, err := ctrl.CompleteUpload(context.Background(), testIdentity(), refs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "file-x", result.Failed[0].FileID)

	require.Len(t, records.inserted, 1)
	assert.Equal(t, "sessions/session-1/k1", records.inserted[0].StorageKey)
}

func TestCompleteUploadEmptyRequest(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	_, err := ctrl.CompleteUpload(context.Background(), testIdentity(), nil)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCompleteUploadAllVerificationsFail(t *testing.T) {
	ctrl, objects, _ := newTestController(t)
	objects.headErr["sessions/session-1/k1"] = E(KindNotFound, "object not found")
	objects.headErr["sessions/session-1/k2"] = E(KindNotFound, "object not found")

	result, err := ctrl.CompleteUpload(context.Background(), testIdentity(), completeRefs("k1", "k2"))
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, 0, result.Saved)
	assert.Len(t, result.Failed, 2)
}

func TestCompleteUploadUpdatesQuotaCacheAndMetrics(t *testing.T) {
	ctrl, objects, _ := newTestController(t)
	objects.headSize = 1000

	_, err := ctrl.CompleteUpload(context.Background(), testIdentity(), completeRefs("k1", "k2"))
	require.NoError(t, err)

	id := testIdentity()
	ctrl.quota.mu.Lock()
	entry := ctrl.quota.cache[quotaKey{senderID: id.SenderID, sessionID: id.SessionID}]
	ctrl.quota.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, int64(2000), entry.usedBytes)

	stats := ctrl.Metrics().GetStats()
	assert.Equal(t, uint64(2), stats.Uploads)
	assert.Equal(t, uint64(2000), stats.Bytes)
}

// --- direct upload, download, delete, health ---

func TestUploadDirect(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	content := []byte("plain text content for the direct path")

	record, err := ctrl.Upload(context.Background(), testIdentity(), "notes.txt", "text/plain", content)
	require.NoError(t, err)

	assert.Equal(t, 1, objects.putCalls)
	assert.Equal(t, "notes.txt", record.Filename)
	assert.Equal(t, "text/plain", record.MimeType)
	assert.Equal(t, Checksum(content), record.Checksum)
	assert.Equal(t, int64(len(content)), record.Size)
	assert.Len(t, records.inserted, 1)
}

func TestUploadDirectRejectsDisallowedContent(t *testing.T) {
	ctrl, objects, _ := newTestController(t)
	exe := append([]byte("MZ"), make([]byte, 200)...)

	_, err := ctrl.Upload(context.Background(), testIdentity(), "tool.bin", "application/octet-stream", exe)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, objects.putCalls)
}

func TestUploadDirectCompensatesOnPersistFailure(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	records.rejectAll = true
	records.insertErr = E(KindStorageUnavailable, "insert failed")

	_, err := ctrl.Upload(context.Background(), testIdentity(), "notes.txt", "text/plain", []byte("some text"))
	require.Error(t, err)
	assert.Len(t, objects.deleted, 1, "orphaned object must be cleaned up")
}

func TestDownloadURL(t *testing.T) {
	ctrl, _, records := newTestController(t)
	records.records["f1"] = models.FileRecord{
		FileID:     "f1",
		SessionID:  "session-1",
		StorageKey: "sessions/session-1/f1_doc.pdf",
		Filename:   "doc.pdf",
	}

	result, err := ctrl.DownloadURL(context.Background(), testIdentity(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", result.FileID)
	assert.Equal(t, "doc.pdf", result.Filename)
	assert.Equal(t, "https://storage.test/download/sessions/session-1/f1_doc.pdf", result.DownloadURL)
	assert.Equal(t, 600, result.ExpiresIn)
}

func TestDownloadURLNotFound(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	_, err := ctrl.DownloadURL(context.Background(), testIdentity(), "missing")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestDeleteFileSenderOnly(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	records.records["f1"] = models.FileRecord{
		FileID:     "f1",
		SessionID:  "session-1",
		SenderID:   "someone-else",
		StorageKey: "sessions/session-1/f1_doc.pdf",
	}

	err := ctrl.DeleteFile(context.Background(), testIdentity(), "f1", false)
	require.Error(t, err)
	assert.Equal(t, KindForbidden, KindOf(err))
	assert.Empty(t, records.softDeleted)
	assert.Empty(t, objects.deleted)
}

func TestDeleteFilePermanent(t *testing.T) {
	ctrl, objects, records := newTestController(t)
	records.records["f1"] = models.FileRecord{
		FileID:     "f1",
		SessionID:  "session-1",
		SenderID:   "sender-1",
		StorageKey: "sessions/session-1/f1_doc.pdf",
	}

	require.NoError(t, ctrl.DeleteFile(context.Background(), testIdentity(), "f1", true))
	assert.Equal(t, []string{"f1"}, records.softDeleted)
	assert.Equal(t, []string{"sessions/session-1/f1_doc.pdf"}, objects.deleted)
}

func TestListSessionFilesForbiddenForOtherSession(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	_, err := ctrl.ListSessionFiles(context.Background(), testIdentity(), "other-session", false)
	require.Error(t, err)
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestHealthCheckDegradesOnDatabaseFailure(t *testing.T) {
	ctrl, _, records := newTestController(t)
	records.pingErr = E(KindStorageUnavailable, "ping failed")

	health := ctrl.HealthCheck(context.Background())
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "down", health.Database)
	assert.Equal(t, "up", health.Storage)
	assert.Equal(t, string(BreakerClosed), health.CircuitBreaker)
}
