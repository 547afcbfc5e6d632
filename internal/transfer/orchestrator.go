package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sharexpress/sharexpress/internal/models"
)

// Options parameterizes the transfer controller. Zero values fall back to
// the documented defaults.
type Options struct {
	MaxFileSize      int64         // per-file byte cap (20 MiB)
	MaxFiles         int           // files per request (30)
	MaxParallel      int           // concurrent storage operations (10)
	DailyQuota       int64         // bytes per sender+session per UTC day (1 GiB)
	QuotaCacheTTL    time.Duration // 300s
	BreakerThreshold int           // 5
	BreakerRecovery  time.Duration // 60s
	RetryAttempts    int           // 3
	RetryDelay       time.Duration // 500ms
	RetryBackoff     float64       // 2
	RateLimit        int           // 100
	RateWindow       time.Duration // 60s
	PresignExpiry    time.Duration // 600s
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 20 << 20
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = 30
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 10
	}
	if o.PresignExpiry <= 0 {
		o.PresignExpiry = 10 * time.Minute
	}
	return o
}

// Controller is the file transfer core: it runs the two-phase upload
// protocol against the object and document stores, shielded by the rate
// limiter, quota manager, concurrency gate, retry policy and circuit
// breaker.
type Controller struct {
	objects ObjectStore
	records RecordStore

	limiter *RateLimiter
	quota   *QuotaManager
	breaker *CircuitBreaker
	retry   *RetryPolicy
	gate    *Gate
	metrics *MetricsCollector
	limits  BatchLimits

	presignExpiry time.Duration
	log           *zap.Logger
	now           func() time.Time
}

// NewController wires the controller and its resource-protection stack.
// All shared mutable state lives in the returned instance; construct one
// per process and inject it.
func NewController(objects ObjectStore, records RecordStore, opts Options, reg prometheus.Registerer, log *zap.Logger) *Controller {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	breaker := NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerRecovery)
	breaker.ClassifyFailures(func(err error) bool {
		switch KindOf(err) {
		case KindStorageUnavailable, KindInternal:
			return err != nil
		}
		return false
	})
	breaker.OnStateChange(func(from, to BreakerState) {
		log.Warn("circuit breaker state change",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	})

	return &Controller{
		objects:       objects,
		records:       records,
		limiter:       NewRateLimiter(opts.RateLimit, opts.RateWindow),
		quota:         NewQuotaManager(records, opts.DailyQuota, opts.QuotaCacheTTL),
		breaker:       breaker,
		retry:         NewRetryPolicy(opts.RetryAttempts, opts.RetryDelay, opts.RetryBackoff),
		gate:          NewGate(opts.MaxParallel),
		metrics:       NewMetricsCollector(reg),
		limits:        BatchLimits{MaxFileSize: opts.MaxFileSize, MaxFiles: opts.MaxFiles},
		presignExpiry: opts.PresignExpiry,
		log:           log,
		now:           time.Now,
	}
}

// Metrics exposes the collector for the stats endpoint.
func (c *Controller) Metrics() *MetricsCollector { return c.metrics }

// storageCall is the protection stack around every object-store call:
// breaker outermost, retry inside it, gate tight around the I/O.
func (c *Controller) storageCall(ctx context.Context, op func(context.Context) error) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retry.Execute(ctx, func(ctx context.Context) error {
			return c.gate.Do(ctx, op)
		})
	})
}

// FileError correlates a per-file failure back to its input.
type FileError struct {
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error"`
}

// InitResult is the outcome of the init phase.
type InitResult struct {
	Issued    []models.PendingUpload `json:"files"`
	Errors    []FileError            `json:"errors,omitempty"`
	ExpiresIn int                    `json:"expires_in"`
}

// InitUpload validates the manifest as a whole, then issues one presigned
// upload URL per entry. URL-generation failures are isolated per file; the
// call fails outright only when every entry failed.
func (c *Controller) InitUpload(ctx context.Context, id Identity, manifest []models.UploadManifestEntry) (*InitResult, error) {
	if !c.limiter.Acquire(rateKey(id)) {
		return nil, E(KindRateLimited, "too many requests, slow down")
	}

	if err := c.limits.ValidateBatch(manifest); err != nil {
		return nil, err
	}

	safeNames := make([]string, len(manifest))
	var totalBytes int64
	for i, entry := range manifest {
		name, err := SanitizeFilename(entry.Filename)
		if err != nil {
			return nil, err
		}
		safeNames[i] = name
		totalBytes += entry.Size
	}

	if err := c.quota.Check(ctx, id, totalBytes); err != nil {
		return nil, err
	}

	type slot struct {
		pending models.PendingUpload
		failure *FileError
	}
	slots := make([]slot, len(manifest))

	var wg sync.WaitGroup
	for i := range manifest {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := manifest[i]
			fileID := uuid.NewString()
			key := storageKey(id.SessionID, fileID, safeNames[i])

			var uploadURL string
			err := c.storageCall(ctx, func(ctx context.Context) error {
				var perr error
				uploadURL, perr = c.objects.PresignPut(ctx, key, entry.ContentType)
				return perr
			})
			if err != nil {
				c.metrics.RecordError()
				c.log.Error("presign upload url failed",
					zap.String("filename", safeNames[i]),
					zap.String("session_id", id.SessionID),
					zap.Error(err))
				slots[i].failure = &FileError{Filename: entry.Filename, Error: ClientMessage(err)}
				return
			}
			slots[i].pending = models.PendingUpload{
				FileID:      fileID,
				Filename:    safeNames[i],
				StorageKey:  key,
				UploadURL:   uploadURL,
				Size:        entry.Size,
				ContentType: entry.ContentType,
			}
		}(i)
	}
	wg.Wait()

	result := &InitResult{ExpiresIn: int(c.presignExpiry.Seconds())}
	for _, s := range slots {
		if s.failure != nil {
			result.Errors = append(result.Errors, *s.failure)
			continue
		}
		result.Issued = append(result.Issued, s.pending)
	}

	if len(result.Issued) == 0 {
		return nil, E(KindStorageUnavailable, "failed to issue upload URLs")
	}
	return result, nil
}

// CompleteResult is the outcome of the complete phase.
type CompleteResult struct {
	Saved     int         `json:"files_saved"`
	TotalSize int64       `json:"total_size"`
	Failed    []FileError `json:"failed_files,omitempty"`
}

// CompleteUpload verifies each referenced object actually landed in
// storage, persists metadata for the verified set, and compensates by
// deleting objects whose metadata could not be persisted. One entry's
// verification failure never blocks its siblings.
func (c *Controller) CompleteUpload(ctx context.Context, id Identity, refs []models.CompleteUploadEntry) (*CompleteResult, error) {
	started := c.now()

	if len(refs) == 0 {
		return nil, E(KindValidation, "no files in request")
	}
	if len(refs) > c.limits.MaxFiles {
		return nil, E(KindValidation, "too many files: %d exceeds the limit of %d per request", len(refs), c.limits.MaxFiles)
	}

	// Let in-flight verification finish even if the caller goes away, so
	// we never leave half-created objects unaccounted for.
	opCtx := context.WithoutCancel(ctx)

	type outcome struct {
		record  models.FileRecord
		failure *FileError
	}
	outcomes := make([]outcome, len(refs))

	// Keys were derived under the caller's session during init; an entry
	// pointing anywhere else would let a caller claim, or on compensation
	// delete, another session's object.
	keyPrefix := "sessions/" + id.SessionID + "/"

	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := refs[i]

			if !strings.HasPrefix(ref.StorageKey, keyPrefix) {
				c.log.Warn("storage key outside caller session",
					zap.String("file_id", ref.FileID),
					zap.String("storage_key", ref.StorageKey),
					zap.String("session_id", id.SessionID))
				outcomes[i].failure = &FileError{FileID: ref.FileID, Filename: ref.Filename, Error: "storage key does not belong to this session"}
				return
			}

			var info ObjectInfo
			err := c.storageCall(opCtx, func(ctx context.Context) error {
				var herr error
				info, herr = c.objects.Head(ctx, ref.StorageKey)
				return herr
			})
			if err != nil {
				c.metrics.RecordError()
				c.log.Warn("upload verification failed",
					zap.String("file_id", ref.FileID),
					zap.String("storage_key", ref.StorageKey),
					zap.Error(err))
				outcomes[i].failure = &FileError{FileID: ref.FileID, Filename: ref.Filename, Error: ClientMessage(err)}
				return
			}

			now := c.now().UTC()
			outcomes[i].record = models.FileRecord{
				FileID:     ref.FileID,
				SessionID:  id.SessionID,
				SenderID:   id.SenderID,
				SenderKind: id.SenderKind,
				StorageKey: ref.StorageKey,
				Size:       info.Size, // storage-reported, not the client's claim
				MimeType:   ref.ContentType,
				Filename:   ref.Filename,
				ETag:       info.ETag,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
		}(i)
	}
	wg.Wait()

	result := &CompleteResult{}
	var verified []models.FileRecord
	for _, o := range outcomes {
		if o.failure != nil {
			result.Failed = append(result.Failed, *o.failure)
			continue
		}
		verified = append(verified, o.record)
	}

	if len(verified) == 0 {
		return result, E(KindNotFound, "no uploaded objects could be verified")
	}

	insertedIDs, insertErr := c.records.InsertMany(opCtx, verified)
	inserted := make(map[string]bool, len(insertedIDs))
	for _, fid := range insertedIDs {
		inserted[fid] = true
	}

	var committedBytes int64
	for _, rec := range verified {
		if inserted[rec.FileID] {
			result.Saved++
			committedBytes += rec.Size
			continue
		}
		// Metadata never landed: remove the orphaned object so no bytes
		// exist without a record. Best-effort.
		c.compensate(opCtx, rec.StorageKey)
		result.Failed = append(result.Failed, FileError{
			FileID:   rec.FileID,
			Filename: rec.Filename,
			Error:    "failed to save file metadata",
		})
	}
	result.TotalSize = committedBytes

	if result.Saved > 0 {
		c.quota.AddUsage(id, committedBytes)
		elapsed := c.now().Sub(started)
		for _, rec := range verified {
			if inserted[rec.FileID] {
				c.metrics.RecordUpload(rec.Size, elapsed)
			}
		}
	}

	if insertErr != nil {
		c.metrics.RecordError()
		return result, insertErr
	}
	return result, nil
}

// compensate deletes an orphaned object after a persistence failure. Its
// own failure is logged, never re-raised, so cleanup can't mask the
// original error.
func (c *Controller) compensate(ctx context.Context, key string) {
	err := c.storageCall(ctx, func(ctx context.Context) error {
		return c.objects.Delete(ctx, key)
	})
	if err != nil {
		c.log.Error("compensating object delete failed",
			zap.String("storage_key", key),
			zap.Error(err))
	}
}

// DownloadResult carries a presigned download URL.
type DownloadResult struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	ExpiresIn   int    `json:"expires_in"`
}

// DownloadURL resolves a committed file within the caller's session to a
// presigned GET URL.
func (c *Controller) DownloadURL(ctx context.Context, id Identity, fileID string) (*DownloadResult, error) {
	record, err := c.records.FindByID(ctx, fileID, id.SessionID)
	if err != nil {
		return nil, err
	}

	var downloadURL string
	err = c.storageCall(ctx, func(ctx context.Context) error {
		var perr error
		downloadURL, perr = c.objects.PresignGet(ctx, record.StorageKey)
		return perr
	})
	if err != nil {
		c.metrics.RecordError()
		return nil, err
	}

	return &DownloadResult{
		FileID:      record.FileID,
		Filename:    record.Filename,
		DownloadURL: downloadURL,
		ExpiresIn:   int(c.presignExpiry.Seconds()),
	}, nil
}

// ListSessionFiles returns the session's file records. Callers may only
// list their own session.
func (c *Controller) ListSessionFiles(ctx context.Context, id Identity, sessionID string, includeDeleted bool) ([]models.FileRecord, error) {
	if sessionID != id.SessionID {
		return nil, E(KindForbidden, "not authorized for this session")
	}
	return c.records.ListBySession(ctx, sessionID, includeDeleted)
}

// DeleteFile soft-deletes a file; only its sender may do so. With
// permanent set the backing object is removed from storage as well
// (best-effort).
func (c *Controller) DeleteFile(ctx context.Context, id Identity, fileID string, permanent bool) error {
	record, err := c.records.FindByID(ctx, fileID, id.SessionID)
	if err != nil {
		return err
	}
	if record.SenderID != id.SenderID {
		return E(KindForbidden, "only the file sender can delete files")
	}

	if permanent {
		c.compensate(context.WithoutCancel(ctx), record.StorageKey)
	}

	if _, err := c.records.SoftDeleteMany(ctx, []string{fileID}); err != nil {
		return Wrap(KindStorageUnavailable, err, "failed to delete file")
	}
	return nil
}

// Upload is the server-side path for clients that cannot use the
// presigned flow: content passes through the service, so the true MIME
// type is sniffed and a checksum recorded before the object is stored.
func (c *Controller) Upload(ctx context.Context, id Identity, filename, declaredMime string, content []byte) (models.FileRecord, error) {
	if !c.limiter.Acquire(rateKey(id)) {
		return models.FileRecord{}, E(KindRateLimited, "too many requests, slow down")
	}

	size := int64(len(content))
	if err := c.limits.ValidateBatch([]models.UploadManifestEntry{{
		Filename: filename, ContentType: declaredMime, Size: size,
	}}); err != nil {
		return models.FileRecord{}, err
	}

	safeName, err := SanitizeFilename(filename)
	if err != nil {
		return models.FileRecord{}, err
	}

	head := content
	if len(head) > 2048 {
		head = head[:2048]
	}
	actualMime, mismatch, err := SniffMIMEType(head, declaredMime)
	if err != nil {
		return models.FileRecord{}, err
	}
	if mismatch {
		c.log.Warn("declared content type does not match sniffed type",
			zap.String("filename", safeName),
			zap.String("declared", declaredMime),
			zap.String("sniffed", actualMime))
	}

	if err := c.quota.Check(ctx, id, size); err != nil {
		return models.FileRecord{}, err
	}

	fileID := uuid.NewString()
	key := storageKey(id.SessionID, fileID, safeName)
	opCtx := context.WithoutCancel(ctx)
	started := c.now()

	var info ObjectInfo
	err = c.storageCall(opCtx, func(ctx context.Context) error {
		var perr error
		info, perr = c.objects.Put(ctx, key, bytes.NewReader(content), size, actualMime)
		return perr
	})
	if err != nil {
		c.metrics.RecordError()
		return models.FileRecord{}, err
	}

	now := c.now().UTC()
	record := models.FileRecord{
		FileID:     fileID,
		SessionID:  id.SessionID,
		SenderID:   id.SenderID,
		SenderKind: id.SenderKind,
		StorageKey: key,
		Size:       info.Size,
		MimeType:   actualMime,
		Filename:   safeName,
		ETag:       info.ETag,
		Checksum:   Checksum(content),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	insertedIDs, insertErr := c.records.InsertMany(opCtx, []models.FileRecord{record})
	if len(insertedIDs) == 0 {
		c.compensate(opCtx, key)
		c.metrics.RecordError()
		if insertErr == nil {
			insertErr = E(KindStorageUnavailable, "failed to save file metadata")
		}
		return models.FileRecord{}, insertErr
	}

	c.quota.AddUsage(id, record.Size)
	c.metrics.RecordUpload(record.Size, c.now().Sub(started))
	return record, nil
}

// Health reports collaborator reachability and the breaker position.
type Health struct {
	Status         string `json:"status"`
	Database       string `json:"database"`
	Storage        string `json:"storage"`
	CircuitBreaker string `json:"circuit_breaker_state"`
	Timestamp      string `json:"timestamp"`
}

// HealthCheck probes the document and object stores.
func (c *Controller) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:         "healthy",
		Database:       "up",
		Storage:        "up",
		CircuitBreaker: string(c.breaker.State()),
		Timestamp:      c.now().UTC().Format(time.RFC3339),
	}
	if err := c.records.Ping(ctx); err != nil {
		h.Database = "down"
		h.Status = "degraded"
	}
	if _, err := c.objects.List(ctx, "", 1); err != nil {
		h.Storage = "down"
		h.Status = "degraded"
	}
	if h.CircuitBreaker == string(BreakerOpen) {
		h.Status = "degraded"
	}
	return h
}

func rateKey(id Identity) string {
	return id.SenderID + ":" + id.SessionID
}

func storageKey(sessionID, fileID, safeName string) string {
	return fmt.Sprintf("sessions/%s/%s_%s", sessionID, fileID, safeName)
}

// ClientMessage strips internals from an error before it reaches the
// response body.
func ClientMessage(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "internal error"
}
