package db

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sharexpress/sharexpress/internal/models"
	"github.com/sharexpress/sharexpress/internal/transfer"
)

const filesCollection = "files"

// FileStore implements transfer.RecordStore on a MongoDB collection.
type FileStore struct {
	coll *mongo.Collection
}

// NewFileStore binds the store to the files collection.
func NewFileStore(database *mongo.Database) *FileStore {
	return &FileStore{coll: database.Collection(filesCollection)}
}

// InsertMany persists records with ordered=false so one bad document does
// not abort the rest. On a bulk error it falls back to per-document
// inserts and reports exactly the file IDs confirmed present.
func (s *FileStore) InsertMany(ctx context.Context, records []models.FileRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = r
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.FileID
		}
		return ids, nil
	}

	// Salvage: insert one by one, counting duplicates as already persisted.
	var inserted []string
	for _, r := range records {
		_, ierr := s.coll.InsertOne(ctx, r)
		if ierr == nil || mongo.IsDuplicateKeyError(ierr) {
			inserted = append(inserted, r.FileID)
		}
	}
	if len(inserted) == len(records) {
		return inserted, nil
	}
	return inserted, transfer.Wrap(transfer.KindStorageUnavailable, err, "failed to persist file metadata")
}

// FindByID returns the non-deleted record for fileID within sessionID.
func (s *FileStore) FindByID(ctx context.Context, fileID, sessionID string) (models.FileRecord, error) {
	filter := bson.M{"file_id": fileID, "is_deleted": false}
	if sessionID != "" {
		filter["sharing_session_id"] = sessionID
	}

	var record models.FileRecord
	err := s.coll.FindOne(ctx, filter).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.FileRecord{}, transfer.E(transfer.KindNotFound, "file not found")
	}
	if err != nil {
		return models.FileRecord{}, transfer.Wrap(transfer.KindStorageUnavailable, err, "file lookup failed")
	}
	return record, nil
}

// ListBySession returns a session's records, newest first.
func (s *FileStore) ListBySession(ctx context.Context, sessionID string, includeDeleted bool) ([]models.FileRecord, error) {
	filter := bson.M{"sharing_session_id": sessionID}
	if !includeDeleted {
		filter["is_deleted"] = false
	}

	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, transfer.Wrap(transfer.KindStorageUnavailable, err, "file listing failed")
	}
	defer cursor.Close(ctx)

	var records []models.FileRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, transfer.Wrap(transfer.KindStorageUnavailable, err, "file listing failed")
	}
	return records, nil
}

// UsageSince sums sizes of the sender's non-deleted records in the session
// created at or after since.
func (s *FileStore) UsageSince(ctx context.Context, senderID, sessionID string, since time.Time) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"sender_id":          senderID,
			"sharing_session_id": sessionID,
			"is_deleted":         false,
			"created_at":         bson.M{"$gte": since},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$size"},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &result); err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, nil
	}
	return result[0].Total, nil
}

// FindOlderThan returns up to limit non-deleted records created before
// cutoff, oldest first.
func (s *FileStore) FindOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.FileRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, bson.M{
		"is_deleted": false,
		"created_at": bson.M{"$lt": cutoff},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []models.FileRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SoftDeleteMany flags the given records deleted in one batched update.
func (s *FileStore) SoftDeleteMany(ctx context.Context, fileIDs []string) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"file_id": bson.M{"$in": fileIDs}},
		bson.M{"$set": bson.M{"is_deleted": true, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// Ping verifies database connectivity.
func (s *FileStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
