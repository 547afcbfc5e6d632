package db

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sharexpress/sharexpress/internal/models"
	"github.com/sharexpress/sharexpress/internal/transfer"
)

const sessionsCollection = "sharing_sessions"

// SessionStore reads sharing sessions for the token middleware.
type SessionStore struct {
	coll *mongo.Collection
}

// NewSessionStore binds the store to the sharing sessions collection.
func NewSessionStore(database *mongo.Database) *SessionStore {
	return &SessionStore{coll: database.Collection(sessionsCollection)}
}

// FindActiveByToken returns the active session carrying the given sharing
// token.
func (s *SessionStore) FindActiveByToken(ctx context.Context, token string) (models.SharingSession, error) {
	var session models.SharingSession
	err := s.coll.FindOne(ctx, bson.M{
		"sharing_token": token,
		"is_active":     true,
		"status":        "active",
	}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.SharingSession{}, transfer.E(transfer.KindNotFound, "sharing session not found or expired")
	}
	if err != nil {
		return models.SharingSession{}, transfer.Wrap(transfer.KindStorageUnavailable, err, "session lookup failed")
	}
	return session, nil
}
