package models

import "time"

// SharingSession is the persisted pairing of a sender and receiver
// identity. Established elsewhere; the transfer surface only reads it.
type SharingSession struct {
	SessionID    string    `bson:"sharing_session_id" json:"sharing_session_id"`
	SharingToken string    `bson:"sharing_token" json:"-"`
	SenderID     string    `bson:"sender_id" json:"sender_id"`
	SenderKind   string    `bson:"sender_kind" json:"sender_kind"`
	ReceiverID   string    `bson:"receiver_id" json:"receiver_id"`
	ReceiverKind string    `bson:"receiver_kind" json:"receiver_kind"`
	IsActive     bool      `bson:"is_active" json:"is_active"`
	Status       string    `bson:"status" json:"status"`
	CanDownload  bool      `bson:"can_download" json:"can_download"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt    time.Time `bson:"expires_at" json:"expires_at"`
}
