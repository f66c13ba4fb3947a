package store

import (
	"encoding/json"
	"time"
)

type Document struct {
	ID        string
	Title     string
	BlobKey   string
	PageCount int
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SigningRequest struct {
	ID                  string
	DocumentID          string
	Title               string
	Status              string
	Sequential          bool
	AccessCodeRequired  bool
	AccessCodeHash      string
	SelfieRequired      bool
	IntentVideoRequired bool
	// Fields is the field registry JSON ([]signing.Field)
	Fields         json.RawMessage
	ExpiresAt      *time.Time
	CertificateKey string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type RecipientSession struct {
	ID                  string
	RequestID           string
	Name                string
	Email               string
	RecipientIndex      int
	Status              string
	AccessCodeVerified  bool
	SelfieVerified      bool
	SelfieKey           string
	IntentVideoCaptured bool
	IntentVideoKey      string
	DeclineReason       string
	// SubmittedValues is the final field-value payload JSON (signing.Values)
	SubmittedValues json.RawMessage
	ClientIP        string
	ViewCount       int
	CompletedAt     *time.Time
	DeclinedAt      *time.Time
	CreatedAt       time.Time
}

type Attachment struct {
	ID        string
	SessionID string
	FieldID   string
	Filename  string
	BlobKey   string
	SizeBytes int64
	CreatedAt time.Time
}

// SigningEvent is one row in the per-request audit trail. Events feed the
// analytics counters and the completion certificate.
type SigningEvent struct {
	ID        int64
	RequestID string
	SessionID string
	EventType string
	Actor     string
	Payload   map[string]any
	CreatedAt time.Time
}

// RequestSummary joins a request with its per-recipient progress for the
// dashboard list.
type RequestSummary struct {
	Request  SigningRequest
	Sessions []RecipientSession
}
