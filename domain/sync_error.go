package domain

import "time"

// SyncEventType classifies a sync failure recorded in the error ledger.
type SyncEventType string

const (
	EventUpsertFailed         SyncEventType = "upsert-failed"
	EventMissingMapping       SyncEventType = "missing-mapping"
	EventTokenInconsistency   SyncEventType = "token-inconsistency" // reserved for session/credential drift
	EventSyncFailed           SyncEventType = "sync-failed"
	EventReconciliationFailed SyncEventType = "reconciliation-failed"
)

// SyncErrorRecord is a durable diagnostic entry written whenever an identity
// sync step fails. Email and client IP are stored only as one-way hashes and
// the payload is redacted before it reaches this struct; nothing here may
// hold plaintext PII.
type SyncErrorRecord struct {
	ID           string        `bson:"_id,omitempty"`
	EventType    SyncEventType `bson:"event_type"`
	Provider     string        `bson:"provider,omitempty"`
	ExternalID   string        `bson:"external_id,omitempty"`
	EmailHash    string        `bson:"email_hash,omitempty"`
	UserID       string        `bson:"user_id,omitempty"`
	RequestPath  string        `bson:"request_path,omitempty"`
	ClientIPHash string        `bson:"client_ip_hash,omitempty"`
	Message      string        `bson:"message"`
	Payload      string        `bson:"payload,omitempty"` // redacted JSON, capped at 1KB
	ExpiresAt    time.Time     `bson:"expires_at"`        // retention boundary, creation + 90 days
	RetryCount   int           `bson:"retry_count"`
	Handled      bool          `bson:"handled"`
	Exhausted    bool          `bson:"exhausted"` // retry ceiling reached, needs operator attention
	CreatedAt    time.Time     `bson:"created_at"`
	UpdatedAt    time.Time     `bson:"updated_at"`
}

// SyncErrorStats is the operational summary of the error ledger.
type SyncErrorStats struct {
	Total     int64                   `json:"total"`
	Unhandled int64                   `json:"unhandled"`
	Exhausted int64                   `json:"exhausted"`
	Last24h   int64                   `json:"last_24h"`
	ByType    map[SyncEventType]int64 `json:"by_type"`
}
