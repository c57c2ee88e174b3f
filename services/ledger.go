package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/evoke-labs/idbridge/domain"
	"golang.org/x/crypto/bcrypt"
)

const (
	// payloadMaxBytes caps the serialized diagnostic payload.
	payloadMaxBytes = 1024

	truncationMarker = `"...[truncated]"`
	redactionMarker  = "[REDACTED]"

	// retentionPeriod is how long a ledger record may be kept before the
	// housekeeping job purges it.
	retentionPeriod = 90 * 24 * time.Hour
)

// secretKeySubstrings drives payload redaction: any key whose lower-cased
// name contains one of these is replaced with the redaction marker, at every
// nesting level. "key" covers api_key/apikey, "token" covers refresh_token.
var secretKeySubstrings = []string{
	"password",
	"secret",
	"token",
	"key",
	"credential",
	"authorization",
	"cookie",
	"session",
}

// LedgerEvent is the input to ErrorLedger.Record. Email and ClientIP arrive
// in plaintext and are hashed before anything is persisted.
type LedgerEvent struct {
	Type        domain.SyncEventType
	Provider    string
	ExternalID  string
	Email       string
	UserID      string
	RequestPath string
	ClientIP    string
	Message     string
	Payload     map[string]any
}

// ErrorLedger records sync failures with PII redaction and retention
// stamping. It is the one component allowed to return errors to its callers:
// below "log the failure" there is no fallback, so a caller that opted into
// logging must learn that logging itself failed.
type ErrorLedger struct {
	repo     domain.SyncErrorRepository
	hashCost int
}

// NewErrorLedger creates an ErrorLedger. hashCost <= 0 selects
// bcrypt.DefaultCost.
func NewErrorLedger(repo domain.SyncErrorRepository, hashCost int) *ErrorLedger {
	if hashCost <= 0 {
		hashCost = bcrypt.DefaultCost
	}
	return &ErrorLedger{repo: repo, hashCost: hashCost}
}

// Record persists a SyncErrorRecord built from ev: email and client IP are
// hashed with bcrypt, the payload is redacted and capped, and the retention
// expiry is stamped. Storage failures propagate.
func (l *ErrorLedger) Record(ctx context.Context, ev LedgerEvent) (*domain.SyncErrorRecord, error) {
	rec := &domain.SyncErrorRecord{
		EventType:   ev.Type,
		Provider:    ev.Provider,
		ExternalID:  ev.ExternalID,
		UserID:      ev.UserID,
		RequestPath: ev.RequestPath,
		Message:     ev.Message,
		ExpiresAt:   time.Now().UTC().Add(retentionPeriod),
	}

	if ev.Email != "" {
		hash, err := l.hash(ev.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to hash email: %w", err)
		}
		rec.EmailHash = hash
	}
	if ev.ClientIP != "" {
		hash, err := l.hash(ev.ClientIP)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client ip: %w", err)
		}
		rec.ClientIPHash = hash
	}
	if len(ev.Payload) > 0 {
		rec.Payload = marshalCapped(redactPayload(ev.Payload))
	}

	if err := l.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist sync error record: %w", err)
	}
	return rec, nil
}

// Unhandled returns unhandled records, optionally filtered by event type.
func (l *ErrorLedger) Unhandled(ctx context.Context, eventType domain.SyncEventType, limit int) ([]*domain.SyncErrorRecord, error) {
	return l.repo.ListUnhandled(ctx, eventType, limit)
}

// Retryable returns unhandled records of eventType still under the retry
// ceiling, oldest first.
func (l *ErrorLedger) Retryable(ctx context.Context, eventType domain.SyncEventType, maxRetries, limit int) ([]*domain.SyncErrorRecord, error) {
	return l.repo.ListRetryable(ctx, eventType, maxRetries, limit)
}

// Exhausted returns records that hit the retry ceiling, optionally filtered
// by event type. They no longer appear in the unhandled or retryable sets and
// need operator intervention.
func (l *ErrorLedger) Exhausted(ctx context.Context, eventType domain.SyncEventType, limit int) ([]*domain.SyncErrorRecord, error) {
	return l.repo.ListExhausted(ctx, eventType, limit)
}

func (l *ErrorLedger) MarkHandled(ctx context.Context, id string) error {
	return l.repo.MarkHandled(ctx, id)
}

func (l *ErrorLedger) IncrementRetry(ctx context.Context, id string, exhausted bool) error {
	return l.repo.IncrementRetry(ctx, id, exhausted)
}

func (l *ErrorLedger) Stats(ctx context.Context) (*domain.SyncErrorStats, error) {
	return l.repo.Stats(ctx)
}

// hash bcrypts a SHA-256 digest of value rather than value itself: bcrypt
// rejects inputs over 72 bytes, and emails may legally run to 254.
func (l *ErrorLedger) hash(value string) (string, error) {
	digest := sha256.Sum256([]byte(value))
	hashed, err := bcrypt.GenerateFromPassword(digest[:], l.hashCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyHash reports whether hash was derived from value. The hash is one-way;
// this is the only way to correlate a stored hash with a known plaintext.
func VerifyHash(hash, value string) bool {
	digest := sha256.Sum256([]byte(value))
	return bcrypt.CompareHashAndPassword([]byte(hash), digest[:]) == nil
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range secretKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactPayload returns a copy of payload with every secret-named key
// replaced by the redaction marker, recursing into nested maps and slices.
func redactPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if isSecretKey(key) {
			out[key] = redactionMarker
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return redactPayload(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

// marshalCapped serializes the payload and enforces the hard size cap,
// appending a truncation marker when the cap is hit.
func marshalCapped(payload map[string]any) string {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	if len(serialized) <= payloadMaxBytes {
		return string(serialized)
	}
	cut := payloadMaxBytes - len(truncationMarker)
	return string(serialized[:cut]) + truncationMarker
}
