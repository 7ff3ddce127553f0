package pagination

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// paginationControlKeys are query parameters excluded from the fingerprint:
// they steer pagination rather than identify the logical query.
var paginationControlKeys = map[string]struct{}{
	"page":       {},
	"limit":      {},
	"page_size":  {},
	"session_id": {},
}

// Session is cached progress through one (session, endpoint, query) triple.
// The offset advances by counting previously returned ids, so the cursor is
// best-effort under concurrent writes to the underlying data.
type Session struct {
	ID           uuid.UUID         `json:"id"`
	SessionID    string            `json:"session_id"`
	Endpoint     string            `json:"endpoint"`
	QueryHash    string            `json:"query_hash"`
	QueryParams  map[string]string `json:"query_params,omitempty"`
	CurrentPage  int               `json:"current_page"`
	ItemsPerPage int               `json:"items_per_page"`

	// TotalItems is a best-effort estimate, never authoritative: a bounded
	// sample, plus a fixed padding when the sample hits its ceiling.
	TotalItems int `json:"total_items"`

	ReturnedIDs  []string  `json:"returned_ids"`
	IsActive     bool      `json:"is_active"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewSession builds an active session starting at page zero.
func NewSession(sessionID, endpoint, queryHash string, params map[string]string, pageSize int, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New(),
		SessionID:    sessionID,
		Endpoint:     endpoint,
		QueryHash:    queryHash,
		QueryParams:  params,
		ItemsPerPage: pageSize,
		ReturnedIDs:  []string{},
		IsActive:     true,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// QueryHash computes the stable fingerprint identifying "the same logical
// query": sha256 over the endpoint and the canonically serialized filter
// parameters, with pagination controls excluded. json.Marshal emits map keys
// in sorted order, which makes the serialization canonical.
func QueryHash(endpoint string, params map[string]string) string {
	filtered := make(map[string]string, len(params))
	for k, v := range params {
		if _, skip := paginationControlKeys[k]; skip {
			continue
		}
		filtered[k] = v
	}

	encoded, err := json.Marshal(filtered)
	if err != nil {
		encoded = []byte("{}")
	}

	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s", endpoint, encoded))
	return hex.EncodeToString(sum[:])
}

// SessionStore defines the persistence contract for pagination sessions.
type SessionStore interface {
	// FindActive returns the active session for the triple, or (nil, nil)
	// when none exists. Expired sessions are still returned; the paginator
	// decides whether to replace them.
	FindActive(ctx context.Context, sessionID, endpoint, queryHash string) (*Session, error)

	// Create inserts a new session.
	Create(ctx context.Context, session *Session) error

	// Update persists the session's mutable progress fields.
	Update(ctx context.Context, session *Session) error

	// Deactivate flips is_active off for the session id, optionally limited
	// to one endpoint. Rows are kept; only the flag changes. Returns the
	// number of sessions deactivated.
	Deactivate(ctx context.Context, sessionID, endpoint string) (int, error)

	// DeleteExpired removes sessions whose expiry has passed and returns
	// the count removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// ListActive returns all active sessions for a session id.
	ListActive(ctx context.Context, sessionID string) ([]*Session, error)
}
