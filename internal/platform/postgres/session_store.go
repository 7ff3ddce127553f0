package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/registrarlab/registrar-api/internal/pagination"
	"github.com/registrarlab/registrar-api/internal/store"
)

// sessionColumns is the scan order shared by every session query.
const sessionColumns = `id, session_id, endpoint, query_hash, query_params,
	current_page, items_per_page, total_items, returned_ids, is_active,
	last_accessed, expires_at, created_at`

// SessionStore implements pagination.SessionStore on PostgreSQL. Query
// params and the returned-id list are stored as jsonb.
type SessionStore struct {
	db store.DBTX
}

// NewSessionStore creates a SessionStore. db is a pooled connection or a
// caller-managed transaction.
func NewSessionStore(db store.DBTX) *SessionStore {
	return &SessionStore{db: db}
}

// Ensure SessionStore implements the pagination.SessionStore interface.
var _ pagination.SessionStore = (*SessionStore)(nil)

// FindActive returns the active session for the triple, or (nil, nil).
func (s *SessionStore) FindActive(ctx context.Context, sessionID, endpoint, queryHash string) (*pagination.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM pagination_sessions
		WHERE session_id = $1 AND endpoint = $2 AND query_hash = $3 AND is_active
		ORDER BY created_at DESC
		LIMIT 1
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, endpoint, queryHash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find session: %w", MapError(err))
	}
	return sess, nil
}

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, sess *pagination.Session) error {
	params, err := json.Marshal(sess.QueryParams)
	if err != nil {
		return fmt.Errorf("failed to encode query params: %w", err)
	}
	ids, err := json.Marshal(sess.ReturnedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode returned ids: %w", err)
	}

	query := `
		INSERT INTO pagination_sessions (id, session_id, endpoint, query_hash,
			query_params, current_page, items_per_page, total_items,
			returned_ids, is_active, last_accessed, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.SessionID, sess.Endpoint, sess.QueryHash, params,
		sess.CurrentPage, sess.ItemsPerPage, sess.TotalItems, ids,
		sess.IsActive, sess.LastAccessed, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", MapError(err))
	}
	return nil
}

// Update persists the session's mutable progress fields.
func (s *SessionStore) Update(ctx context.Context, sess *pagination.Session) error {
	ids, err := json.Marshal(sess.ReturnedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode returned ids: %w", err)
	}

	query := `
		UPDATE pagination_sessions
		SET current_page = $2, total_items = $3, returned_ids = $4,
			is_active = $5, last_accessed = $6
		WHERE id = $1
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.CurrentPage, sess.TotalItems, ids,
		sess.IsActive, sess.LastAccessed,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", MapError(err))
	}
	return nil
}

// Deactivate flips is_active off for the session id, optionally scoped to
// one endpoint. Rows are kept for the expiry sweep to remove.
func (s *SessionStore) Deactivate(ctx context.Context, sessionID, endpoint string) (int, error) {
	now := time.Now().UTC()
	var result sql.Result
	var err error

	if endpoint != "" {
		query := `
			UPDATE pagination_sessions
			SET is_active = FALSE, last_accessed = $3
			WHERE session_id = $1 AND endpoint = $2 AND is_active
		`
		result, err = s.db.ExecContext(ctx, query, sessionID, endpoint, now)
	} else {
		query := `
			UPDATE pagination_sessions
			SET is_active = FALSE, last_accessed = $2
			WHERE session_id = $1 AND is_active
		`
		result, err = s.db.ExecContext(ctx, query, sessionID, now)
	}
	if err != nil {
		return 0, MapError(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteExpired removes sessions past their expiry.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pagination_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListActive returns all active sessions for a session id.
func (s *SessionStore) ListActive(ctx context.Context, sessionID string) ([]*pagination.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM pagination_sessions
		WHERE session_id = $1 AND is_active
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*pagination.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// scanSession reads one session row in sessionColumns order.
func scanSession(row rowScanner) (*pagination.Session, error) {
	var sess pagination.Session
	var params, ids []byte

	err := row.Scan(
		&sess.ID, &sess.SessionID, &sess.Endpoint, &sess.QueryHash, &params,
		&sess.CurrentPage, &sess.ItemsPerPage, &sess.TotalItems, &ids,
		&sess.IsActive, &sess.LastAccessed, &sess.ExpiresAt, &sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &sess.QueryParams); err != nil {
			return nil, fmt.Errorf("corrupt query_params: %w", err)
		}
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &sess.ReturnedIDs); err != nil {
			return nil, fmt.Errorf("corrupt returned_ids: %w", err)
		}
	}
	if sess.ReturnedIDs == nil {
		sess.ReturnedIDs = []string{}
	}
	return &sess, nil
}
