package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config holds tunables for the smart paginator.
type Config struct {
	// SessionTTL is how long a session stays usable after creation.
	SessionTTL time.Duration

	// DefaultPageSize applies when a request does not specify one.
	DefaultPageSize int

	// SampleCeiling bounds the probe used to estimate totals. A sample
	// smaller than the ceiling is taken as the true total.
	SampleCeiling int

	// SamplePadding is added to the sample when the ceiling is hit, making
	// the estimate explicitly inexact rather than pretending to be a count.
	SamplePadding int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:      24 * time.Hour,
		DefaultPageSize: 20,
		SampleCeiling:   1000,
		SamplePadding:   100,
	}
}

// QueryFunc fetches one slice of the underlying data. Each list endpoint
// supplies its own closure; the paginator only decides offset and limit.
type QueryFunc func(ctx context.Context, offset, limit int) ([]any, error)

// Identifiable lets typed items expose the id the paginator records.
type Identifiable interface {
	ItemID() string
}

// Request describes one page fetch.
type Request struct {
	SessionID string
	Endpoint  string
	Params    map[string]string
	PageSize  int
	Query     QueryFunc
}

// Metadata is the bookkeeping returned alongside every page.
type Metadata struct {
	SessionID       string  `json:"session_id"`
	Endpoint        string  `json:"endpoint"`
	CurrentPage     int     `json:"current_page"`
	ItemsPerPage    int     `json:"items_per_page"`
	ItemsInPage     int     `json:"items_in_page"`
	TotalReturned   int     `json:"total_items_returned"`
	EstimatedTotal  int     `json:"estimated_total_items"`
	HasMorePages    bool    `json:"has_more_pages"`
	ProgressPercent float64 `json:"progress_percentage"`

	// Degraded is set when the paginator fell back to a plain first-page
	// fetch because session bookkeeping failed.
	Degraded bool `json:"degraded,omitempty"`
}

// Page is one slice of results plus its metadata.
type Page struct {
	Items    []any    `json:"items"`
	Metadata Metadata `json:"metadata"`
}

// Paginator implements the session-scoped incremental cursor shared by all
// list endpoints. The cursor advances by counting previously returned items
// and re-querying at that numeric offset; ids are recorded for bookkeeping
// only, never used to filter. Under concurrent inserts or deletes rows can
// be skipped or repeated — the guarantee is eventual consistency, not
// linearizability.
type Paginator struct {
	store  SessionStore
	cfg    Config
	logger *slog.Logger
}

// New creates a paginator backed by the given session store.
func New(store SessionStore, cfg Config, logger *slog.Logger) *Paginator {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.SampleCeiling <= 0 {
		cfg.SampleCeiling = def.SampleCeiling
	}
	if cfg.SamplePadding <= 0 {
		cfg.SamplePadding = def.SamplePadding
	}
	return &Paginator{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "paginator"),
	}
}

// GetNextPage returns the next slice for the request's session. Internal
// failures degrade to a single unpaginated first-page fetch with Degraded
// metadata; an error is returned only when even the fallback query fails.
func (p *Paginator) GetNextPage(ctx context.Context, req Request) (*Page, error) {
	if req.Query == nil {
		return nil, fmt.Errorf("pagination request requires a query function")
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = p.cfg.DefaultPageSize
	}

	page, err := p.nextPage(ctx, req, pageSize)
	if err == nil {
		return page, nil
	}

	p.logger.Warn("smart pagination failed, serving fallback page",
		"session_id", req.SessionID,
		"endpoint", req.Endpoint,
		"error", err)
	return p.fallbackPage(ctx, req, pageSize)
}

func (p *Paginator) nextPage(ctx context.Context, req Request, pageSize int) (*Page, error) {
	session, err := p.getOrCreateSession(ctx, req, pageSize)
	if err != nil {
		return nil, err
	}

	offset := len(session.ReturnedIDs)
	items, err := req.Query(ctx, offset, session.ItemsPerPage)
	if err != nil {
		return nil, fmt.Errorf("query function failed: %w", err)
	}

	// Every served item advances the offset; the id itself is bookkeeping.
	// An item without an extractable id is recorded as an empty entry so
	// the next offset stays aligned with what the caller has seen.
	for _, item := range items {
		id, _ := extractItemID(item)
		session.ReturnedIDs = append(session.ReturnedIDs, id)
	}
	session.CurrentPage++
	session.LastAccessed = time.Now().UTC()

	if session.TotalItems == 0 {
		session.TotalItems = p.estimateTotal(ctx, req, offset+len(items))
	}

	if err := p.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session progress: %w", err)
	}

	totalReturned := len(session.ReturnedIDs)
	var progress float64
	if session.TotalItems > 0 {
		progress = float64(totalReturned) / float64(session.TotalItems) * 100
		if progress > 100 {
			progress = 100
		}
	}

	return &Page{
		Items: items,
		Metadata: Metadata{
			SessionID:       req.SessionID,
			Endpoint:        req.Endpoint,
			CurrentPage:     session.CurrentPage,
			ItemsPerPage:    session.ItemsPerPage,
			ItemsInPage:     len(items),
			TotalReturned:   totalReturned,
			EstimatedTotal:  session.TotalItems,
			HasMorePages:    len(items) == session.ItemsPerPage,
			ProgressPercent: progress,
		},
	}, nil
}

// getOrCreateSession continues an unexpired session for the triple or
// replaces a stale one. Replaced sessions are deactivated, never deleted
// here; the expiry sweep removes rows.
func (p *Paginator) getOrCreateSession(ctx context.Context, req Request, pageSize int) (*Session, error) {
	queryHash := QueryHash(req.Endpoint, req.Params)
	now := time.Now().UTC()

	existing, err := p.store.FindActive(ctx, req.SessionID, req.Endpoint, queryHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	if existing != nil && !existing.IsExpired(now) {
		existing.LastAccessed = now
		if err := p.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to refresh session: %w", err)
		}
		return existing, nil
	}

	if existing != nil {
		existing.IsActive = false
		if err := p.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to deactivate expired session: %w", err)
		}
	}

	session := NewSession(req.SessionID, req.Endpoint, queryHash, req.Params, pageSize, p.cfg.SessionTTL)
	if err := p.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	p.logger.Debug("pagination session created",
		"session_id", req.SessionID,
		"endpoint", req.Endpoint,
		"query_hash", queryHash[:8])
	return session, nil
}

// estimateTotal probes up to the sample ceiling. A short sample is the true
// total; a full sample means "more than we counted", reported as sample plus
// a fixed padding. Probe failures fall back to what has been seen so far.
func (p *Paginator) estimateTotal(ctx context.Context, req Request, seen int) int {
	sample, err := req.Query(ctx, 0, p.cfg.SampleCeiling)
	if err != nil {
		p.logger.Warn("total estimation probe failed",
			"endpoint", req.Endpoint, "error", err)
		return seen
	}
	if len(sample) < p.cfg.SampleCeiling {
		return len(sample)
	}
	return len(sample) + p.cfg.SamplePadding
}

// fallbackPage serves offset zero without touching session state.
func (p *Paginator) fallbackPage(ctx context.Context, req Request, pageSize int) (*Page, error) {
	items, err := req.Query(ctx, 0, pageSize)
	if err != nil {
		return nil, fmt.Errorf("fallback query failed: %w", err)
	}
	return &Page{
		Items: items,
		Metadata: Metadata{
			SessionID:       req.SessionID,
			Endpoint:        req.Endpoint,
			CurrentPage:     1,
			ItemsPerPage:    pageSize,
			ItemsInPage:     len(items),
			TotalReturned:   len(items),
			EstimatedTotal:  len(items),
			HasMorePages:    false,
			ProgressPercent: 100,
			Degraded:        true,
		},
	}, nil
}

// ResetSession deactivates the caller's sessions, optionally scoped to one
// endpoint. Idempotent: a second call finds nothing active and returns false.
func (p *Paginator) ResetSession(ctx context.Context, sessionID, endpoint string) (bool, error) {
	n, err := p.store.Deactivate(ctx, sessionID, endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to reset sessions: %w", err)
	}
	if n > 0 {
		p.logger.Info("pagination sessions reset",
			"session_id", sessionID, "count", n)
	}
	return n > 0, nil
}

// CleanupExpired deletes sessions past their expiry and returns the count.
func (p *Paginator) CleanupExpired(ctx context.Context) (int, error) {
	n, err := p.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	if n > 0 {
		p.logger.Info("expired pagination sessions removed", "count", n)
	}
	return n, nil
}

// SessionInfo summarizes one active session for the inspection endpoint.
type SessionInfo struct {
	Endpoint        string    `json:"endpoint"`
	CurrentPage     int       `json:"current_page"`
	ItemsPerPage    int       `json:"items_per_page"`
	EstimatedTotal  int       `json:"estimated_total_items"`
	ItemsReturned   int       `json:"items_returned"`
	ProgressPercent float64   `json:"progress_percentage"`
	QueryHash       string    `json:"query_hash"`
	LastAccessed    time.Time `json:"last_accessed"`
	ExpiresAt       time.Time `json:"expires_at"`
	IsExpired       bool      `json:"is_expired"`
}

// GetSessionInfo lists the caller's active sessions.
func (p *Paginator) GetSessionInfo(ctx context.Context, sessionID string) ([]SessionInfo, error) {
	sessions, err := p.store.ListActive(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now().UTC()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		var progress float64
		if s.TotalItems > 0 {
			progress = float64(len(s.ReturnedIDs)) / float64(s.TotalItems) * 100
			if progress > 100 {
				progress = 100
			}
		}
		hash := s.QueryHash
		if len(hash) > 8 {
			hash = hash[:8]
		}
		infos = append(infos, SessionInfo{
			Endpoint:        s.Endpoint,
			CurrentPage:     s.CurrentPage,
			ItemsPerPage:    s.ItemsPerPage,
			EstimatedTotal:  s.TotalItems,
			ItemsReturned:   len(s.ReturnedIDs),
			ProgressPercent: progress,
			QueryHash:       hash,
			LastAccessed:    s.LastAccessed,
			ExpiresAt:       s.ExpiresAt,
			IsExpired:       s.IsExpired(now),
		})
	}
	return infos, nil
}

// extractItemID pulls the identifier the paginator records per item. Items
// are either generic rows (map with an "id" key) or typed values exposing
// ItemID.
func extractItemID(item any) (string, bool) {
	switch v := item.(type) {
	case Identifiable:
		id := v.ItemID()
		return id, id != ""
	case map[string]any:
		raw, ok := v["id"]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%v", raw), true
	default:
		return "", false
	}
}
