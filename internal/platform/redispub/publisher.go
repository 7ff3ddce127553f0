// Package redispub publishes queue lifecycle events to Redis so external
// observers (dashboards, websocket broadcasters) can follow the queue in
// real time. Everything here is best-effort: the queue never depends on
// Redis being up.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/registrarlab/registrar-api/internal/queue"
)

// Redis keys used by the publisher.
const (
	// EventsChannel is the pub/sub channel live subscribers listen on.
	EventsChannel = "queue:events"

	// EventsHistoryKey holds a bounded list of recent events for observers
	// that connect late.
	EventsHistoryKey = "queue:task_events"

	// ActiveWorkersKey is a hash of worker id to last heartbeat.
	ActiveWorkersKey = "queue:active_workers"
)

const (
	maxEventHistory = 1000
	historyTTL      = time.Hour
	heartbeatTTL    = time.Minute
)

// workerHeartbeat is the value stored per worker in the heartbeat hash.
type workerHeartbeat struct {
	TaskID   string    `json:"current_task_id,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Publisher implements queue.EventPublisher on Redis: each event goes out on
// the pub/sub channel and into a trimmed history list in one pipeline.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New creates a Publisher. The Redis client is owned by the caller.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		logger: logger.With("component", "redis_publisher"),
	}
}

// Ensure Publisher implements the queue.EventPublisher interface.
var _ queue.EventPublisher = (*Publisher)(nil)

// Publish sends one event to the channel and appends it to the bounded
// history list.
func (p *Publisher) Publish(ctx context.Context, event queue.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, EventsChannel, raw)
		pipe.LPush(ctx, EventsHistoryKey, raw)
		pipe.LTrim(ctx, EventsHistoryKey, 0, maxEventHistory-1)
		pipe.Expire(ctx, EventsHistoryKey, historyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// RegisterWorkerHeartbeat records worker liveness in the heartbeat hash.
// An empty taskID marks the worker idle.
func (p *Publisher) RegisterWorkerHeartbeat(ctx context.Context, workerID, taskID string) error {
	raw, err := json.Marshal(workerHeartbeat{
		TaskID:   taskID,
		LastSeen: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ActiveWorkersKey, workerID, raw)
		pipe.Expire(ctx, ActiveWorkersKey, heartbeatTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register heartbeat: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events from the history list, newest
// first. Used by the monitoring endpoint.
func (p *Publisher) RecentEvents(ctx context.Context, limit int) ([]queue.Event, error) {
	if limit <= 0 || limit > maxEventHistory {
		limit = maxEventHistory
	}
	raws, err := p.rdb.LRange(ctx, EventsHistoryKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}

	events := make([]queue.Event, 0, len(raws))
	for _, raw := range raws {
		var ev queue.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			p.logger.Warn("skipping corrupt event in history", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ActiveWorkers returns the current heartbeat hash keyed by worker id.
func (p *Publisher) ActiveWorkers(ctx context.Context) (map[string]time.Time, error) {
	entries, err := p.rdb.HGetAll(ctx, ActiveWorkersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker heartbeats: %w", err)
	}

	workers := make(map[string]time.Time, len(entries))
	for workerID, raw := range entries {
		var hb workerHeartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			p.logger.Warn("skipping corrupt heartbeat", "worker_id", workerID, "error", err)
			continue
		}
		workers[workerID] = hb.LastSeen
	}
	return workers, nil
}
