package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/registrarlab/registrar-api/internal/store"
)

// Rollback operation kinds carried in a rollback payload.
const (
	RollbackOpCreate = "create"
	RollbackOpUpdate = "update"
)

// RollbackTarget undoes domain writes. Implementations restrict themselves to
// an allowlisted set of tables; the processor never composes raw SQL.
type RollbackTarget interface {
	// DeleteRecord removes the record created by the failed task.
	// Returns store.ErrNotFound when the record does not exist.
	DeleteRecord(ctx context.Context, table string, recordID int64) error

	// RestoreRecord writes the captured field snapshot back over the record
	// mutated by the failed task. Returns store.ErrNotFound when the record
	// does not exist.
	RestoreRecord(ctx context.Context, table string, recordID int64, original map[string]any) error
}

// RollbackPayload is the snapshot captured at task creation, sufficient to
// reverse the task's effect if it terminally fails.
type RollbackPayload struct {
	Operation      string         `json:"operation"`
	Table          string         `json:"table"`
	RecordID       int64          `json:"record_id"`
	OriginalData   map[string]any `json:"original_data,omitempty"`
	OriginalTaskID string         `json:"original_task_id,omitempty"`
}

// RollbackProcessor handles rollback_operation tasks. It is an ordinary
// processor: a failing rollback retries and dead-letters through the same
// engine paths as any other task.
type RollbackProcessor struct {
	target RollbackTarget
	logger *slog.Logger
}

// NewRollbackProcessor creates the processor for rollback tasks.
func NewRollbackProcessor(target RollbackTarget, logger *slog.Logger) *RollbackProcessor {
	return &RollbackProcessor{
		target: target,
		logger: logger.With("component", "rollback_processor"),
	}
}

// Type returns the reserved rollback task type.
func (p *RollbackProcessor) Type() string { return TaskTypeRollback }

// Process interprets the rollback payload: a create is undone by deleting the
// record, an update by restoring the original field values.
func (p *RollbackProcessor) Process(ctx context.Context, payload json.RawMessage, task *Task) (Result, error) {
	var rb RollbackPayload
	if err := json.Unmarshal(payload, &rb); err != nil {
		return Result{}, fmt.Errorf("invalid rollback payload: %w", err)
	}
	if rb.Table == "" || rb.RecordID == 0 {
		return Result{}, fmt.Errorf("rollback payload missing table or record_id")
	}

	logger := p.logger.With(
		"operation", rb.Operation,
		"table", rb.Table,
		"record_id", rb.RecordID,
		"original_task_id", rb.OriginalTaskID)

	switch rb.Operation {
	case RollbackOpCreate:
		err := p.target.DeleteRecord(ctx, rb.Table, rb.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			// Already gone: the create either never committed or was
			// cleaned up elsewhere. Either way the rollback goal holds.
			logger.Info("rollback target already absent")
		} else if err != nil {
			return Result{}, fmt.Errorf("rollback delete failed: %w", err)
		} else {
			logger.Info("rollback completed, record deleted")
		}

	case RollbackOpUpdate:
		if len(rb.OriginalData) == 0 {
			return Result{}, fmt.Errorf("rollback payload missing original_data for update")
		}
		if err := p.target.RestoreRecord(ctx, rb.Table, rb.RecordID, rb.OriginalData); err != nil {
			return Result{}, fmt.Errorf("rollback restore failed: %w", err)
		}
		logger.Info("rollback completed, record restored")

	default:
		return Result{}, fmt.Errorf("unsupported rollback operation %q", rb.Operation)
	}

	data, _ := json.Marshal(map[string]any{
		"operation": rb.Operation,
		"table":     rb.Table,
		"record_id": rb.RecordID,
	})
	return Result{Success: true, Data: data}, nil
}
