package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/registrarlab/registrar-api/internal/queue"
	"github.com/registrarlab/registrar-api/internal/store"
)

// rollbackTables is the allowlist of domain tables a rollback may touch.
// Rollback payloads are produced by our own processors, but the payload
// travels through a jsonb column, so the table name is treated as untrusted
// input anyway.
var rollbackTables = map[string]struct{}{
	"students":    {},
	"teachers":    {},
	"careers":     {},
	"subjects":    {},
	"groups":      {},
	"enrollments": {},
	"grades":      {},
	"schedules":   {},
	"classrooms":  {},
	"terms":       {},
}

// columnNamePattern matches the snake_case column names the domain schema
// uses. Snapshot keys outside this pattern are rejected, not quoted around.
var columnNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RollbackStore implements queue.RollbackTarget on PostgreSQL. Table and
// column names pass through the allowlist and pattern check and are then
// quoted with pgx's identifier sanitizer; values always bind as parameters.
type RollbackStore struct {
	db store.DBTX
}

// NewRollbackStore creates a RollbackStore. db is a pooled connection or a
// caller-managed transaction.
func NewRollbackStore(db store.DBTX) *RollbackStore {
	return &RollbackStore{db: db}
}

// Ensure RollbackStore implements the queue.RollbackTarget interface.
var _ queue.RollbackTarget = (*RollbackStore)(nil)

// DeleteRecord undoes a create by removing the record.
func (s *RollbackStore) DeleteRecord(ctx context.Context, table string, recordID int64) error {
	ident, err := checkTable(table)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1", ident), recordID)
	if err != nil {
		return MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RestoreRecord undoes an update by writing the captured snapshot back.
func (s *RollbackStore) RestoreRecord(ctx context.Context, table string, recordID int64, original map[string]any) error {
	ident, err := checkTable(table)
	if err != nil {
		return err
	}
	if len(original) == 0 {
		return fmt.Errorf("empty snapshot for %s id=%d", table, recordID)
	}

	assignments := make([]string, 0, len(original))
	args := make([]any, 0, len(original)+1)
	args = append(args, recordID)
	for column, value := range original {
		if !columnNamePattern.MatchString(column) {
			return fmt.Errorf("invalid column name %q in snapshot for %s", column, table)
		}
		args = append(args, value)
		assignments = append(assignments,
			fmt.Sprintf("%s = $%d", pgx.Identifier{column}.Sanitize(), len(args)))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1",
		ident, strings.Join(assignments, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// checkTable validates the table against the allowlist and returns its
// quoted identifier.
func checkTable(table string) (string, error) {
	if _, ok := rollbackTables[table]; !ok {
		return "", fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}
