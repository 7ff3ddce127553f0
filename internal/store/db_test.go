package store

import (
	"database/sql"
	"testing"
)

// Both the pooled connection and a transaction must satisfy DBTX, so a store
// built on it can run the same statements standalone or inside
// RunInTransaction.
func TestDBTXImplementations(t *testing.T) {
	var _ DBTX = (*sql.DB)(nil)
	var _ DBTX = (*sql.Tx)(nil)
}
