// Package store defines the shared persistence vocabulary: sentinel errors,
// the DBTX abstraction, and the transaction helper. Concrete PostgreSQL
// implementations live in internal/platform/postgres.
package store
