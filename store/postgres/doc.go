// Package postgres implements the job store using pgx/v5 with raw SQL.
// Conditional writes compare the revision column in the WHERE clause,
// the exclusive-scope guard serializes on a transaction-scoped advisory
// lock keyed by the scope id, and migrations are embedded SQL files.
package postgres
