// Package store opens the database handle of an environment and runs SQL
// scripts against it.
//
// The sqlite3, postgres (lib/pq), pgx and mysql drivers are linked in; the
// environment's driver field picks one.
//
// # Database Configuration (sqlite3)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One connection: in-memory databases live on a single connection
package store
