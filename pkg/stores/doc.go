// Package stores provides the SQLite-backed persistence layer for
// experiment run records and the append-only rollback log.
package stores
