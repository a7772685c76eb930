// Package sqlite implements the durable storage interfaces on an embedded
// SQLite database (modernc.org/sqlite, no cgo).
//
// It suits single-instance deployments and tests. The connection pool is
// limited to one connection, so transactions are serialized by SQLite itself.
package sqlite
