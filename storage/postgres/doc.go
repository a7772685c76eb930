// Package postgres implements the durable storage interfaces on PostgreSQL
// using a pgx connection pool.
//
// The schema is embedded and applied with goose when the store is opened.
// Refresh token rotation runs delete-old and insert-new in one transaction;
// a rotation whose old row is already gone fails with storage.ErrNotFound
// and inserts nothing.
package postgres
