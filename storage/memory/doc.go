// Package memory provides an in-memory implementation of every storage
// interface: flow state, the key cache, the startup lock, refresh tokens,
// users and key material.
//
// Entries with a time-to-live expire lazily on read and are swept by a
// background loop. The store is safe for concurrent use but is local to one
// process, so it only suits tests, development and single-instance
// deployments. Multi-instance deployments use storage/valkey together with
// storage/postgres.
//
//	store := memory.New()
//	defer store.Stop()
package memory
