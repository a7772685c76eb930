// Package storage provides the persistence interfaces of the authorization server.
//
// The interfaces split along the two kinds of backing store:
//   - FlowStore, KeyCache, LockStore: short-lived state in a TTL key/value store
//   - TokenStore, UserStore, KeyStore: durable records in a relational database
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible storage for flow state, key cache and startup lock
//   - storage/postgres: PostgreSQL storage for refresh tokens, users and keys
//   - storage/sqlite: embedded SQLite storage with the same schema as postgres
package storage
