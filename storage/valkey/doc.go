// Package valkey provides the Valkey backend for the short-lived state of the
// authorization server.
//
// Valkey is wire-compatible with Redis. The Store implements
// [storage.FlowStore], [storage.KeyCache] and [storage.LockStore]; durable
// records (refresh tokens, users, key set) live in a relational store.
//
// # Key Schema
//
// All keys share a configurable prefix (default "dodeka:"):
//
//	{prefix}flow:{flowID}        -> JSON(AuthRequest)     TTL 1000s
//	{prefix}login:{authID}       -> JSON(LoginState)      TTL 60s
//	{prefix}code:{sessionKey}    -> JSON(FlowUser)        TTL 60s
//	{prefix}register:{authID}    -> JSON(RegisterState)   TTL 1000s
//	{prefix}key:{kid}            -> sealed key entry
//	{prefix}startup_lock         -> "locked" | "not locked"  TTL 25s
//
// Pop operations use GETDEL so that concurrent requests cannot both consume
// the same login state or authorization code.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey
