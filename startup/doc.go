// Package startup coordinates process startup when several server processes
// share one KV store and one database.
//
// A short-lived lock key in the KV store tells a starting process whether it
// is the first one in the last StartupLockTTL. Only the first process may
// provision initial data. Every process then loads the keys and releases the
// lock.
package startup
