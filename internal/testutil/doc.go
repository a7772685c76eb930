// Package testutil provides test helpers shared across packages: a
// controllable clock, random values, PKCE pairs, an HTTP request builder and
// a deterministic fake OPAQUE server.
package testutil
