// Package keys manages the signing key and the symmetric refresh token keys.
//
// All key material lives in one JWK set, encrypted with a runtime key derived
// from the deployment secret and stored as a single blob. Metadata rows record
// the issue time and use of every key. Loading selects the newest signing key
// and the two newest symmetric keys, caches their decrypted JWKs (sealed with
// the runtime key) in the shared KV cache and remembers only the selected kids
// in process memory.
package keys
